package query

import (
	"encoding/json"
	"time"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/google/uuid"
)

// StoreSummary is one entry of the store listing.
type StoreSummary struct {
	Key         state.Key      `json:"key"`
	StoreID     uuid.UUID      `json:"store_id"`
	Loaded      bool           `json:"loaded"`
	BlockNumber uint64         `json:"block_number"`
	Price       fpmath.Decimal `json:"price"`
	StateHash   string         `json:"state_hash"`
}

// StoreStateResponse is a full snapshot. Source is "live" when read from
// a running store and "projection" when read from Postgres.
type StoreStateResponse struct {
	Key         state.Key        `json:"key"`
	Source      string           `json:"source"`
	BlockNumber uint64           `json:"block_number"`
	State       state.StoreState `json:"state"`
	AsOf        time.Time        `json:"as_of"`
}

// PricePointResponse is one point of price history.
type PricePointResponse struct {
	BlockNumber    uint64         `json:"block_number"`
	BlockTimestamp uint64         `json:"block_timestamp"`
	Price          fpmath.Decimal `json:"price"`
}

// TransactionResponse is one journaled transaction.
type TransactionResponse struct {
	Hash        string          `json:"hash"`
	Op          string          `json:"op"`
	From        string          `json:"from"`
	Status      string          `json:"status"`
	BlockNumber uint64          `json:"block_number"`
	GasUsed     uint64          `json:"gas_used"`
	Details     json.RawMessage `json:"details,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
}
