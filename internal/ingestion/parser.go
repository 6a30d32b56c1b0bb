package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/state"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// --- JSON wire formats ---
// Field names use snake_case to match the other producers on the bus.

type headJSON struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	TimestampS int64  `json:"timestamp_s"`
}

// Head is a block notification from an external head producer.
type Head struct {
	Number uint64
	Hash   common.Hash
	Time   time.Time
}

// ParseHead decodes a chain.heads message.
func ParseHead(data []byte) (Head, error) {
	var j headJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Head{}, fmt.Errorf("parse head: %w", err)
	}
	if j.Number == 0 {
		return Head{}, fmt.Errorf("parse head: number is required")
	}
	raw := strings.TrimPrefix(j.Hash, "0x")
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != common.HashLength {
		return Head{}, fmt.Errorf("parse head: invalid hash %q", j.Hash)
	}
	return Head{
		Number: j.Number,
		Hash:   common.BytesToHash(b),
		Time:   time.Unix(j.TimestampS, 0).UTC(),
	}, nil
}

// EncodeHead is the inverse of ParseHead.
func EncodeHead(h Head) ([]byte, error) {
	return json.Marshal(headJSON{Number: h.Number, Hash: h.Hash.Hex(), TimestampS: h.Time.Unix()})
}

// StoreUpdateMessage is a store change as published on
// trove.store.<version>.<collateral>.
type StoreUpdateMessage struct {
	StoreID     uuid.UUID        `json:"store_id"`
	Key         state.Key        `json:"key"`
	Sequence    uint64           `json:"sequence"`
	StateHash   string           `json:"state_hash"`
	BlockNumber uint64           `json:"block_number"`
	Changed     []string         `json:"changed"`
	State       state.StoreState `json:"state"`
	PublishedAt time.Time        `json:"published_at"`
}

func NewStoreUpdateMessage(storeID uuid.UUID, u core.StoreUpdate) StoreUpdateMessage {
	return StoreUpdateMessage{
		StoreID:     storeID,
		Key:         u.Key,
		Sequence:    u.Sequence,
		StateHash:   hex.EncodeToString(u.StateHash[:]),
		BlockNumber: u.NewState.BlockNumber,
		Changed:     u.StateChange.Fields(),
		State:       u.NewState,
		PublishedAt: time.Now().UTC(),
	}
}

// ParseStoreUpdate decodes a published store update.
func ParseStoreUpdate(data []byte) (StoreUpdateMessage, error) {
	var m StoreUpdateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse store update: %w", err)
	}
	if m.Key.Version == "" || m.Key.Collateral == "" {
		return m, fmt.Errorf("parse store update: key is required")
	}
	if len(m.StateHash) != 64 {
		return m, fmt.Errorf("parse store update: invalid state_hash length %d", len(m.StateHash))
	}
	return m, nil
}

// SettlementMessage is a terminal receipt as published on
// trove.tx.<status>.
type SettlementMessage struct {
	Op          string          `json:"op"`
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	Status      string          `json:"status"`
	BlockNumber uint64          `json:"block_number"`
	GasUsed     uint64          `json:"gas_used"`
	SentAt      time.Time       `json:"sent_at"`
	SettledAt   time.Time       `json:"settled_at"`
	Details     json.RawMessage `json:"details,omitempty"`
	DecodeError string          `json:"decode_error,omitempty"`
}

func NewSettlementMessage(s tx.Settlement) (SettlementMessage, error) {
	m := SettlementMessage{
		Op:          s.Op,
		Hash:        s.Hash,
		From:        s.From,
		Status:      s.Status.String(),
		BlockNumber: s.BlockNumber,
		GasUsed:     s.GasUsed,
		SentAt:      s.SentAt.UTC(),
		SettledAt:   s.SettledAt.UTC(),
	}
	if s.DecodeErr != nil {
		m.DecodeError = s.DecodeErr.Error()
	}
	if s.Details != nil {
		b, err := json.Marshal(s.Details)
		if err != nil {
			return m, fmt.Errorf("marshal %s details: %w", s.Op, err)
		}
		m.Details = b
	}
	return m, nil
}

func ParseSettlement(data []byte) (SettlementMessage, error) {
	var m SettlementMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse settlement: %w", err)
	}
	if m.Op == "" || m.Hash == (common.Hash{}) {
		return m, fmt.Errorf("parse settlement: op and hash are required")
	}
	return m, nil
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// StoreSubject is where updates for key are published.
func StoreSubject(key state.Key) string {
	return "trove.store." + subjectToken(key.Version) + "." + subjectToken(key.Collateral)
}

// TxSubject is where settlements with status are published.
func TxSubject(status tx.Status) string {
	return "trove.tx." + status.String()
}
