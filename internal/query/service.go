package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"TroveWatch/internal/core"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/projection"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownStore = errors.New("unknown store")
	ErrUnavailable  = errors.New("query needs a database")
)

const maxLimit = 1000

// QueryService answers read-only questions about stores. Live state comes
// from the provider; history and the transaction journal come from
// Postgres projections when a database is configured.
type QueryService struct {
	provider *core.Provider
	history  *projection.PriceHistory
	db       *sql.DB
	metrics  *observability.Metrics
}

// NewQueryService builds a service. history and db may be nil.
func NewQueryService(provider *core.Provider, history *projection.PriceHistory, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{provider: provider, history: history, db: db, metrics: metrics}
}

func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(method).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		code := "internal"
		switch {
		case errors.Is(err, ErrUnknownStore):
			code = "not_found"
		case errors.Is(err, core.ErrNotLoaded):
			code = "unavailable"
		case errors.Is(err, ErrUnavailable):
			code = "unimplemented"
		}
		qs.metrics.QueryErrors.WithLabelValues(method, code).Inc()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// ListStores returns every configured store, ordered by key.
func (qs *QueryService) ListStores(ctx context.Context) []StoreSummary {
	start := time.Now()
	defer qs.observe("ListStores", start, nil)

	stores := qs.provider.Stores()
	out := make([]StoreSummary, 0, len(stores))
	for _, s := range stores {
		st, ok := s.State()
		hash := s.StateHash()
		out = append(out, StoreSummary{
			Key:         s.Key(),
			StoreID:     s.ID(),
			Loaded:      ok,
			BlockNumber: st.BlockNumber,
			Price:       st.Price,
			StateHash:   hex.EncodeToString(hash[:]),
		})
	}
	return out
}

// GetStoreState returns the live snapshot for key. When the store has not
// loaded yet the last projected state is returned instead, if any.
func (qs *QueryService) GetStoreState(ctx context.Context, key state.Key) (resp *StoreStateResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("GetStoreState", start, err) }()

	store, ok := qs.provider.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, key)
	}
	if st, loaded := store.State(); loaded {
		return &StoreStateResponse{Key: key, Source: "live", BlockNumber: st.BlockNumber, State: st, AsOf: time.Now().UTC()}, nil
	}
	if qs.db == nil {
		return nil, core.ErrNotLoaded
	}

	var (
		data      []byte
		block     int64
		updatedAt time.Time
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT state, block_number, updated_at
		FROM projections.store_state
		WHERE version = $1 AND collateral = $2
	`, key.Version, key.Collateral).Scan(&data, &block, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotLoaded
	}
	if err != nil {
		return nil, fmt.Errorf("projected state %s: %w", key, err)
	}
	resp = &StoreStateResponse{Key: key, Source: "projection", BlockNumber: uint64(block), AsOf: updatedAt}
	if err := json.Unmarshal(data, &resp.State); err != nil {
		return nil, fmt.Errorf("decode projected state %s: %w", key, err)
	}
	return resp, nil
}

// GetTrove returns the observed account's trove in the store for key.
func (qs *QueryService) GetTrove(ctx context.Context, key state.Key) (*TroveResponse, error) {
	resp, err := qs.GetStoreState(ctx, key)
	if err != nil {
		return nil, err
	}
	p := state.DefaultParams(key.Collateral)
	if store, ok := qs.provider.Lookup(key); ok {
		p = store.Params()
	}
	t := NewTroveResponse(resp.State, p)
	return &t, nil
}

// ListPriceHistory returns up to limit price points for key, newest first.
func (qs *QueryService) ListPriceHistory(ctx context.Context, key state.Key, limit int) (out []PricePointResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("ListPriceHistory", start, err) }()

	if _, ok := qs.provider.Lookup(key); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, key)
	}
	limit = clampLimit(limit)

	if qs.db == nil {
		if qs.history == nil {
			return nil, ErrUnavailable
		}
		for _, p := range qs.history.Query(key, limit) {
			out = append(out, PricePointResponse{BlockNumber: p.BlockNumber, BlockTimestamp: p.BlockTimestamp, Price: p.Price})
		}
		return out, nil
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT block_number, block_timestamp, price::text
		FROM projections.price_history
		WHERE version = $1 AND collateral = $2
		ORDER BY block_number DESC
		LIMIT $3
	`, key.Version, key.Collateral, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			block, ts int64
			price     string
		)
		if err := rows.Scan(&block, &ts, &price); err != nil {
			return nil, err
		}
		d, err := fpmath.NewDecimal(price)
		if err != nil {
			return nil, fmt.Errorf("price at block %d: %w", block, err)
		}
		out = append(out, PricePointResponse{BlockNumber: uint64(block), BlockTimestamp: uint64(ts), Price: d})
	}
	return out, rows.Err()
}

// ListTransactions returns the journaled transactions sent by account,
// newest first.
func (qs *QueryService) ListTransactions(ctx context.Context, account common.Address, limit int) (out []TransactionResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("ListTransactions", start, err) }()

	if qs.db == nil {
		return nil, ErrUnavailable
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT hash, op, from_address, status, block_number, gas_used,
		       details, COALESCE(decode_error, ''), sent_at, settled_at
		FROM trove.transactions
		WHERE from_address = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`, strings.ToLower(account.Hex()), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t          TransactionResponse
			block, gas int64
			details    []byte
			settledAt  sql.NullTime
		)
		if err := rows.Scan(&t.Hash, &t.Op, &t.From, &t.Status, &block, &gas,
			&details, &t.DecodeError, &t.SentAt, &settledAt); err != nil {
			return nil, err
		}
		t.BlockNumber, t.GasUsed = uint64(block), uint64(gas)
		if len(details) > 0 {
			t.Details = json.RawMessage(details)
		}
		if settledAt.Valid {
			at := settledAt.Time
			t.SettledAt = &at
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
