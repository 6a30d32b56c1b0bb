package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"TroveWatch/internal/core"
	"TroveWatch/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionWorker keeps the projections schema in step with store
// updates. Its input is non-blocking with drop: a store refresh never
// waits on Postgres, and projections that fell behind are rebuilt from
// trove.snapshots.
type ProjectionWorker struct {
	db      *sql.DB
	history *PriceHistory
	input   chan core.StoreUpdate
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewProjectionWorker builds a worker. db may be nil, in which case only
// the in-memory history is maintained.
func NewProjectionWorker(db *sql.DB, history *PriceHistory, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *ProjectionWorker {
	if buffer <= 0 {
		buffer = 256
	}
	return &ProjectionWorker{
		db:      db,
		history: history,
		input:   make(chan core.StoreUpdate, buffer),
		logger:  logger.With().Str("component", "projection").Logger(),
		metrics: metrics,
	}
}

// Listener returns the core.Listener to subscribe on every store.
func (pw *ProjectionWorker) Listener() core.Listener {
	return func(u core.StoreUpdate) {
		select {
		case pw.input <- u:
		default:
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues("store_state").Inc()
			}
			pw.logger.Warn().Str("store", u.Key.String()).Uint64("block", u.NewState.BlockNumber).Msg("projection behind, update dropped")
		}
	}
}

// Run applies updates until ctx is done.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-pw.input:
			if err := pw.Apply(ctx, u); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.logger.Warn().Err(err).Str("store", u.Key.String()).Uint64("seq", u.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply projects one update.
func (pw *ProjectionWorker) Apply(ctx context.Context, u core.StoreUpdate) error {
	if pw.history != nil {
		pw.history.Add(PricePoint{
			Key:            u.Key,
			BlockNumber:    u.NewState.BlockNumber,
			BlockTimestamp: u.NewState.BlockTimestamp,
			Price:          u.NewState.Price,
		})
	}
	if pw.db == nil {
		return nil
	}

	data, err := json.Marshal(u.NewState)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st := u.NewState
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.store_state (version, collateral, block_number, sequence, price, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (version, collateral) DO UPDATE
			SET block_number = $3, sequence = $4, price = $5, state = $6, updated_at = NOW()
			WHERE projections.store_state.block_number <= $3
	`, u.Key.Version, u.Key.Collateral, int64(st.BlockNumber), int64(u.Sequence), st.Price.String(), data); err != nil {
		return fmt.Errorf("store_state projection: %w", err)
	}

	if u.StateChange.Has("price") {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.price_history (version, collateral, block_number, block_timestamp, price)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (version, collateral, block_number) DO NOTHING
		`, u.Key.Version, u.Key.Collateral, int64(st.BlockNumber), int64(st.BlockTimestamp), st.Price.String()); err != nil {
			return fmt.Errorf("price_history projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (version, collateral, last_sequence, last_block, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (version, collateral) DO UPDATE
			SET last_sequence = $3, last_block = GREATEST(projections.watermark.last_block, $4), updated_at = NOW()
	`, u.Key.Version, u.Key.Collateral, int64(u.Sequence), int64(st.BlockNumber)); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildProjections rebuilds every projection table from trove.snapshots.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.store_state`,
		`TRUNCATE projections.price_history`,
		`TRUNCATE projections.watermark`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.store_state (version, collateral, block_number, sequence, price, state, updated_at)
		SELECT DISTINCT ON (version, collateral)
			version, collateral, block_number, sequence, (data->>'price')::numeric, data, created_at
		FROM trove.snapshots
		ORDER BY version, collateral, block_number DESC
	`); err != nil {
		return fmt.Errorf("rebuild store_state: %w", err)
	}

	// Snapshots are sparse, so history only has points where a snapshot
	// was taken and the price differed from the previous one.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.price_history (version, collateral, block_number, block_timestamp, price)
		SELECT version, collateral, block_number, block_timestamp, price
		FROM (
			SELECT version, collateral, block_number,
			       (data->>'block_timestamp')::bigint AS block_timestamp,
			       (data->>'price')::numeric AS price,
			       LAG((data->>'price')::numeric) OVER (PARTITION BY version, collateral ORDER BY block_number) AS prev
			FROM trove.snapshots
		) s
		WHERE prev IS NULL OR prev <> price
	`); err != nil {
		return fmt.Errorf("rebuild price_history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (version, collateral, last_sequence, last_block, updated_at)
		SELECT version, collateral, sequence, block_number, NOW()
		FROM projections.store_state
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
