package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Snapshot is a persisted store state. On restart the latest snapshot per
// key seeds the store so consumers have data before the first refresh.
type Snapshot struct {
	ID        uuid.UUID
	StoreID   uuid.UUID
	Key       state.Key
	Sequence  uint64
	StateHash [32]byte
	State     state.StoreState
	CreatedAt time.Time
}

// SnapshotManager saves and loads snapshots in trove.snapshots.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// Save writes snap. Saving the same key and block twice overwrites.
func (sm *SnapshotManager) Save(ctx context.Context, snap Snapshot) error {
	start := time.Now()
	data, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO trove.snapshots
			(snapshot_id, version, collateral, store_id, sequence, block_number, state_hash, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (version, collateral, block_number)
		DO UPDATE SET store_id = $4, sequence = $5, state_hash = $7, data = $8, size_bytes = $9, created_at = $10
	`, snap.ID, snap.Key.Version, snap.Key.Collateral, snap.StoreID, int64(snap.Sequence),
		int64(snap.State.BlockNumber), snap.StateHash[:], data, len(data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Key, err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotSaved.WithLabelValues(snap.Key.String()).Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// LoadLatest returns the snapshot with the highest block for key, or nil
// when there is none.
func (sm *SnapshotManager) LoadLatest(ctx context.Context, key state.Key) (*Snapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT snapshot_id, store_id, sequence, state_hash, data, created_at
		FROM trove.snapshots
		WHERE version = $1 AND collateral = $2
		ORDER BY block_number DESC
		LIMIT 1
	`, key.Version, key.Collateral)

	snap := Snapshot{Key: key}
	var (
		seq  int64
		hash []byte
		data []byte
	)
	if err := row.Scan(&snap.ID, &snap.StoreID, &seq, &hash, &data, &snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	if err := decodeSnapshot(&snap, seq, hash, data); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Since returns up to limit snapshots for key above afterBlock, oldest
// first.
func (sm *SnapshotManager) Since(ctx context.Context, key state.Key, afterBlock uint64, limit int) ([]Snapshot, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT snapshot_id, store_id, sequence, state_hash, data, created_at
		FROM trove.snapshots
		WHERE version = $1 AND collateral = $2 AND block_number > $3
		ORDER BY block_number ASC
		LIMIT $4
	`, key.Version, key.Collateral, int64(afterBlock), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap := Snapshot{Key: key}
		var (
			seq  int64
			hash []byte
			data []byte
		)
		if err := rows.Scan(&snap.ID, &snap.StoreID, &seq, &hash, &data, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeSnapshot(&snap, seq, hash, data); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Keys lists every key with at least one snapshot.
func (sm *SnapshotManager) Keys(ctx context.Context) ([]state.Key, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT DISTINCT version, collateral FROM trove.snapshots ORDER BY version, collateral
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []state.Key
	for rows.Next() {
		var k state.Key
		if err := rows.Scan(&k.Version, &k.Collateral); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Prune keeps the newest keep snapshots per key.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM trove.snapshots s
		USING (
			SELECT snapshot_id,
			       ROW_NUMBER() OVER (PARTITION BY version, collateral ORDER BY block_number DESC) AS rn
			FROM trove.snapshots
		) ranked
		WHERE s.snapshot_id = ranked.snapshot_id AND ranked.rn > $1
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func decodeSnapshot(snap *Snapshot, seq int64, hash, data []byte) error {
	if len(hash) != len(snap.StateHash) {
		return fmt.Errorf("snapshot %s: state hash is %d bytes", snap.ID, len(hash))
	}
	copy(snap.StateHash[:], hash)
	snap.Sequence = uint64(seq)
	if err := json.Unmarshal(data, &snap.State); err != nil {
		return fmt.Errorf("unmarshal snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// SeedStores loads the latest snapshot for each store and seeds it.
// Stores without a snapshot are left to their first refresh.
func SeedStores(ctx context.Context, sm *SnapshotManager, stores []*core.Store, logger zerolog.Logger) error {
	for _, s := range stores {
		snap, err := sm.LoadLatest(ctx, s.Key())
		if err != nil {
			return err
		}
		if snap == nil {
			logger.Info().Str("store", s.Key().String()).Msg("no snapshot, cold start")
			continue
		}
		s.Seed(state.Derive(snap.State, s.Params()), snap.StateHash)
	}
	return nil
}

// Snapshotter subscribes to a store and saves its state every interval
// when it changed, and once more on shutdown.
type Snapshotter struct {
	store    *core.Store
	manager  *SnapshotManager
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	last  core.StoreUpdate
	dirty bool
	saved bool
}

func NewSnapshotter(store *core.Store, manager *SnapshotManager, interval time.Duration, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Snapshotter{
		store:    store,
		manager:  manager,
		interval: interval,
		logger:   logger.With().Str("component", "snapshotter").Str("store", store.Key().String()).Logger(),
	}
}

func (s *Snapshotter) observe(u core.StoreUpdate) {
	s.mu.Lock()
	s.last = u
	s.dirty = true
	s.mu.Unlock()
}

// Run blocks until ctx is done. The final save uses a fresh context so a
// cancelled ctx does not lose the last state.
func (s *Snapshotter) Run(ctx context.Context) error {
	unsubscribe := s.store.Subscribe(s.observe)
	defer unsubscribe()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.Flush(final)
			cancel()
			if err != nil {
				s.logger.Error().Err(err).Msg("final snapshot failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// Flush saves the latest update if one arrived since the last save. The
// first flush saves the loaded state even without an update, since the
// initial load is not delivered to listeners.
func (s *Snapshotter) Flush(ctx context.Context) error {
	s.mu.Lock()
	u, dirty, saved := s.last, s.dirty, s.saved
	s.dirty = false
	s.mu.Unlock()
	if !dirty {
		if saved {
			return nil
		}
		st, ok := s.store.State()
		if !ok {
			return nil
		}
		u = core.StoreUpdate{Key: s.store.Key(), NewState: st, StateHash: s.store.StateHash()}
	}
	err := s.manager.Save(ctx, Snapshot{
		StoreID:   s.store.ID(),
		Key:       u.Key,
		Sequence:  u.Sequence,
		StateHash: u.StateHash,
		State:     u.NewState,
	})
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.saved = true
	s.mu.Unlock()
	s.logger.Debug().Uint64("block", u.NewState.BlockNumber).Msg("snapshot saved")
	return nil
}
