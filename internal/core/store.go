package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TroveWatch/internal/observability"
	"TroveWatch/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StoreUpdate is delivered to listeners when a refresh changes at least
// one field.
type StoreUpdate struct {
	Key         state.Key         `json:"key"`
	NewState    state.StoreState  `json:"new_state"`
	OldState    state.StoreState  `json:"old_state"`
	StateChange state.StateChange `json:"state_change"`
	Sequence    uint64            `json:"sequence"`
	StateHash   [32]byte          `json:"state_hash"`
}

// Listener receives store updates. Listeners run on the refresh goroutine
// one at a time and must not call Refresh synchronously.
type Listener func(StoreUpdate)

type StoreConfig struct {
	Key    state.Key
	Params state.Params
	Source StateSource

	// PollInterval triggers a refresh of the latest block when no head
	// arrives. Zero disables polling.
	PollInterval time.Duration
	// Debounce collapses bursts of heads into one refresh of the highest.
	Debounce time.Duration
	// MaxInFlight bounds concurrent refreshes started by Run.
	MaxInFlight int

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Store owns the latest snapshot for one key. The snapshot is replaced
// wholesale by refreshes and never mutated. Reads are safe from any
// goroutine.
type Store struct {
	id      uuid.UUID
	key     state.Key
	cfg     StoreConfig
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	current state.StoreState
	hash    [32]byte
	loaded  bool

	// publishMu serializes accept + diff + delivery so listeners see
	// updates in the order snapshots were applied.
	publishMu sync.Mutex
	guard     *RefreshGuard
	hasher    *StateHasher
	listeners Registry[Listener]

	loadMu    sync.Mutex
	loadFired bool
	loadHooks Registry[func()]

	loadedCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	return &Store{
		id:       uuid.New(),
		key:      cfg.Key,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("store", cfg.Key.String()).Logger(),
		metrics:  cfg.Metrics,
		guard:    NewRefreshGuard(),
		hasher:   NewStateHasher(cfg.Key.String()),
		loadedCh: make(chan struct{}),
		closeCh:  make(chan struct{}),
	}
}

// ID is unique per Store instance. A reconfigured provider yields stores
// with new IDs even for the same key.
func (s *Store) ID() uuid.UUID { return s.id }

func (s *Store) Key() state.Key { return s.key }

func (s *Store) Params() state.Params { return s.cfg.Params }

// State returns the current snapshot and whether one has been loaded.
func (s *Store) State() (state.StoreState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.loaded
}

// StateHash returns the hash chain tip of the current snapshot.
func (s *Store) StateHash() [32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hash
}

// Loaded is closed once the first snapshot is in place.
func (s *Store) Loaded() <-chan struct{} { return s.loadedCh }

// OnLoaded runs fn once, right after the first snapshot is in place and
// before any update reaches listeners. If the store has already loaded fn
// runs immediately on the caller's goroutine. The first load is not
// delivered to listeners, so consumers that cache derived state use this
// to catch it.
func (s *Store) OnLoaded(fn func()) (remove func()) {
	s.loadMu.Lock()
	if s.loadFired {
		s.loadMu.Unlock()
		fn()
		return func() {}
	}
	remove = s.loadHooks.Add(fn)
	s.loadMu.Unlock()
	return remove
}

// fireLoaded runs the load hooks. Callers hold publishMu.
func (s *Store) fireLoaded() {
	s.loadMu.Lock()
	s.loadFired = true
	s.loadMu.Unlock()
	s.loadHooks.Each(func(fn func()) { fn() })
	s.loadHooks.Clear()
}

// WaitLoaded blocks until the store has a snapshot.
func (s *Store) WaitLoaded(ctx context.Context) (state.StoreState, error) {
	select {
	case <-s.loadedCh:
		st, _ := s.State()
		return st, nil
	case <-s.closeCh:
		return state.StoreState{}, ErrStoreClosed
	case <-ctx.Done():
		return state.StoreState{}, ctx.Err()
	}
}

// Subscribe registers l. Listeners are called in subscription order. The
// returned func is idempotent and may be called from inside a listener.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	remove := s.listeners.Add(l)
	s.recordListeners()
	return func() {
		remove()
		s.recordListeners()
	}
}

func (s *Store) recordListeners() {
	if s.metrics != nil {
		s.metrics.Listeners.WithLabelValues(s.key.String()).Set(float64(s.listeners.Len()))
	}
}

// Seed installs a persisted snapshot as the loaded state. It is a no-op
// once the store has loaded.
func (s *Store) Seed(st state.StoreState, tip [32]byte) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	st.Key = s.key
	s.current = st
	s.hash = tip
	s.loaded = true
	s.mu.Unlock()

	s.hasher.Reset(tip)
	s.guard.Restore(st.BlockNumber)
	close(s.loadedCh)
	s.logger.Info().Uint64("block", st.BlockNumber).Msg("store seeded from snapshot")
	s.fireLoaded()
}

// Refresh reads the snapshot at blockNumber (zero for latest) and applies
// it unless a newer refresh got there first. On error the current
// snapshot is kept and the error returned.
func (s *Store) Refresh(ctx context.Context, blockNumber uint64) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	seq := s.guard.Begin()
	label := s.key.String()
	start := time.Now()
	if s.metrics != nil {
		s.metrics.RefreshStarted.WithLabelValues(label).Inc()
	}

	fetched, err := s.cfg.Source.Fetch(ctx, s.key, blockNumber)
	if s.metrics != nil {
		s.metrics.RefreshDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RefreshFailed.WithLabelValues(label).Inc()
		}
		return fmt.Errorf("refresh %s at block %d: %w", label, blockNumber, err)
	}

	fetched.Key = s.key
	s.apply(seq, state.Derive(fetched, s.cfg.Params))
	return nil
}

func (s *Store) apply(seq uint64, next state.StoreState) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if s.closed.Load() {
		return
	}
	label := s.key.String()
	if !s.guard.Accept(seq, next.BlockNumber) {
		s.logger.Debug().Uint64("seq", seq).Uint64("block", next.BlockNumber).Msg("discarding stale refresh")
		if s.metrics != nil {
			s.metrics.RefreshStale.WithLabelValues(label).Inc()
		}
		return
	}

	s.mu.Lock()
	old, wasLoaded := s.current, s.loaded
	change := state.Diff(old, next)
	if wasLoaded && change.IsEmpty() {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RefreshNoop.WithLabelValues(label).Inc()
		}
		return
	}
	hash := s.hasher.ComputeHash(seq, next.Digest())
	s.current = next
	s.hash = hash
	s.loaded = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RefreshApplied.WithLabelValues(label).Inc()
		s.metrics.StoreBlockNumber.WithLabelValues(label).Set(float64(next.BlockNumber))
		s.metrics.StorePrice.WithLabelValues(label).Set(next.Price.Float64())
	}

	if !wasLoaded {
		close(s.loadedCh)
		s.logger.Info().Uint64("block", next.BlockNumber).Msg("store loaded")
		s.fireLoaded()
		return
	}

	update := StoreUpdate{
		Key:         s.key,
		NewState:    next,
		OldState:    old,
		StateChange: change,
		Sequence:    seq,
		StateHash:   hash,
	}
	s.listeners.Each(func(l Listener) {
		l(update)
		if s.metrics != nil {
			s.metrics.NotificationsSent.WithLabelValues(label).Inc()
		}
	})
}

// Run refreshes on every head from heads, debounced, and on every poll
// tick, until ctx is done or the store is closed. Refresh errors are
// logged and left for the next trigger. heads may be nil.
func (s *Store) Run(ctx context.Context, heads <-chan uint64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.cfg.MaxInFlight)
	trigger := func(block uint64) {
		select {
		case sem <- struct{}{}:
		default:
			s.logger.Debug().Uint64("block", block).Msg("refresh skipped, too many in flight")
			return
		}
		go func() {
			defer func() { <-sem }()
			if err := s.Refresh(ctx, block); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Uint64("block", block).Msg("refresh failed, keeping last state")
			}
		}()
	}

	var tick <-chan time.Time
	if s.cfg.PollInterval > 0 {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		debounce *time.Timer
		fire     <-chan time.Time
		pending  uint64
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	trigger(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case n, ok := <-heads:
			if !ok {
				heads = nil
				continue
			}
			if n > pending {
				pending = n
			}
			if debounce == nil {
				debounce = time.NewTimer(s.cfg.Debounce)
				fire = debounce.C
			}
		case <-fire:
			debounce, fire = nil, nil
			trigger(pending)
			pending = 0
		case <-tick:
			trigger(0)
		}
	}
}

// Close detaches every listener and stops Run. Refreshes still in flight
// are cancelled and never applied.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.publishMu.Lock()
		s.listeners.Clear()
		s.loadHooks.Clear()
		s.publishMu.Unlock()
		s.recordListeners()
		s.logger.Info().Msg("store closed")
	})
}
