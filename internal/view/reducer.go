package view

import (
	"errors"
	"fmt"
	"sync"

	"TroveWatch/internal/core"
	"TroveWatch/internal/state"

	"github.com/google/uuid"
)

var ErrUnknownStore = errors.New("no store for key")

// Action is what a reducer folds: either a store update or a local
// action. Exactly one of Update and Local is meaningful; check
// IsStoreUpdate.
type Action[A any] struct {
	Update *core.StoreUpdate
	Local  A
}

func (a Action[A]) IsStoreUpdate() bool { return a.Update != nil }

// ReducerConfig wires a Reducer.
type ReducerConfig[S, A any] struct {
	Key state.Key
	// Reduce must be pure. It is never called concurrently.
	Reduce func(S, Action[A]) S
	// Init builds the starting state. It is called again whenever the
	// store behind Key is replaced, and when a store that was not loaded
	// at bind time loads. Local actions dispatched before that load are
	// discarded.
	Init  func(state.StoreState) S
	Equal func(a, b S) bool
	// OnChange is called with the new state when Reduce or Init produced
	// a state that is not Equal to the previous one.
	OnChange func(S)
}

// Reducer keeps local state derived from one store plus local actions.
type Reducer[S, A any] struct {
	provider *core.Provider
	cfg      ReducerConfig[S, A]
	dispatch func(A)

	mu            sync.Mutex
	state         S
	storeID       uuid.UUID
	initLoaded    bool
	unsubscribe   func()
	removeLoad    func()
	removeWatcher func()
	closed        bool
}

func NewReducer[S, A any](p *core.Provider, cfg ReducerConfig[S, A]) (*Reducer[S, A], error) {
	store, ok := p.Lookup(cfg.Key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, cfg.Key)
	}
	if cfg.Equal == nil {
		return nil, errors.New("reducer needs an equality func")
	}
	r := &Reducer[S, A]{provider: p, cfg: cfg}
	r.dispatch = func(a A) { r.apply(Action[A]{Local: a}) }

	r.mu.Lock()
	r.bindLocked(store)
	r.mu.Unlock()
	r.watchLoad(store)
	r.removeWatcher = p.OnReconfigure(r.reconfigure)
	return r, nil
}

func (r *Reducer[S, A]) bindLocked(store *core.Store) {
	st, loaded := store.State()
	r.state = r.cfg.Init(st)
	r.initLoaded = loaded
	r.storeID = store.ID()
	r.unsubscribe = store.Subscribe(func(u core.StoreUpdate) {
		r.apply(Action[A]{Update: &u})
	})
}

// watchLoad re-initializes from the first snapshot of store when it was
// bound before loading. It runs without r.mu held: OnLoaded may call the
// hook synchronously.
func (r *Reducer[S, A]) watchLoad(store *core.Store) {
	remove := store.OnLoaded(func() { r.loaded(store) })
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.storeID != store.ID() {
		remove()
		return
	}
	r.removeLoad = remove
}

func (r *Reducer[S, A]) loaded(store *core.Store) {
	st, _ := store.State()

	r.mu.Lock()
	if r.closed || r.initLoaded || r.storeID != store.ID() {
		r.mu.Unlock()
		return
	}
	r.initLoaded = true
	prev := r.state
	next := r.cfg.Init(st)
	r.state = next
	r.mu.Unlock()

	if r.cfg.OnChange != nil && !r.cfg.Equal(prev, next) {
		r.cfg.OnChange(next)
	}
}

func (r *Reducer[S, A]) unbindLocked() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	if r.removeLoad != nil {
		r.removeLoad()
		r.removeLoad = nil
	}
}

func (r *Reducer[S, A]) apply(a Action[A]) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	next := r.cfg.Reduce(r.state, a)
	if r.cfg.Equal(r.state, next) {
		r.mu.Unlock()
		return
	}
	r.state = next
	r.mu.Unlock()

	if r.cfg.OnChange != nil {
		r.cfg.OnChange(next)
	}
}

// reconfigure resets through Init when the store identity changed.
func (r *Reducer[S, A]) reconfigure() {
	store, ok := r.provider.Lookup(r.cfg.Key)

	r.mu.Lock()
	if r.closed || !ok || store.ID() == r.storeID {
		r.mu.Unlock()
		return
	}
	r.unbindLocked()
	prev := r.state
	r.bindLocked(store)
	next := r.state
	r.mu.Unlock()

	r.watchLoad(store)
	if r.cfg.OnChange != nil && !r.cfg.Equal(prev, next) {
		r.cfg.OnChange(next)
	}
}

// State returns the current reduced state.
func (r *Reducer[S, A]) State() S {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Dispatch folds a local action.
func (r *Reducer[S, A]) Dispatch(a A) { r.dispatch(a) }

// Dispatcher returns the func built at construction. It stays valid for
// the life of the Reducer, across store replacement.
func (r *Reducer[S, A]) Dispatcher() func(A) { return r.dispatch }

func (r *Reducer[S, A]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.unbindLocked()
	if r.removeWatcher != nil {
		r.removeWatcher()
	}
}
