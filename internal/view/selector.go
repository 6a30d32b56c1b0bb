// Package view adapts stores to consumers that keep derived state: a
// Selector projects every store, a Reducer folds one store's updates and
// local actions, and a Scope owns the lifetime of both plus any async
// work they start.
package view

import (
	"sync"

	"TroveWatch/internal/core"
	"TroveWatch/internal/state"
)

// Selected is one store's projection.
type Selected[S any] struct {
	Version    string `json:"version"`
	Collateral string `json:"collateral"`
	Store      S      `json:"store"`
}

// Selector keeps select(state) for every store of a provider and calls
// onChange only when at least one projection changes.
type Selector[S any] struct {
	provider *core.Provider
	selectFn func(state.StoreState) S
	equal    func(a, b S) bool
	onChange func([]Selected[S])

	mu            sync.Mutex
	stores        []*core.Store
	values        []Selected[S]
	unsubscribes  []func()
	removeWatcher func()
	closed        bool
}

// NewSelector projects with == equality.
func NewSelector[S comparable](p *core.Provider, selectFn func(state.StoreState) S, onChange func([]Selected[S])) *Selector[S] {
	return NewSelectorFunc(p, selectFn, func(a, b S) bool { return a == b }, onChange)
}

// NewSelectorFunc projects with a caller-supplied structural equality,
// for projections that are not comparable (slices, maps).
func NewSelectorFunc[S any](p *core.Provider, selectFn func(state.StoreState) S, equal func(a, b S) bool, onChange func([]Selected[S])) *Selector[S] {
	s := &Selector[S]{
		provider: p,
		selectFn: selectFn,
		equal:    equal,
		onChange: onChange,
	}
	s.mu.Lock()
	stores := s.subscribeLocked()
	s.mu.Unlock()
	s.watchLoads(stores)
	s.removeWatcher = p.OnReconfigure(s.reconfigure)
	return s
}

// subscribeLocked subscribes to every current store exactly once.
func (s *Selector[S]) subscribeLocked() []*core.Store {
	stores := s.provider.Stores()
	s.stores = stores
	s.values = make([]Selected[S], len(stores))
	s.unsubscribes = make([]func(), 0, 2*len(stores))
	for i, store := range stores {
		st, _ := store.State()
		key := store.Key()
		s.values[i] = Selected[S]{Version: key.Version, Collateral: key.Collateral, Store: s.selectFn(st)}
		s.unsubscribes = append(s.unsubscribes, store.Subscribe(s.listener(i, store)))
	}
	return stores
}

// watchLoads re-projects each store when its first snapshot lands. It runs
// without s.mu held: OnLoaded may call the hook synchronously.
func (s *Selector[S]) watchLoads(stores []*core.Store) {
	for i, store := range stores {
		remove := store.OnLoaded(func() { s.loaded(i, store) })
		s.mu.Lock()
		if s.closed || !s.current(i, store) {
			s.mu.Unlock()
			remove()
			continue
		}
		s.unsubscribes = append(s.unsubscribes, remove)
		s.mu.Unlock()
	}
}

func (s *Selector[S]) current(i int, store *core.Store) bool {
	return i < len(s.stores) && s.stores[i] == store
}

func (s *Selector[S]) loaded(i int, store *core.Store) {
	st, _ := store.State()
	s.set(i, store, s.selectFn(st))
}

// set stores next as the projection of store i and reports the change.
func (s *Selector[S]) set(i int, store *core.Store, next S) {
	s.mu.Lock()
	if s.closed || !s.current(i, store) || s.equal(s.values[i].Store, next) {
		s.mu.Unlock()
		return
	}
	s.values[i].Store = next
	snapshot := append([]Selected[S](nil), s.values...)
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

func (s *Selector[S]) unsubscribeLocked() {
	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	s.unsubscribes = nil
}

func (s *Selector[S]) listener(i int, store *core.Store) core.Listener {
	return func(u core.StoreUpdate) {
		s.set(i, store, s.selectFn(u.NewState))
	}
}

func (s *Selector[S]) reconfigure() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.unsubscribeLocked()
	stores := s.subscribeLocked()
	snapshot := append([]Selected[S](nil), s.values...)
	s.mu.Unlock()

	s.watchLoads(stores)
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}

// Values returns the current projections in provider order.
func (s *Selector[S]) Values() []Selected[S] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Selected[S](nil), s.values...)
}

// Close unsubscribes from every store. It is idempotent and safe to call
// from inside onChange.
func (s *Selector[S]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.unsubscribeLocked()
	if s.removeWatcher != nil {
		s.removeWatcher()
	}
}
