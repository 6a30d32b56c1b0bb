package core

import (
	"sort"
	"sync"

	"TroveWatch/internal/observability"
	"TroveWatch/internal/state"

	"github.com/rs/zerolog"
)

// Provider holds the ordered set of stores a consumer can select from,
// one per (version, collateral). The whole set is replaced on
// reconfiguration; individual stores are never swapped in place.
type Provider struct {
	mu     sync.RWMutex
	stores []*Store
	byKey  map[state.Key]*Store
	closed bool

	watchers Registry[func()]
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewProvider(logger zerolog.Logger, metrics *observability.Metrics, stores ...*Store) *Provider {
	p := &Provider{logger: logger, metrics: metrics}
	p.install(stores)
	return p
}

func (p *Provider) install(stores []*Store) {
	sorted := append([]*Store(nil), stores...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Key().Less(sorted[j].Key())
	})
	byKey := make(map[state.Key]*Store, len(sorted))
	for _, s := range sorted {
		byKey[s.Key()] = s
	}
	p.stores = sorted
	p.byKey = byKey
}

// Stores returns the current stores ordered by key.
func (p *Provider) Stores() []*Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Store(nil), p.stores...)
}

func (p *Provider) Lookup(key state.Key) (*Store, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byKey[key]
	return s, ok
}

// Configure replaces every store. The old stores are closed, which
// detaches their listeners, and then reconfiguration watchers run so
// they can subscribe to the new set.
func (p *Provider) Configure(stores ...*Store) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, s := range stores {
			s.Close()
		}
		return
	}
	old := p.stores
	p.install(stores)
	p.mu.Unlock()

	for _, s := range old {
		s.Close()
	}
	if p.metrics != nil {
		p.metrics.ProviderReconfigured.Inc()
	}
	p.logger.Info().Int("stores", len(stores)).Msg("provider reconfigured")
	p.watchers.Each(func(fn func()) { fn() })
}

// OnReconfigure registers fn to run after every Configure.
func (p *Provider) OnReconfigure(fn func()) (remove func()) {
	return p.watchers.Add(fn)
}

// Close closes every store and drops reconfiguration watchers.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stores := p.stores
	p.stores = nil
	p.byKey = map[state.Key]*Store{}
	p.mu.Unlock()

	p.watchers.Clear()
	for _, s := range stores {
		s.Close()
	}
}
