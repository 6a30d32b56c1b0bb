package core

import (
	"container/list"
	"sync"
)

// Deduper answers "have we already handled this key" with an in-memory
// LRU in front of an optional durable lookup. It dedups redelivered
// block notifications and terminal receipts before they are journaled.
type Deduper struct {
	mu      sync.Mutex
	lru     *LRU
	durable DurableChecker

	hits       map[string]int64 // tier -> count
	tier2Error int64
}

// DurableChecker is the cold-path lookup, typically Postgres.
type DurableChecker interface {
	Seen(key string) (bool, error)
}

func NewDeduper(capacity int, durable DurableChecker) *Deduper {
	return &Deduper{
		lru:     NewLRU(capacity),
		durable: durable,
		hits:    make(map[string]int64),
	}
}

// Seen reports whether key was marked before. A durable lookup error is
// treated as not seen so a database outage never blocks delivery.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lru.Contains(key) {
		d.hits["lru"]++
		return true
	}
	if d.durable == nil {
		return false
	}
	seen, err := d.durable.Seen(key)
	if err != nil {
		d.tier2Error++
		return false
	}
	if seen {
		d.hits["durable"]++
		d.lru.Add(key)
	}
	return seen
}

// Mark records key as handled.
func (d *Deduper) Mark(key string) {
	d.mu.Lock()
	d.lru.Add(key)
	d.mu.Unlock()
}

// CheckAndMark marks key and reports whether it had been seen before.
func (d *Deduper) CheckAndMark(key string) bool {
	if d.Seen(key) {
		return true
	}
	d.Mark(key)
	return false
}

// Stats returns hit counts per tier and durable lookup errors.
func (d *Deduper) Stats() (lru, durable, errors int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits["lru"], d.hits["durable"], d.tier2Error
}

// LRU is a fixed-capacity set with least-recently-used eviction.
// Not safe for concurrent use on its own.
type LRU struct {
	capacity int
	cache    map[string]*list.Element
	order    *list.List

	evictions int64
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks membership and promotes the key.
func (l *LRU) Contains(key string) bool {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return true
	}
	return false
}

func (l *LRU) Add(key string) {
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
		l.evictions++
	}
}

// Warm loads keys without promoting existing ones, e.g. recent receipt
// hashes read from Postgres at startup.
func (l *LRU) Warm(keys []string) {
	for _, k := range keys {
		if _, ok := l.cache[k]; !ok {
			l.Add(k)
		}
	}
}

func (l *LRU) Len() int         { return l.order.Len() }
func (l *LRU) Evictions() int64 { return l.evictions }
