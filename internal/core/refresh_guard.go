package core

import "sync"

// RefreshGuard orders overlapping refreshes. Each refresh takes a ticket
// before doing I/O; when it completes, its result is accepted only if no
// refresh with a later ticket, and no snapshot from a later block, has
// been accepted already. Results therefore apply in completion order but
// never move the store backwards.
type RefreshGuard struct {
	mu           sync.Mutex
	issued       uint64
	appliedSeq   uint64
	appliedBlock uint64

	accepted int64
	stale    int64
}

func NewRefreshGuard() *RefreshGuard {
	return &RefreshGuard{}
}

// Begin issues the next ticket. Tickets start at 1.
func (g *RefreshGuard) Begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return g.issued
}

// Accept reports whether a refresh holding ticket seq that read
// blockNumber may be applied, and records it if so.
func (g *RefreshGuard) Accept(seq, blockNumber uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq <= g.appliedSeq || blockNumber < g.appliedBlock {
		g.stale++
		return false
	}
	g.appliedSeq = seq
	g.appliedBlock = blockNumber
	g.accepted++
	return true
}

// Restore seeds the guard from a persisted snapshot so refreshes of older
// blocks are rejected after a restart.
func (g *RefreshGuard) Restore(blockNumber uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if blockNumber > g.appliedBlock {
		g.appliedBlock = blockNumber
	}
}

// Applied returns the last accepted ticket and block number.
func (g *RefreshGuard) Applied() (seq, blockNumber uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.appliedSeq, g.appliedBlock
}

// Stats returns accepted and stale counts.
func (g *RefreshGuard) Stats() (accepted, stale int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted, g.stale
}
