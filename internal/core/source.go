package core

import (
	"context"
	"errors"

	"TroveWatch/internal/state"
)

var (
	ErrStoreClosed = errors.New("store closed")
	ErrNotLoaded   = errors.New("store has not loaded yet")
)

// StateSource reads a full snapshot for key. A blockNumber of zero means
// the latest block. Implementations return an error rather than a
// partially filled state.
type StateSource interface {
	Fetch(ctx context.Context, key state.Key, blockNumber uint64) (state.StoreState, error)
}

// StateSourceFunc adapts a function to StateSource.
type StateSourceFunc func(ctx context.Context, key state.Key, blockNumber uint64) (state.StoreState, error)

func (f StateSourceFunc) Fetch(ctx context.Context, key state.Key, blockNumber uint64) (state.StoreState, error) {
	return f(ctx, key, blockNumber)
}
