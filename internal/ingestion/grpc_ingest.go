package ingestion

import (
	"context"
	"fmt"

	"TroveWatch/internal/core"
	"TroveWatch/internal/state"
)

// AdminIngestService lets an operator push a head or force a refresh by
// hand, e.g. after an RPC outage. It is exposed over gRPC next to the
// query API and is not a high-throughput path.
type AdminIngestService struct {
	heads    HeadSink
	provider *core.Provider
}

func NewAdminIngestService(heads HeadSink, provider *core.Provider) *AdminIngestService {
	return &AdminIngestService{heads: heads, provider: provider}
}

// InjectHead feeds a block number to every store as if the chain had
// announced it.
func (s *AdminIngestService) InjectHead(_ context.Context, number uint64) error {
	if number == 0 {
		return fmt.Errorf("block number must be positive")
	}
	s.heads.Publish(number, "admin")
	return nil
}

// RefreshStore refreshes one store at blockNumber (zero for latest) and
// waits for the result.
func (s *AdminIngestService) RefreshStore(ctx context.Context, key state.Key, blockNumber uint64) error {
	store, ok := s.provider.Lookup(key)
	if !ok {
		return fmt.Errorf("unknown store %s", key)
	}
	return store.Refresh(ctx, blockNumber)
}
