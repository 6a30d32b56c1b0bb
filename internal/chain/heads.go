package chain

import (
	"context"
	"sync"
	"time"

	"TroveWatch/internal/observability"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// HeadFeed turns new block headers into block numbers and fans them out
// to every subscriber. It prefers a push subscription and polls when the
// endpoint cannot push, trying to resubscribe every ResubscribeEvery.
type HeadFeed struct {
	client           Client
	PollInterval     time.Duration
	ResubscribeEvery time.Duration
	logger           zerolog.Logger
	metrics          *observability.Metrics

	mu   sync.Mutex
	subs map[int]chan uint64
	next int
	last uint64
}

func NewHeadFeed(client Client, logger zerolog.Logger, metrics *observability.Metrics) *HeadFeed {
	return &HeadFeed{
		client:           client,
		PollInterval:     4 * time.Second,
		ResubscribeEvery: 30 * time.Second,
		logger:           logger.With().Str("component", "head_feed").Logger(),
		metrics:          metrics,
		subs:             make(map[int]chan uint64),
	}
}

// Subscribe returns a channel of block numbers. A slow reader only ever
// misses intermediate heads; the latest is always delivered.
func (f *HeadFeed) Subscribe() (<-chan uint64, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan uint64, 1)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
}

// Publish delivers n to subscribers if it is newer than the last head.
// Other head sources (NATS) feed the same subscribers through it.
func (f *HeadFeed) Publish(n uint64, source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= f.last {
		return
	}
	f.last = n
	if f.metrics != nil {
		f.metrics.HeadsReceived.WithLabelValues(source).Inc()
	}
	for _, ch := range f.subs {
		select {
		case ch <- n:
		default:
			// Replace the unread head with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- n
		}
	}
}

// Run feeds heads until ctx is done, then closes every subscriber.
func (f *HeadFeed) Run(ctx context.Context) {
	defer f.closeAll()
	for ctx.Err() == nil {
		if err := f.subscribe(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("head subscription unavailable, polling")
		}
		f.poll(ctx, f.ResubscribeEvery)
	}
}

func (f *HeadFeed) subscribe(ctx context.Context) error {
	headers := make(chan *types.Header, 16)
	sub, err := f.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	f.logger.Info().Msg("subscribed to new heads")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case h := <-headers:
			if h != nil && h.Number != nil {
				f.Publish(h.Number.Uint64(), "rpc")
			}
		}
	}
}

// poll reads the latest header every PollInterval for d.
func (f *HeadFeed) poll(ctx context.Context, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(f.PollInterval)
	defer ticker.Stop()
	for {
		h, err := f.client.HeaderByNumber(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Debug().Err(err).Msg("head poll failed")
		} else {
			f.Publish(h.Number.Uint64(), "poll")
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func (f *HeadFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
