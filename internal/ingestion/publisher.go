package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/tx"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the subset of jetstream.JetStream used for outbound
// messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type outbound struct {
	subject string
	msgID   string
	payload interface{}
}

// OutboundPublisher fans store updates and settled transactions out to
// NATS. Enqueueing never blocks: when the buffer is full the message is
// dropped and counted, since consumers can always read current state from
// the query API.
type OutboundPublisher struct {
	js      Publisher
	queue   chan outbound
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboundPublisher(js Publisher, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan outbound, buffer),
		logger:  logger.With().Str("component", "nats_publisher").Logger(),
		metrics: metrics,
	}
}

// StoreListener returns a core.Listener publishing updates of the store
// with the given id.
func (p *OutboundPublisher) StoreListener(store *core.Store) core.Listener {
	id := store.ID()
	return func(u core.StoreUpdate) {
		msg := NewStoreUpdateMessage(id, u)
		p.enqueue(outbound{
			subject: StoreSubject(u.Key),
			msgID:   fmt.Sprintf("%s-%d", id, u.Sequence),
			payload: msg,
		})
	}
}

// PublishSettlement queues a terminal receipt. It has the shape of a
// tx.Tracker OnSettled hook.
func (p *OutboundPublisher) PublishSettlement(s tx.Settlement) {
	msg, err := NewSettlementMessage(s)
	if err != nil {
		p.logger.Warn().Err(err).Str("tx", s.Hash.Hex()).Msg("settlement not published")
		return
	}
	p.enqueue(outbound{subject: TxSubject(s.Status), msgID: s.Hash.Hex(), payload: msg})
}

func (p *OutboundPublisher) enqueue(m outbound) {
	select {
	case p.queue <- m:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Str("subject", m.subject).Msg("publish queue full, dropping")
	}
}

// Run publishes queued messages until ctx is done, then makes one pass
// over what is still queued. Publish failures are logged and not retried.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case m := <-p.queue:
			p.send(ctx, m)
		}
	}
}

func (p *OutboundPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case m := <-p.queue:
			p.send(ctx, m)
		default:
			return
		}
	}
}

func (p *OutboundPublisher) send(ctx context.Context, m outbound) {
	if err := p.publish(ctx, m); err != nil {
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Err(err).Str("subject", m.subject).Msg("outbound publish failed")
	}
}

func (p *OutboundPublisher) publish(ctx context.Context, m outbound) error {
	data, err := json.Marshal(m.payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = p.js.Publish(ctx, m.subject, data, jetstream.WithMsgID(m.msgID))
	return err
}
