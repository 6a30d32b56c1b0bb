package ingestion

import (
	"context"
	"fmt"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// HeadSink receives block numbers. chain.HeadFeed implements it.
type HeadSink interface {
	Publish(number uint64, source string)
}

const (
	HeadsSubject  = "chain.heads.>"
	HeadsStream   = "CHAIN_HEADS"
	StoreStream   = "TROVE_STORE"
	TxStream      = "TROVE_TX"
	headsConsumer = "trovewatch-heads"
)

// HeadSubscriber consumes block notifications published by an external
// head producer. Redeliveries are recognised by block hash and dropped.
type HeadSubscriber struct {
	js       jetstream.JetStream
	sink     HeadSink
	dedup    *core.Deduper
	logger   zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewHeadSubscriber(js jetstream.JetStream, sink HeadSink, logger zerolog.Logger, metrics *observability.Metrics) *HeadSubscriber {
	return &HeadSubscriber{
		js:      js,
		sink:    sink,
		dedup:   core.NewDeduper(4096, nil),
		logger:  logger.With().Str("component", "head_subscriber").Logger(),
		metrics: metrics,
	}
}

// Subscribe creates the durable consumer and starts delivery. Heads older
// than one minute are not replayed on start.
func (s *HeadSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, HeadsStream, jetstream.ConsumerConfig{
		Durable:       headsConsumer,
		FilterSubject: HeadsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverByStartTimePolicy,
		OptStartTime:  ptr(time.Now().Add(-time.Minute)),
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", headsConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.Handle(msg.Data())
		// Malformed heads are acked too; redelivery would not fix them.
		if err := msg.Ack(); err != nil {
			s.logger.Debug().Err(err).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", headsConsumer, err)
	}
	s.consumer = cc
	s.logger.Info().Str("subject", HeadsSubject).Str("consumer", headsConsumer).Msg("subscribed")
	return nil
}

// Handle parses one head message and forwards it unless it is a
// redelivery. It reports whether the head was forwarded.
func (s *HeadSubscriber) Handle(data []byte) bool {
	h, err := ParseHead(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed head")
		return false
	}
	if s.dedup.CheckAndMark(h.Hash.Hex()) {
		if s.metrics != nil {
			s.metrics.HeadsDeduplicated.Inc()
		}
		return false
	}
	s.sink.Publish(h.Number, "nats")
	return true
}

func (s *HeadSubscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("head subscriber stopped")
}

func ptr[T any](v T) *T { return &v }

// EnsureStreams creates the JetStream streams TroveWatch reads and writes.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      StoreStream,
			Subjects:  []string{"trove.store.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      TxStream,
			Subjects:  []string{"trove.tx.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      HeadsStream,
			Subjects:  []string{HeadsSubject},
			Storage:   jetstream.MemoryStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("trovewatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
