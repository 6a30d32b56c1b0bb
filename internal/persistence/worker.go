package persistence

import (
	"context"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/tx"

	"github.com/rs/zerolog"
)

// BatchWriter persists journal rows. JournalWriter implements it.
type BatchWriter interface {
	WriteBatch(ctx context.Context, rows []JournalRow) error
}

// JournalWorker drains journal rows and batch-writes them. Sends into the
// worker block when it falls behind, so no outcome is lost; the tracker
// hooks that feed it run on the caller of GetReceipt, never on a store
// refresh.
type JournalWorker struct {
	writer       BatchWriter
	input        chan JournalRow
	batchSize    int
	flushTimeout time.Duration
	dedup        *core.Deduper
	logger       zerolog.Logger
	metrics      *observability.Metrics
	done         chan struct{}
}

// NewJournalWorker builds a worker. checker may be nil; when set, an
// outcome that the database already holds is not written again.
func NewJournalWorker(
	writer BatchWriter,
	checker core.DurableChecker,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *JournalWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &JournalWorker{
		writer:       writer,
		input:        make(chan JournalRow, batchSize*2),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		dedup:        core.NewDeduper(1024, checker),
		logger:       logger.With().Str("component", "journal").Logger(),
		metrics:      metrics,
		done:         make(chan struct{}),
	}
}

// RecordSent is a tx.Tracker OnSent hook.
func (w *JournalWorker) RecordSent(s tx.Settlement) {
	w.record(s)
}

// RecordSettlement is a tx.Tracker OnSettled hook.
func (w *JournalWorker) RecordSettlement(s tx.Settlement) {
	if w.dedup.CheckAndMark(s.Hash.Hex()) {
		w.logger.Debug().Str("tx", s.Hash.Hex()).Msg("outcome already journaled")
		return
	}
	w.record(s)
}

func (w *JournalWorker) record(s tx.Settlement) {
	row, err := RowFromSettlement(s)
	if err != nil {
		// Keep the outcome without its details.
		w.logger.Warn().Err(err).Str("tx", s.Hash.Hex()).Msg("journal details dropped")
		row.Details = nil
	}
	select {
	case w.input <- row:
	case <-w.done:
		w.logger.Warn().Str("tx", row.Hash).Msg("journal closed, row not written")
	}
}

// Run batches rows and flushes when the batch is full or the flush
// timeout expires. On ctx cancellation it drains what is queued and
// flushes once more with a fresh context.
func (w *JournalWorker) Run(ctx context.Context) error {
	defer close(w.done)
	batch := make([]JournalRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case row := <-w.input:
					batch = append(batch, row)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := w.flush(final, batch)
				cancel()
				if err != nil {
					w.logger.Error().Err(err).Int("rows", len(batch)).Msg("final journal flush failed")
				}
			}
			return ctx.Err()

		case row := <-w.input:
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made with a fresh
// context.
func (w *JournalWorker) flushWithRetry(ctx context.Context, rows []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.JournalRetry.Inc()
			}
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", len(rows)).Msg("journal retry")
			select {
			case <-ctx.Done():
				final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return w.flush(final, rows)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("journal flush succeeded")
			}
			return nil
		}
	}
}

func (w *JournalWorker) flush(ctx context.Context, rows []JournalRow) error {
	if err := w.writer.WriteBatch(ctx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.JournalErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.JournalWritten.Add(float64(len(CompactRows(rows))))
	}
	return nil
}
