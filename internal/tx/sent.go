package tx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// ReceiptFetcher looks up a mined receipt. It returns ethereum.NotFound
// (or ErrReceiptNotFound) while the transaction is pending.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Decoder turns a successful receipt into operation details.
type Decoder[D any] func(*types.Receipt) (D, error)

// Settlement is the untyped summary of a terminal receipt handed to
// Tracker.OnSettled.
type Settlement struct {
	Op          string
	Hash        common.Hash
	From        common.Address
	Status      Status
	BlockNumber uint64
	GasUsed     uint64
	SentAt      time.Time
	SettledAt   time.Time
	Details     any
	DecodeErr   error
}

// Tracker builds SentTransactions that share a receipt source and a
// settlement hook.
type Tracker struct {
	Fetcher      ReceiptFetcher
	PollInterval time.Duration
	// OnSent runs when a transaction is tracked, with StatusPending.
	OnSent func(Settlement)
	// OnSettled runs once per transaction, when its terminal receipt is
	// first observed.
	OnSettled func(Settlement)
	Logger    zerolog.Logger
}

// SentTransaction is a submitted transaction whose outcome resolves once.
type SentTransaction[D any] struct {
	op      string
	raw     *types.Transaction
	from    common.Address
	sentAt  time.Time
	tracker *Tracker
	decode  Decoder[D]

	mu        sync.Mutex
	settled   bool
	final     Receipt[D]
	decodeErr error
}

// Track wraps a transaction that the node has accepted.
func Track[D any](t *Tracker, op string, raw *types.Transaction, from common.Address, decode Decoder[D]) *SentTransaction[D] {
	s := &SentTransaction[D]{
		op:      op,
		raw:     raw,
		from:    from,
		sentAt:  time.Now(),
		tracker: t,
		decode:  decode,
	}
	if t.OnSent != nil {
		t.OnSent(Settlement{Op: op, Hash: raw.Hash(), From: from, Status: StatusPending, SentAt: s.sentAt})
	}
	return s
}

func (s *SentTransaction[D]) Raw() *types.Transaction { return s.raw }

func (s *SentTransaction[D]) Hash() common.Hash { return s.raw.Hash() }

func (s *SentTransaction[D]) Op() string { return s.op }

// GetReceipt makes a single lookup and returns the current status. Once a
// terminal receipt has been seen it is returned from cache. A non-nil
// error is either a lookup failure (with a Pending receipt) or a
// *DecodeError (with a Succeeded receipt that has no details).
func (s *SentTransaction[D]) GetReceipt(ctx context.Context) (Receipt[D], error) {
	if r, ok, err := s.cached(); ok {
		return r, err
	}
	raw, err := s.tracker.Fetcher.TransactionReceipt(ctx, s.Hash())
	if err != nil {
		if errors.Is(err, ethereum.NotFound) || errors.Is(err, ErrReceiptNotFound) {
			return Pending[D](), nil
		}
		return Pending[D](), err
	}
	if raw == nil {
		return Pending[D](), nil
	}
	return s.settle(raw)
}

// WaitForReceipt polls until the transaction is mined. It never returns a
// Pending receipt with a nil error. Lookup failures are retried; only
// ctx ends the wait early.
func (s *SentTransaction[D]) WaitForReceipt(ctx context.Context) (Receipt[D], error) {
	interval := s.tracker.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := s.GetReceipt(ctx)
		if r.Status.Terminal() {
			return r, err
		}
		if err != nil {
			s.tracker.Logger.Debug().Err(err).Str("tx", s.Hash().Hex()).Msg("receipt lookup failed, retrying")
		}
		select {
		case <-ctx.Done():
			return Pending[D](), ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SentTransaction[D]) cached() (Receipt[D], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, s.settled, s.decodeErr
}

// settle records the first terminal receipt. Later calls, including
// concurrent ones that fetched the same receipt, get the recorded value.
func (s *SentTransaction[D]) settle(raw *types.Receipt) (Receipt[D], error) {
	s.mu.Lock()
	if s.settled {
		defer s.mu.Unlock()
		return s.final, s.decodeErr
	}

	var (
		r         Receipt[D]
		decodeErr error
	)
	if raw.Status != types.ReceiptStatusSuccessful {
		r = Failed[D](raw)
	} else if details, err := s.decode(raw); err != nil {
		r = Receipt[D]{Status: StatusSucceeded, Raw: raw}
		decodeErr = &DecodeError{Op: s.op, Hash: s.Hash(), Err: err}
	} else {
		r = Succeeded(raw, details)
	}
	s.final, s.decodeErr, s.settled = r, decodeErr, true
	s.mu.Unlock()

	if s.tracker.OnSettled != nil {
		st := Settlement{
			Op:        s.op,
			Hash:      s.Hash(),
			From:      s.from,
			Status:    r.Status,
			GasUsed:   raw.GasUsed,
			SentAt:    s.sentAt,
			SettledAt: time.Now(),
			DecodeErr: decodeErr,
		}
		if raw.BlockNumber != nil {
			st.BlockNumber = raw.BlockNumber.Uint64()
		}
		if r.Status == StatusSucceeded && decodeErr == nil {
			st.Details = r.Details
		}
		s.tracker.OnSettled(st)
	}
	return r, decodeErr
}
