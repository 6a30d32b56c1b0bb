package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// gasMarginPercent is added on top of the node's gas estimate.
const gasMarginPercent = 20

// Sender fills in nonce, gas and price, signs with the wallet and
// broadcasts. Nonces are tracked locally so several transactions can be
// in flight from one account.
type Sender struct {
	client  Client
	wallet  Wallet
	from    common.Address
	chainID *big.Int
	logger  zerolog.Logger

	mu        sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// NewSender resolves the chain ID once. from must be one of the wallet's
// accounts.
func NewSender(ctx context.Context, client Client, wallet Wallet, from common.Address, logger zerolog.Logger) (*Sender, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	return &Sender{
		client:  client,
		wallet:  wallet,
		from:    from,
		chainID: chainID,
		logger:  logger.With().Str("component", "sender").Logger(),
	}, nil
}

func (s *Sender) From() common.Address { return s.from }

func (s *Sender) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

// Send submits call. Any failure before the node accepts the transaction
// is returned as a *tx.SubmissionError.
func (s *Sender) Send(ctx context.Context, op string, call Call) (*types.Transaction, error) {
	signed, err := s.send(ctx, call)
	if err != nil {
		return nil, &tx.SubmissionError{Op: op, Err: err}
	}
	s.logger.Info().
		Str("op", op).
		Str("tx", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).
		Uint64("gas", signed.Gas()).
		Msg("transaction sent")
	return signed, nil
}

func (s *Sender) send(ctx context.Context, call Call) (*types.Transaction, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Value: value, Data: call.Data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * gasMarginPercent / 100

	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	if s.haveNonce && s.nextNonce > nonce {
		nonce = s.nextNonce
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     call.Data,
	})
	signed, err := s.wallet.SignTransaction(ctx, s.from, unsigned, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		// The node may have seen a nonce we did not; re-read it next time.
		s.haveNonce = false
		return nil, fmt.Errorf("send: %w", err)
	}
	s.nextNonce, s.haveNonce = nonce+1, true
	return signed, nil
}
