package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrWalletDisconnected = errors.New("wallet not connected")
	ErrUnknownAccount     = errors.New("wallet does not hold account")
)

// Wallet signs transactions for the accounts it holds.
type Wallet interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Accounts() []common.Address
	SignTransaction(ctx context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyWallet holds a single secp256k1 key in memory.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address

	mu        sync.RWMutex
	connected bool
}

// NewKeyWallet parses a hex private key, with or without 0x.
func NewKeyWallet(hexKey string) (*KeyWallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("wallet: private key required")
	}
	key, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse private key: %w", err)
	}
	return &KeyWallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (w *KeyWallet) Address() common.Address { return w.address }

func (w *KeyWallet) Connect(context.Context) error {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return nil
}

func (w *KeyWallet) Disconnect() error {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()
	return nil
}

func (w *KeyWallet) Accounts() []common.Address {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return nil
	}
	return []common.Address{w.address}
}

func (w *KeyWallet) SignTransaction(_ context.Context, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w.mu.RLock()
	connected := w.connected
	w.mu.RUnlock()
	if !connected {
		return nil, ErrWalletDisconnected
	}
	if from != w.address {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}
