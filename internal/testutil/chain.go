package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// FakeChain is an in-memory chain.Client. Contract calls are answered by
// registered handlers keyed on address and method selector; sent
// transactions are recorded and mined on demand.
type FakeChain struct {
	mu       sync.Mutex
	handlers map[common.Address]map[[4]byte]callHandler
	head     uint64
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
	gasErr   error
	calls    int
	noPush   bool
	headFeed event.Feed
	ChainIDV *big.Int
	GasPrice *big.Int
	GasLimit uint64
	OnSend   func(tx *types.Transaction) *types.Receipt
}

type callHandler struct {
	method abi.Method
	fn     func(args []interface{}) ([]interface{}, error)
}

func NewFakeChain(head uint64) *FakeChain {
	return &FakeChain{
		handlers: make(map[common.Address]map[[4]byte]callHandler),
		head:     head,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		ChainIDV: big.NewInt(31337),
		GasPrice: big.NewInt(1_000_000_000),
		GasLimit: 100_000,
	}
}

// Handle answers method on to with fixed outputs.
func (c *FakeChain) Handle(to common.Address, def abi.ABI, method string, outputs ...interface{}) {
	c.HandleFunc(to, def, method, func([]interface{}) ([]interface{}, error) { return outputs, nil })
}

// HandleFunc answers method on to by calling fn with the unpacked inputs.
func (c *FakeChain) HandleFunc(to common.Address, def abi.ABI, method string, fn func(args []interface{}) ([]interface{}, error)) {
	m, ok := def.Methods[method]
	if !ok {
		panic("testutil: method not in ABI: " + method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[to] == nil {
		c.handlers[to] = make(map[[4]byte]callHandler)
	}
	var sel [4]byte
	copy(sel[:], m.ID)
	c.handlers[to][sel] = callHandler{method: m, fn: fn}
}

func (c *FakeChain) SetHead(n uint64) {
	c.mu.Lock()
	c.head = n
	c.mu.Unlock()
	c.headFeed.Send(&types.Header{Number: new(big.Int).SetUint64(n), Time: 1_700_000_000 + n*12})
}

// DisablePush makes SubscribeNewHead fail, as over plain HTTP.
func (c *FakeChain) DisablePush() {
	c.mu.Lock()
	c.noPush = true
	c.mu.Unlock()
}

func (c *FakeChain) SetBalance(a common.Address, wei *big.Int) {
	c.mu.Lock()
	c.balances[a] = wei
	c.mu.Unlock()
}

func (c *FakeChain) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *FakeChain) SetEstimateError(err error) {
	c.mu.Lock()
	c.gasErr = err
	c.mu.Unlock()
}

// Sent returns every accepted transaction in order.
func (c *FakeChain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

// Calls is the number of CallContract invocations so far.
func (c *FakeChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Mine makes r the receipt of hash.
func (c *FakeChain) Mine(hash common.Hash, r *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.TxHash = hash
	if r.BlockNumber == nil {
		r.BlockNumber = new(big.Int).SetUint64(c.head + 1)
	}
	c.receipts[hash] = r
}

func (c *FakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	var h callHandler
	var ok bool
	if call.To != nil && len(call.Data) >= 4 {
		var sel [4]byte
		copy(sel[:], call.Data[:4])
		h, ok = c.handlers[*call.To][sel]
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("testutil: no handler for call to %v", call.To)
	}
	args, err := h.method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	out, err := h.fn(args)
	if err != nil {
		return nil, err
	}
	return h.method.Outputs.Pack(out...)
}

func (c *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, tx)
	signer := types.LatestSignerForChainID(c.ChainIDV)
	if from, err := types.Sender(signer, tx); err == nil {
		c.nonces[from] = tx.Nonce() + 1
	}
	onSend := c.OnSend
	c.mu.Unlock()
	if onSend != nil {
		if r := onSend(tx); r != nil {
			c.Mine(tx.Hash(), r)
		}
	}
	return nil
}

func (c *FakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *FakeChain) SubscribeNewHead(_ context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	c.mu.Lock()
	noPush := c.noPush
	c.mu.Unlock()
	if noPush {
		return nil, errors.New("notifications not supported")
	}
	return c.headFeed.Subscribe(ch), nil
}

func (c *FakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: 1_700_000_000 + n*12}, nil
}

func (c *FakeChain) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[a], nil
}

func (c *FakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.GasPrice), nil
}

func (c *FakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gasErr != nil {
		return 0, c.gasErr
	}
	return c.GasLimit, nil
}

func (c *FakeChain) BalanceAt(_ context.Context, a common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.balances[a]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *FakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.ChainIDV), nil
}

// EventLog builds a log for the named event. indexed values become topics
// in declaration order; the rest are packed into data.
func EventLog(emitter common.Address, def abi.ABI, name string, values ...interface{}) *types.Log {
	ev, ok := def.Events[name]
	if !ok {
		panic("testutil: event not in ABI: " + name)
	}
	if len(values) != len(ev.Inputs) {
		panic(fmt.Sprintf("testutil: %s takes %d values, got %d", name, len(ev.Inputs), len(values)))
	}
	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, arg := range ev.Inputs {
		if !arg.Indexed {
			data = append(data, values[i])
			continue
		}
		switch v := values[i].(type) {
		case common.Address:
			topics = append(topics, common.BytesToHash(v.Bytes()))
		case *big.Int:
			topics = append(topics, common.BigToHash(v))
		default:
			panic(fmt.Sprintf("testutil: unsupported indexed %T", v))
		}
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(err)
	}
	return &types.Log{Address: emitter, Topics: topics, Data: packed}
}

// SuccessReceipt is a successful receipt carrying logs.
func SuccessReceipt(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21_000, Logs: logs}
}

// FailedReceipt is a reverted receipt.
func FailedReceipt() *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusFailed, GasUsed: 21_000}
}

// Wei converts a decimal string like "1.5" to 18-decimal wei.
func Wei(s string) *big.Int {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		panic("testutil: bad number " + s)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	if !r.IsInt() {
		panic("testutil: too many decimals in " + s)
	}
	return new(big.Int).Set(r.Num())
}
