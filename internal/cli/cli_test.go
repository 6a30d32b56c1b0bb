package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"TroveWatch/internal/chain"
	"TroveWatch/internal/cli"
	"TroveWatch/internal/core"
	"TroveWatch/internal/state"
	"TroveWatch/internal/testutil"
	"TroveWatch/internal/transact"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const walletKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type harness struct {
	chain  *testutil.FakeChain
	source *testutil.FakeSource
	d      chain.Deployment
	signer bool
	from   common.Address
}

func newHarness(st state.StoreState) *harness {
	return &harness{
		chain:  testutil.NewFakeChain(100),
		source: testutil.NewFakeSource(st),
		d:      testutil.TestDeployment(),
		signer: true,
	}
}

func (h *harness) connect(ctx context.Context, opts *cli.RootOptions) (*cli.Session, error) {
	store := core.NewStore(core.StoreConfig{
		Key:    testutil.TestKey,
		Params: state.DefaultParams("ETH"),
		Source: h.source,
		Logger: zerolog.Nop(),
	})
	s := &cli.Session{Key: testutil.TestKey, Account: testutil.TestAccount, Store: store}
	s.OnClose(store.Close)
	if !h.signer {
		return s, nil
	}

	w, err := chain.NewKeyWallet(walletKey)
	if err != nil {
		return nil, err
	}
	if err := w.Connect(ctx); err != nil {
		return nil, err
	}
	sender, err := chain.NewSender(ctx, h.chain, w, w.Address(), zerolog.Nop())
	if err != nil {
		return nil, err
	}
	h.from = w.Address()
	s.Facade = transact.New(transact.Config{
		Deployment: h.d,
		Store:      store,
		Sender:     sender,
		Tracker:    &tx.Tracker{Fetcher: h.chain, PollInterval: 2 * time.Millisecond, Logger: zerolog.Nop()},
		Logger:     zerolog.Nop(),
	})
	return s, nil
}

func run(t *testing.T, h *harness, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCommand(h.connect)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--timeout", "2s"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// ============================================================================
// Command tree
// ============================================================================

func TestRootCommand_Commands(t *testing.T) {
	cmd := cli.NewRootCommand(newHarness(testutil.BaseState("2000", 100)).connect)

	want := []string{
		"state", "open-trove", "adjust-trove", "close-trove", "deposit", "withdraw",
		"claim-gains", "bamm", "redeem", "liquidate", "claim-surplus", "approve", "send", "remote",
	}
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, n := range want {
		require.True(t, names[n], "missing command %q", n)
	}

	for _, f := range []string{"config", "format", "store", "wait", "timeout", "verbose", "server", "admin-token"} {
		require.NotNil(t, cmd.PersistentFlags().Lookup(f), "missing flag --%s", f)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := run(t, newHarness(testutil.BaseState("2000", 100)), "state", "--format", "yaml")
	require.Error(t, err)
	require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

// ============================================================================
// state
// ============================================================================

func TestState_Text(t *testing.T) {
	h := newHarness(testutil.WithTrove(testutil.BaseState("2000", 100), "10", "2000"))
	out, err := run(t, h, "state")
	require.NoError(t, err)
	require.Contains(t, out, "v1/ETH at block 100")
	require.Contains(t, out, "(open)")
	require.Contains(t, out, "health:")
}

func TestState_JSON(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	out, err := run(t, h, "state", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   state.StoreState `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, uint64(100), resp.Data.BlockNumber)
	require.Equal(t, "2000", resp.Data.Price.String())
}

func TestState_RefreshError(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	h.source.SetError(errors.New("rpc down"))
	_, err := run(t, h, "state")
	require.Error(t, err)
	require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

// ============================================================================
// Transactions
// ============================================================================

func TestSend_Succeeds(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	h.chain.OnSend = func(*types.Transaction) *types.Receipt {
		return testutil.SuccessReceipt(
			testutil.EventLog(h.d.Addresses.Stablecoin, chain.ERC20ABI, "Transfer", h.from, to, testutil.Wei("5")),
		)
	}

	out, err := run(t, h, "send", to.Hex(), "5", "--format", "json")
	require.NoError(t, err)
	require.Len(t, h.chain.Sent(), 1)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Op      string                   `json:"op"`
			Status  string                   `json:"status"`
			Details transact.TransferDetails `json:"details"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	require.Equal(t, "sendStablecoin", resp.Data.Op)
	require.Equal(t, "succeeded", resp.Data.Status)
	require.Equal(t, to, resp.Data.Details.To)
	require.Equal(t, "5", resp.Data.Details.Amount.String())
}

func TestSend_ValidationSendsNothing(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")

	out, err := run(t, h, "send", to.Hex(), "20000", "--format", "json")
	require.Error(t, err)
	require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
	require.Empty(t, h.chain.Sent())
	require.Contains(t, out, `"code": "validation"`)

	var v *tx.ValidationError
	require.ErrorAs(t, err, &v)
	require.Equal(t, "amount", v.Field)
}

func TestTx_RevertedExitsWithFailure(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	h.chain.OnSend = func(*types.Transaction) *types.Receipt { return testutil.FailedReceipt() }

	out, err := run(t, h, "deposit", "100")
	require.Error(t, err)
	require.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
	require.Contains(t, out, "failed")
}

func TestTx_NoWaitPrintsPending(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	out, err := run(t, h, "deposit", "100", "--wait=false")
	require.NoError(t, err)
	require.Len(t, h.chain.Sent(), 1)
	require.Contains(t, out, "sent")
}

func TestTx_NoSigner(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	h.signer = false
	_, err := run(t, h, "close-trove")
	require.ErrorIs(t, err, cli.ErrNoSigner)
	require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}

func TestTx_ArgumentErrors(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	tests := []struct {
		name string
		args []string
	}{
		{"bad amount", []string{"deposit", "lots"}},
		{"bad address", []string{"send", "0xnope", "1"}},
		{"liquidate both", []string{"liquidate", "0x2222222222222222222222222222222222222222", "--up-to", "3"}},
		{"bad count", []string{"liquidate", "--up-to=many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, h, tt.args...)
			require.Error(t, err)
			require.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
		})
	}
	require.Empty(t, h.chain.Sent())
}

func TestOpenTrove_RequiresFlags(t *testing.T) {
	h := newHarness(testutil.BaseState("2000", 100))
	_, err := run(t, h, "open-trove", "--deposit", "10")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "borrow"), err.Error())
}
