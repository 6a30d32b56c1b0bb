package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/ingestion"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/projection"
	"TroveWatch/internal/query"
	"TroveWatch/internal/server"
	"TroveWatch/internal/state"
	"TroveWatch/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type heads struct {
	mu     sync.Mutex
	blocks []uint64
}

func (h *heads) Publish(n uint64, _ string) {
	h.mu.Lock()
	h.blocks = append(h.blocks, n)
	h.mu.Unlock()
}

type fixture struct {
	srv    *server.GRPCServer
	client *server.Client
	store  *core.Store
	src    *testutil.FakeSource
	heads  *heads
}

func newFixture(t *testing.T, adminToken, clientToken string) *fixture {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	src := testutil.NewFakeSource(testutil.WithTrove(testutil.BaseState("2000", 7), "10", "2000"))
	store := core.NewStore(core.StoreConfig{
		Key:     testutil.TestKey,
		Params:  state.DefaultParams("ETH"),
		Source:  src,
		Logger:  zerolog.Nop(),
		Metrics: m,
	})
	provider := core.NewProvider(zerolog.Nop(), m, store)
	t.Cleanup(provider.Close)

	qs := query.NewQueryService(provider, projection.NewPriceHistory(16), nil, m)
	h := &heads{}
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Store:      server.NewStoreServer(qs, provider, zerolog.Nop()),
		Admin:      server.NewAdminServer(ingestion.NewAdminIngestService(h, provider), nil, nil, zerolog.Nop()),
		AdminToken: adminToken,
		Logger:     zerolog.Nop(),
	})

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := server.Dial("passthrough:///bufnet", clientToken,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return &fixture{srv: srv, client: client, store: store, src: src, heads: h}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, status.Code(err), "error: %v", err)
}

// ============================================================================
// StoreService
// ============================================================================

func TestStoreService_GetState(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	_, err := f.client.GetState(ctx, "v1", "ETH")
	requireCode(t, err, codes.Unavailable)

	_, err = f.client.GetState(ctx, "v9", "ETH")
	requireCode(t, err, codes.NotFound)

	_, err = f.client.GetState(ctx, "", "ETH")
	requireCode(t, err, codes.InvalidArgument)

	require.NoError(t, f.store.Refresh(ctx, 0))
	resp, err := f.client.GetState(ctx, "v1", "ETH")
	require.NoError(t, err)
	require.Equal(t, "live", resp.Source)
	require.Equal(t, uint64(7), resp.BlockNumber)
	require.True(t, resp.State.Price.Eq(fpmath.DecimalFromInt(2000)), "price %s", resp.State.Price)
}

func TestStoreService_ListStoresAndTrove(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()
	require.NoError(t, f.store.Refresh(ctx, 0))

	stores, err := f.client.ListStores(ctx)
	require.NoError(t, err)
	require.Len(t, stores, 1)
	require.Equal(t, testutil.TestKey, stores[0].Key)
	require.True(t, stores[0].Loaded)

	tr, err := f.client.GetTrove(ctx, "v1", "ETH")
	require.NoError(t, err)
	require.Equal(t, state.TroveStatusOpen, tr.Status)
	require.True(t, tr.LiquidationPrice.Eq(fpmath.DecimalFromInt(220)), "liquidation price %s", tr.LiquidationPrice)
}

func TestStoreService_TransactionsNeedDatabase(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	_, err := f.client.ListTransactions(ctx, "not-an-address", 10)
	requireCode(t, err, codes.InvalidArgument)

	_, err = f.client.ListTransactions(ctx, testutil.TestAccount.Hex(), 10)
	requireCode(t, err, codes.Unimplemented)
}

func TestStoreService_WatchStreamsChanges(t *testing.T) {
	f := newFixture(t, "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.store.Refresh(ctx, 0))

	events := make(chan *server.WatchEvent, 8)
	errc := make(chan error, 1)
	go func() {
		errc <- f.client.Watch(ctx, "ETH", func(ev *server.WatchEvent) error {
			events <- ev
			return nil
		})
	}()

	first := <-events
	require.Len(t, first.Stores, 1)
	require.Equal(t, uint64(7), first.Stores[0].Store.BlockNumber)

	f.src.Update(func(st *state.StoreState) { st.Price = fpmath.DecimalFromInt(2100) })
	require.NoError(t, f.store.Refresh(ctx, 8))

	select {
	case ev := <-events:
		require.Equal(t, uint64(8), ev.Stores[0].Store.BlockNumber)
		require.True(t, ev.Stores[0].Store.Price.Eq(fpmath.DecimalFromInt(2100)))
	case <-ctx.Done():
		t.Fatal("no event after refresh")
	}

	cancel()
	err := <-errc
	require.True(t, err == nil || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled), "watch: %v", err)
}

func TestStoreService_WatchFiltersCollateral(t *testing.T) {
	f := newFixture(t, "", "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan int, 1)
	go func() {
		_ = f.client.Watch(ctx, "BTC", func(ev *server.WatchEvent) error {
			got <- len(ev.Stores)
			return errors.New("stop")
		})
	}()
	select {
	case n := <-got:
		require.Equal(t, 0, n)
	case <-ctx.Done():
		t.Fatal("no initial event")
	}
}

// ============================================================================
// AdminService
// ============================================================================

func TestAdminService_InjectHead(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	require.NoError(t, f.client.InjectHead(ctx, 42))
	requireCode(t, f.client.InjectHead(ctx, 0), codes.InvalidArgument)

	f.heads.mu.Lock()
	defer f.heads.mu.Unlock()
	require.Equal(t, []uint64{42}, f.heads.blocks)
}

func TestAdminService_RefreshAndDisabledFeatures(t *testing.T) {
	f := newFixture(t, "", "")
	ctx := context.Background()

	require.NoError(t, f.client.RefreshStore(ctx, "v1", "ETH", 9))
	st, ok := f.store.State()
	require.True(t, ok)
	require.Equal(t, uint64(9), st.BlockNumber)

	requireCode(t, f.client.RefreshStore(ctx, "v9", "ETH", 0), codes.FailedPrecondition)
	requireCode(t, f.client.RebuildProjections(ctx), codes.Unimplemented)
	requireCode(t, f.client.TakeSnapshot(ctx), codes.Unimplemented)
}

func TestAdminService_Token(t *testing.T) {
	ctx := context.Background()

	denied := newFixture(t, "secret", "")
	requireCode(t, denied.client.InjectHead(ctx, 1), codes.PermissionDenied)
	_, err := denied.client.ListStores(ctx)
	require.NoError(t, err, "store service is not guarded")

	allowed := newFixture(t, "secret", "secret")
	require.NoError(t, allowed.client.InjectHead(ctx, 1))
}

// ============================================================================
// HTTP
// ============================================================================

func TestHTTPRoutes(t *testing.T) {
	f := newFixture(t, "", "")
	require.NoError(t, f.store.Refresh(context.Background(), 0))

	handler, err := f.srv.HTTPHandler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	get := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := get("/v1/stores/v1/ETH")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "live", body["source"])

	resp, body = get("/v1/stores/v1/ETH/trove")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "open", body["status"])

	resp, body = get("/v1/stores/v9/ETH")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["code"])

	resp, body = get("/v1/accounts/" + testutil.TestAccount.Hex() + "/transactions")
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	require.Equal(t, "unimplemented", body["code"])

	resp, body = get("/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}
