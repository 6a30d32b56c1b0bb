package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"TroveWatch/internal/core"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/state"
	"TroveWatch/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func newStore(t *testing.T, src core.StateSource) *core.Store {
	t.Helper()
	s := core.NewStore(core.StoreConfig{
		Key:      testutil.TestKey,
		Params:   state.DefaultParams("ETH"),
		Source:   src,
		Debounce: 20 * time.Millisecond,
		Logger:   zerolog.Nop(),
		Metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	})
	t.Cleanup(s.Close)
	return s
}

func mustLoad(t *testing.T, s *core.Store) {
	t.Helper()
	if err := s.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}
	if _, ok := s.State(); !ok {
		t.Fatal("store should be loaded after first refresh")
	}
}

// recorder collects updates delivered to a listener.
type recorder struct {
	mu      sync.Mutex
	updates []core.StoreUpdate
}

func (r *recorder) listen(u core.StoreUpdate) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

// ============================================================================
// Test: staleness guard
// ============================================================================

type gatedResult struct {
	st  state.StoreState
	err error
}

// gatedSource blocks every Fetch until the test releases it.
type gatedSource struct {
	mu      sync.Mutex
	gates   []chan gatedResult
	started chan struct{}
}

func newGatedSource() *gatedSource {
	return &gatedSource{started: make(chan struct{}, 16)}
}

func (g *gatedSource) Fetch(ctx context.Context, key state.Key, block uint64) (state.StoreState, error) {
	gate := make(chan gatedResult, 1)
	g.mu.Lock()
	g.gates = append(g.gates, gate)
	g.mu.Unlock()
	g.started <- struct{}{}
	r := <-gate
	return r.st, r.err
}

func (g *gatedSource) release(i int, st state.StoreState) {
	g.mu.Lock()
	gate := g.gates[i]
	g.mu.Unlock()
	gate <- gatedResult{st: st}
}

func TestStore_StaleRefreshDiscarded(t *testing.T) {
	src := newGatedSource()
	s := newStore(t, src)

	done := make(chan error, 3)
	go func() { done <- s.Refresh(context.Background(), 0) }()
	<-src.started
	src.release(0, testutil.BaseState("2000", 10))
	if err := <-done; err != nil {
		t.Fatalf("load: %v", err)
	}

	var rec recorder
	s.Subscribe(rec.listen)

	// R1 starts first.
	go func() { done <- s.Refresh(context.Background(), 0) }()
	<-src.started
	// R2 starts second.
	go func() { done <- s.Refresh(context.Background(), 0) }()
	<-src.started

	// R2 finishes first, R1 second.
	src.release(2, testutil.BaseState("2200", 11))
	if err := <-done; err != nil {
		t.Fatalf("R2: %v", err)
	}
	src.release(1, testutil.BaseState("2100", 11))
	if err := <-done; err != nil {
		t.Fatalf("R1: %v", err)
	}

	st, _ := s.State()
	if st.Price != fpmath.DecimalFromInt(2200) {
		t.Errorf("price: got %s, want 2200 (R2)", st.Price)
	}
	if rec.count() != 1 {
		t.Errorf("notifications: got %d, want 1", rec.count())
	}
}

func TestStore_OlderBlockDiscarded(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 0))
	s := newStore(t, src)

	if err := s.Refresh(context.Background(), 20); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	src.Update(func(st *state.StoreState) { st.Price = fpmath.DecimalFromInt(1) })
	if err := s.Refresh(context.Background(), 19); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	st, _ := s.State()
	if st.BlockNumber != 20 || st.Price != fpmath.DecimalFromInt(2000) {
		t.Errorf("got block %d price %s, want block 20 price 2000", st.BlockNumber, st.Price)
	}
}

// ============================================================================
// Test: notifications
// ============================================================================

func TestStore_NotifiesOnlyOnChange(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)
	mustLoad(t, s)

	var rec recorder
	s.Subscribe(rec.listen)

	if err := s.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("noop refresh: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("noop refresh notified %d times", rec.count())
	}

	src.Update(func(st *state.StoreState) { st.NumberOfTroves = 11 })
	if err := s.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("notifications: got %d, want 1", rec.count())
	}
	u := rec.updates[0]
	if u.OldState.NumberOfTroves != 10 || u.NewState.NumberOfTroves != 11 {
		t.Errorf("old/new: got %d/%d, want 10/11", u.OldState.NumberOfTroves, u.NewState.NumberOfTroves)
	}
	if fields := u.StateChange.Fields(); len(fields) != 1 || fields[0] != "number_of_troves" {
		t.Errorf("state change: got %v, want [number_of_troves]", fields)
	}
	if u.StateHash == ([32]byte{}) {
		t.Error("update should carry a state hash")
	}
}

func TestStore_SubscribeThenUnsubscribeGetsNothing(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)
	mustLoad(t, s)

	var rec recorder
	unsubscribe := s.Subscribe(rec.listen)
	unsubscribe()
	unsubscribe()

	src.Update(func(st *state.StoreState) { st.Price = fpmath.DecimalFromInt(2500) })
	if err := s.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("notifications: got %d, want 0", rec.count())
	}
}

func TestStore_SubscriptionOrderAndRemovalDuringDelivery(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)
	mustLoad(t, s)

	var order []string
	var unsubscribeC func()
	s.Subscribe(func(core.StoreUpdate) {
		order = append(order, "a")
		unsubscribeC()
	})
	s.Subscribe(func(core.StoreUpdate) { order = append(order, "b") })
	unsubscribeC = s.Subscribe(func(core.StoreUpdate) { order = append(order, "c") })

	src.Update(func(st *state.StoreState) { st.Price = fpmath.DecimalFromInt(2100) })
	if err := s.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order: got %v, want [a b]", order)
	}
}

func TestStore_FailedRefreshKeepsLastState(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)
	mustLoad(t, s)

	var rec recorder
	s.Subscribe(rec.listen)

	src.SetError(errors.New("connection refused"))
	if err := s.Refresh(context.Background(), 0); err == nil {
		t.Fatal("expected refresh error")
	}
	st, ok := s.State()
	if !ok || st.Price != fpmath.DecimalFromInt(2000) {
		t.Errorf("state after failure: got %s loaded=%v, want 2000 true", st.Price, ok)
	}
	if rec.count() != 0 {
		t.Errorf("failure notified %d times", rec.count())
	}
}

func TestStore_FirstLoadDoesNotNotify(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)

	var rec recorder
	s.Subscribe(rec.listen)
	mustLoad(t, s)

	select {
	case <-s.Loaded():
	default:
		t.Error("Loaded channel should be closed")
	}
	if rec.count() != 0 {
		t.Errorf("first load notified %d times", rec.count())
	}
}

func TestStore_OnLoadedRunsOnceBeforeListeners(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)

	var (
		mu    sync.Mutex
		order []string
	)
	s.OnLoaded(func() {
		st, ok := s.State()
		if !ok || st.Price != fpmath.DecimalFromInt(2000) {
			t.Errorf("hook saw state %v loaded=%v, want price 2000", st.Price, ok)
		}
		mu.Lock()
		order = append(order, "loaded")
		mu.Unlock()
	})
	removed := false
	remove := s.OnLoaded(func() { removed = true })
	remove()
	s.Subscribe(func(core.StoreUpdate) {
		mu.Lock()
		order = append(order, "update")
		mu.Unlock()
	})

	mustLoad(t, s)
	src.Update(func(st *state.StoreState) { st.Price = fpmath.DecimalFromInt(2100) })
	if err := s.Refresh(context.Background(), 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "loaded" || order[1] != "update" {
		t.Errorf("order: got %v, want [loaded update]", order)
	}
	if removed {
		t.Error("removed hook ran")
	}
}

func TestStore_OnLoadedAfterLoadRunsImmediately(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)
	s.Seed(state.Derive(testutil.BaseState("2000", 3), state.DefaultParams("ETH")), [32]byte{1})

	calls := 0
	s.OnLoaded(func() { calls++ })
	if calls != 1 {
		t.Fatalf("hook on loaded store: got %d calls, want 1", calls)
	}
	if err := s.Refresh(context.Background(), 4); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if calls != 1 {
		t.Errorf("hook ran again on refresh: %d calls", calls)
	}
}

func TestStore_SeedFiresOnLoaded(t *testing.T) {
	s := newStore(t, testutil.NewFakeSource(testutil.BaseState("2000", 0)))

	calls := 0
	s.OnLoaded(func() { calls++ })
	s.Seed(state.Derive(testutil.BaseState("2000", 5), state.DefaultParams("ETH")), [32]byte{1})
	if calls != 1 {
		t.Errorf("seed: got %d hook calls, want 1", calls)
	}
}

func TestStore_SeedThenRefreshDiffsAgainstSeed(t *testing.T) {
	seeded := state.Derive(testutil.BaseState("2000", 5), state.DefaultParams("ETH"))
	src := testutil.NewFakeSource(testutil.BaseState("2000", 0))
	s := newStore(t, src)
	s.Seed(seeded, [32]byte{1})

	var rec recorder
	s.Subscribe(rec.listen)

	if err := s.Refresh(context.Background(), 4); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st, _ := s.State(); st.BlockNumber != 5 {
		t.Errorf("block: got %d, want 5 (older block rejected)", st.BlockNumber)
	}

	if err := s.Refresh(context.Background(), 6); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.count() != 1 || !rec.updates[0].StateChange.Has("block_number") {
		t.Errorf("expected one update including block_number, got %d", rec.count())
	}
}

func TestStore_CloseDetachesListeners(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)
	mustLoad(t, s)

	var rec recorder
	s.Subscribe(rec.listen)
	s.Close()

	if err := s.Refresh(context.Background(), 0); !errors.Is(err, core.ErrStoreClosed) {
		t.Errorf("refresh after close: got %v, want ErrStoreClosed", err)
	}
	if rec.count() != 0 {
		t.Errorf("closed store notified %d times", rec.count())
	}
}

// ============================================================================
// Test: Run
// ============================================================================

func TestStore_RunDebouncesHeads(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	s := newStore(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heads := make(chan uint64, 3)
	go s.Run(ctx, heads)
	if _, err := s.WaitLoaded(ctx); err != nil {
		t.Fatalf("wait loaded: %v", err)
	}

	heads <- 5
	heads <- 7
	heads <- 6

	deadline := time.After(2 * time.Second)
	for {
		calls := src.Calls()
		if len(calls) >= 2 {
			if calls[len(calls)-1] != 7 {
				t.Fatalf("debounced refresh: got block %d, want 7", calls[len(calls)-1])
			}
			for _, c := range calls {
				if c == 5 || c == 6 {
					t.Fatalf("block %d should have been collapsed: %v", c, calls)
				}
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("no debounced refresh, calls: %v", calls)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStore_RunRetriesOnPollTick(t *testing.T) {
	src := testutil.NewFakeSource(testutil.BaseState("2000", 1))
	src.SetError(errors.New("rpc down"))
	s := core.NewStore(core.StoreConfig{
		Key:          testutil.TestKey,
		Params:       state.DefaultParams("ETH"),
		Source:       src,
		PollInterval: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(s.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	time.Sleep(35 * time.Millisecond)
	if _, ok := s.State(); ok {
		t.Fatal("store loaded while the source was failing")
	}
	if n := len(src.Calls()); n < 2 {
		t.Fatalf("fetch attempts while failing: got %d, want at least 2", n)
	}
	src.SetError(nil)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	st, err := s.WaitLoaded(waitCtx)
	if err != nil {
		t.Fatalf("store did not recover: %v", err)
	}
	if st.Price != fpmath.DecimalFromInt(2000) {
		t.Errorf("price after recovery: got %s, want 2000", st.Price)
	}

	var rec recorder
	s.Subscribe(rec.listen)
	src.Update(func(st *state.StoreState) { st.Price = fpmath.DecimalFromInt(2200) })

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("poll tick never delivered the price change")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if st, _ := s.State(); st.Price != fpmath.DecimalFromInt(2200) {
		t.Errorf("price after poll: got %s, want 2200", st.Price)
	}
}
