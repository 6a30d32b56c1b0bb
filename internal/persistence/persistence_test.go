package persistence_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"TroveWatch/internal/core"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/persistence"
	"TroveWatch/internal/state"
	"TroveWatch/internal/testutil"
	"TroveWatch/internal/tx"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var (
	hashA = common.HexToHash("0xaaaa")
	hashB = common.HexToHash("0xbbbb")
)

func settlement(h common.Hash, status tx.Status) tx.Settlement {
	return tx.Settlement{
		Op:        "openTrove",
		Hash:      h,
		From:      testutil.TestAccount,
		Status:    status,
		SentAt:    time.Unix(100, 0),
		SettledAt: time.Unix(112, 0),
	}
}

func mustRow(t *testing.T, s tx.Settlement) persistence.JournalRow {
	t.Helper()
	r, err := persistence.RowFromSettlement(s)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	return r
}

// ============================================================================
// Migrations
// ============================================================================

func TestEmbeddedMigrations(t *testing.T) {
	ups, err := persistence.ListMigrations(persistence.Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	testutil.AssertGolden(t, "migrations.golden", []byte(strings.Join(ups, "\n")+"\n"))

	downs, _ := persistence.ListMigrations(persistence.Migrations(), ".down.sql")
	if len(downs) != len(ups) {
		t.Errorf("every up needs a down: %d up, %d down", len(ups), len(downs))
	}
}

func TestListMigrations_SortsAndFilters(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 1")},
		"README.md":         {Data: []byte("docs")},
	}
	got, err := persistence.ListMigrations(files, ".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0] != "000001_a.up.sql" || got[1] != "000002_b.up.sql" {
		t.Errorf("got %v", got)
	}
	if v := persistence.MigrationVersion(got[1]); v != "000002" {
		t.Errorf("version: got %s, want 000002", v)
	}
}

// ============================================================================
// Journal rows
// ============================================================================

func TestRowFromSettlement(t *testing.T) {
	pending := mustRow(t, settlement(hashA, tx.StatusPending))
	if pending.Terminal() || pending.SettledAt != nil {
		t.Errorf("pending row: got %+v", pending)
	}
	if pending.From != strings.ToLower(testutil.TestAccount.Hex()) {
		t.Errorf("from: got %s", pending.From)
	}

	s := settlement(hashA, tx.StatusSucceeded)
	s.Details = map[string]int{"fee": 10}
	s.DecodeErr = nil
	done := mustRow(t, s)
	if !done.Terminal() || done.SettledAt == nil || string(done.Details) != `{"fee":10}` {
		t.Errorf("succeeded row: got %+v", done)
	}

	s.Details = nil
	s.DecodeErr = errors.New("missing event")
	if r := mustRow(t, s); r.DecodeError != "missing event" || r.Details != nil {
		t.Errorf("decode error row: got %+v", r)
	}
}

func TestCompactRows(t *testing.T) {
	rows := []persistence.JournalRow{
		mustRow(t, settlement(hashA, tx.StatusPending)),
		mustRow(t, settlement(hashB, tx.StatusPending)),
		mustRow(t, settlement(hashA, tx.StatusFailed)),
		mustRow(t, settlement(hashA, tx.StatusPending)),
	}
	got := persistence.CompactRows(rows)
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2", len(got))
	}
	if got[0].Hash != hashA.Hex() || got[0].Status != "failed" {
		t.Errorf("first: got %s %s, want %s failed", got[0].Hash, got[0].Status, hashA.Hex())
	}
	if got[1].Hash != hashB.Hex() || got[1].Status != "pending" {
		t.Errorf("second: got %s %s", got[1].Hash, got[1].Status)
	}
}

// ============================================================================
// Journal worker
// ============================================================================

type flakyWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	rows     []persistence.JournalRow
}

func (w *flakyWriter) WriteBatch(_ context.Context, rows []persistence.JournalRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.failures > 0 {
		w.failures--
		return errors.New("connection refused")
	}
	w.rows = append(w.rows, persistence.CompactRows(rows)...)
	return nil
}

func (w *flakyWriter) written() []persistence.JournalRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]persistence.JournalRow(nil), w.rows...)
}

type seenAll struct{}

func (seenAll) Seen(string) (bool, error) { return true, nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJournalWorker_RetriesUntilWritten(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	w := &flakyWriter{failures: 2}
	worker := persistence.NewJournalWorker(w, nil, 2, time.Hour, zerolog.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	worker.RecordSent(settlement(hashA, tx.StatusPending))
	worker.RecordSettlement(settlement(hashA, tx.StatusSucceeded))

	waitFor(t, func() bool { return len(w.written()) == 1 })
	if got := w.written()[0].Status; got != "succeeded" {
		t.Errorf("status: got %s, want succeeded", got)
	}
	if got := promtest.ToFloat64(m.JournalRetry); got != 2 {
		t.Errorf("retries: got %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.JournalErrors.WithLabelValues("write")); got != 2 {
		t.Errorf("errors: got %v, want 2", got)
	}
}

func TestJournalWorker_FlushesOnShutdown(t *testing.T) {
	w := &flakyWriter{}
	worker := persistence.NewJournalWorker(w, nil, 100, time.Hour, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	worker.RecordSent(settlement(hashA, tx.StatusPending))
	worker.RecordSent(settlement(hashB, tx.StatusPending))
	cancel()
	<-done

	if got := len(w.written()); got != 2 {
		t.Errorf("rows after shutdown: got %d, want 2", got)
	}
}

func TestJournalWorker_SkipsJournaledOutcomes(t *testing.T) {
	w := &flakyWriter{}
	worker := persistence.NewJournalWorker(w, seenAll{}, 1, time.Millisecond, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	worker.RecordSettlement(settlement(hashA, tx.StatusFailed))
	cancel()
	<-done

	if got := len(w.written()); got != 0 {
		t.Errorf("rows: got %d, want 0", got)
	}
}

// ============================================================================
// Postgres integration
// ============================================================================

func setupDB(t *testing.T) (*persistence.SnapshotManager, *persistence.JournalWriter, *persistence.PostgresReceiptChecker) {
	t.Helper()
	db := testutil.MigratedDB(t)
	return persistence.NewSnapshotManager(db, nil), persistence.NewJournalWriter(db), persistence.NewPostgresReceiptChecker(db)
}

func TestSnapshotManager_SaveAndLoadLatest(t *testing.T) {
	sm, _, _ := setupDB(t)
	ctx := context.Background()
	p := state.DefaultParams("ETH")

	for _, block := range []uint64{10, 12, 11} {
		st := state.Derive(testutil.BaseState("2000", block), p)
		if err := sm.Save(ctx, persistence.Snapshot{Key: testutil.TestKey, Sequence: block, StateHash: [32]byte{byte(block)}, State: st}); err != nil {
			t.Fatalf("save %d: %v", block, err)
		}
	}

	snap, err := sm.LoadLatest(ctx, testutil.TestKey)
	if err != nil || snap == nil {
		t.Fatalf("load: %v %v", snap, err)
	}
	if snap.State.BlockNumber != 12 || snap.StateHash[0] != 12 {
		t.Errorf("latest: got block %d hash %x", snap.State.BlockNumber, snap.StateHash[0])
	}

	missing, err := sm.LoadLatest(ctx, state.Key{Version: "v1", Collateral: "tBTC"})
	if err != nil || missing != nil {
		t.Errorf("unknown key: got %v %v, want nil nil", missing, err)
	}

	since, err := sm.Since(ctx, testutil.TestKey, 10, 10)
	if err != nil || len(since) != 2 || since[0].State.BlockNumber != 11 {
		t.Errorf("since: got %d rows (%v)", len(since), err)
	}
}

func TestSeedStores(t *testing.T) {
	sm, _, _ := setupDB(t)
	ctx := context.Background()
	p := state.DefaultParams("ETH")
	if err := sm.Save(ctx, persistence.Snapshot{Key: testutil.TestKey, State: state.Derive(testutil.BaseState("2000", 50), p)}); err != nil {
		t.Fatalf("save: %v", err)
	}

	src := testutil.NewFakeSource(testutil.BaseState("2000", 40))
	store := core.NewStore(core.StoreConfig{Key: testutil.TestKey, Params: p, Source: src, Logger: zerolog.Nop()})
	defer store.Close()
	if err := persistence.SeedStores(ctx, sm, []*core.Store{store}, zerolog.Nop()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	st, ok := store.State()
	if !ok || st.BlockNumber != 50 {
		t.Fatalf("seeded: got block %d loaded=%v", st.BlockNumber, ok)
	}
	// A refresh at an older block does not roll the seeded state back.
	_ = store.Refresh(ctx, 0)
	if st, _ := store.State(); st.BlockNumber != 50 {
		t.Errorf("after stale refresh: got block %d, want 50", st.BlockNumber)
	}
}

func TestJournalWriter_OutcomeWinsOverPending(t *testing.T) {
	_, w, checker := setupDB(t)
	ctx := context.Background()

	if err := w.WriteBatch(ctx, []persistence.JournalRow{mustRow(t, settlement(hashA, tx.StatusPending))}); err != nil {
		t.Fatalf("write pending: %v", err)
	}
	if seen, _ := checker.Seen(hashA.Hex()); seen {
		t.Fatal("pending row must not count as journaled")
	}
	if err := w.WriteBatch(ctx, []persistence.JournalRow{mustRow(t, settlement(hashA, tx.StatusSucceeded))}); err != nil {
		t.Fatalf("write outcome: %v", err)
	}
	// A late pending row does not downgrade the outcome.
	if err := w.WriteBatch(ctx, []persistence.JournalRow{mustRow(t, settlement(hashA, tx.StatusPending))}); err != nil {
		t.Fatalf("write late pending: %v", err)
	}
	if seen, err := checker.Seen(hashA.Hex()); err != nil || !seen {
		t.Errorf("seen: got %v %v, want true", seen, err)
	}
}
