package projection_test

import (
	"context"
	"testing"

	"TroveWatch/internal/core"
	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/observability"
	"TroveWatch/internal/persistence"
	"TroveWatch/internal/projection"
	"TroveWatch/internal/state"
	"TroveWatch/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func point(block uint64, price string) projection.PricePoint {
	return projection.PricePoint{Key: testutil.TestKey, BlockNumber: block, Price: fpmath.MustDecimal(price)}
}

func update(oldPrice string, oldBlock uint64, newPrice string, newBlock uint64, seq uint64) core.StoreUpdate {
	p := state.DefaultParams("ETH")
	old := state.Derive(testutil.BaseState(oldPrice, oldBlock), p)
	next := state.Derive(testutil.BaseState(newPrice, newBlock), p)
	return core.StoreUpdate{Key: testutil.TestKey, OldState: old, NewState: next, StateChange: state.Diff(old, next), Sequence: seq}
}

// ============================================================================
// Price history
// ============================================================================

func TestPriceHistory_NewestFirst(t *testing.T) {
	h := projection.NewPriceHistory(10)
	h.Add(point(1, "2000"))
	h.Add(point(2, "2100"))
	h.Add(point(3, "2050"))

	got := h.Query(testutil.TestKey, 2)
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2", len(got))
	}
	if got[0].BlockNumber != 3 || got[1].BlockNumber != 2 {
		t.Errorf("order: got blocks %d, %d, want 3, 2", got[0].BlockNumber, got[1].BlockNumber)
	}
	if other := h.Query(state.Key{Version: "v1", Collateral: "tBTC"}, 5); len(other) != 0 {
		t.Errorf("unknown key: got %d points", len(other))
	}
}

func TestPriceHistory_SkipsUnchangedAndOld(t *testing.T) {
	h := projection.NewPriceHistory(10)
	if !h.Add(point(5, "2000")) {
		t.Fatal("first point should be recorded")
	}
	if h.Add(point(6, "2000")) {
		t.Error("same price should be skipped")
	}
	if h.Add(point(4, "1900")) {
		t.Error("older block should be skipped")
	}
	if got := len(h.Query(testutil.TestKey, 10)); got != 1 {
		t.Errorf("points: got %d, want 1", got)
	}
}

func TestPriceHistory_Capacity(t *testing.T) {
	h := projection.NewPriceHistory(3)
	for i := uint64(1); i <= 5; i++ {
		h.Add(projection.PricePoint{Key: testutil.TestKey, BlockNumber: i, Price: fpmath.DecimalFromInt(int64(1000 + i))})
	}
	got := h.Query(testutil.TestKey, 10)
	if len(got) != 3 || got[2].BlockNumber != 3 {
		t.Errorf("got %d points, oldest block %d; want 3 points from block 3", len(got), got[len(got)-1].BlockNumber)
	}
}

// ============================================================================
// Worker
// ============================================================================

func TestProjectionWorker_InMemory(t *testing.T) {
	h := projection.NewPriceHistory(10)
	pw := projection.NewProjectionWorker(nil, h, 4, zerolog.Nop(), nil)

	ctx := context.Background()
	if err := pw.Apply(ctx, update("2000", 1, "2100", 2, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := pw.Apply(ctx, update("2100", 2, "2100", 3, 2)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := h.Query(testutil.TestKey, 10)
	if len(got) != 1 || got[0].BlockNumber != 2 {
		t.Errorf("history: got %+v", got)
	}
}

func TestProjectionWorker_DropsWhenBehind(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	pw := projection.NewProjectionWorker(nil, nil, 1, zerolog.Nop(), m)
	l := pw.Listener()

	for i := uint64(1); i <= 3; i++ {
		l(update("2000", i, "2001", i+1, i))
	}
	if got := promtest.ToFloat64(m.ProjectionDrops.WithLabelValues("store_state")); got != 2 {
		t.Errorf("drops: got %v, want 2", got)
	}
}

// ============================================================================
// Postgres integration
// ============================================================================

func TestProjectionWorker_Postgres(t *testing.T) {
	db := testutil.MigratedDB(t)
	ctx := context.Background()
	pw := projection.NewProjectionWorker(db, nil, 4, zerolog.Nop(), nil)

	if err := pw.Apply(ctx, update("2000", 1, "2100", 2, 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// An older update arriving late does not overwrite the projection.
	if err := pw.Apply(ctx, update("2000", 0, "1999", 1, 2)); err != nil {
		t.Fatalf("apply late: %v", err)
	}

	var block int64
	var price string
	if err := db.QueryRowContext(ctx, `SELECT block_number, price::text FROM projections.store_state WHERE version = 'v1' AND collateral = 'ETH'`).Scan(&block, &price); err != nil {
		t.Fatalf("query: %v", err)
	}
	if block != 2 || !fpmath.MustDecimal(price).Eq(fpmath.MustDecimal("2100")) {
		t.Errorf("store_state: got block %d price %s", block, price)
	}

	var points int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.price_history`).Scan(&points)
	if points != 2 {
		t.Errorf("price points: got %d, want 2", points)
	}
}

func TestRebuildProjections(t *testing.T) {
	db := testutil.MigratedDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db, nil)
	p := state.DefaultParams("ETH")
	for i, price := range []string{"2000", "2000", "2100"} {
		st := state.Derive(testutil.BaseState(price, uint64(10+i)), p)
		if err := sm.Save(ctx, persistence.Snapshot{Key: testutil.TestKey, Sequence: uint64(i + 1), State: st}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if err := projection.RebuildProjections(ctx, db, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	var block int64
	db.QueryRowContext(ctx, `SELECT last_block FROM projections.watermark`).Scan(&block)
	if block != 12 {
		t.Errorf("watermark: got %d, want 12", block)
	}
	var points int
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.price_history`).Scan(&points)
	if points != 2 {
		t.Errorf("price points: got %d, want 2", points)
	}
}
