package state_test

import (
	"testing"

	fpmath "TroveWatch/internal/math"
	"TroveWatch/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func d(s string) fpmath.Decimal { return fpmath.MustDecimal(s) }

var params = state.DefaultParams("ETH")

// ============================================================================
// Test: Trove
// ============================================================================

func TestTrove_CreationAddsFeeAndReserve(t *testing.T) {
	change := state.TroveChange{
		Kind:     state.TroveChangeCreation,
		Creation: state.TroveCreationParams{DepositCollateral: d("10"), Borrow: d("2000")},
	}
	got, err := state.Trove{}.Apply(change, d("0.005"), params)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := state.NewTrove(d("10"), d("2210"))
	if got != want {
		t.Errorf("trove: got %s, want %s", got, want)
	}
	if got.NetDebt(params) != d("2010") {
		t.Errorf("net debt: got %s, want 2010", got.NetDebt(params))
	}
}

func TestTrove_CreationOntoExistingFails(t *testing.T) {
	change := state.TroveChange{Kind: state.TroveChangeCreation}
	if _, err := state.NewTrove(d("1"), d("2000")).Apply(change, fpmath.Zero, params); err == nil {
		t.Error("expected error creating onto an existing trove")
	}
}

func TestTrove_WhatChanged(t *testing.T) {
	empty := state.Trove{}
	open := state.NewTrove(d("10"), d("2210"))

	c := empty.WhatChanged(open, d("0.005"), params)
	if c.Kind != state.TroveChangeCreation {
		t.Fatalf("kind: got %d, want creation", c.Kind)
	}
	if c.Creation.Borrow != d("2000") {
		t.Errorf("borrow: got %s, want 2000", c.Creation.Borrow)
	}

	c = open.WhatChanged(state.NewTrove(d("12"), d("2000")), d("0.005"), params)
	if c.Kind != state.TroveChangeAdjustment {
		t.Fatalf("kind: got %d, want adjustment", c.Kind)
	}
	if c.Adjustment.DepositCollateral != d("2") || c.Adjustment.Repay != d("210") {
		t.Errorf("adjustment: got %+v", c.Adjustment)
	}

	c = open.WhatChanged(empty, fpmath.Zero, params)
	if c.Kind != state.TroveChangeClosure || c.Closure.Repay != d("2010") {
		t.Errorf("closure: got %+v", c)
	}

	if open.WhatChanged(open, fpmath.Zero, params).Kind != state.TroveChangeNone {
		t.Error("identical troves should produce no change")
	}
}

func TestTrove_CollateralRatio(t *testing.T) {
	tr := state.NewTrove(d("1"), d("1000"))
	if got := tr.CollateralRatio(d("2000")); got != d("2") {
		t.Errorf("cr: got %s, want 2", got)
	}
	if !state.NewTrove(d("1"), fpmath.Zero).CollateralRatio(d("2000")).IsInfinite() {
		t.Error("zero debt should give infinite cr")
	}
	if !state.NewTrove(d("1"), d("2000")).CollateralRatioIsBelowMinimum(d("2000"), params) {
		t.Error("cr 1.0 should be below mcr")
	}
}

func TestTrove_ApplyRedistribution(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tr := state.TroveWithPendingRedistribution{
		UserTrove: state.UserTrove{Owner: owner, Status: state.TroveStatusOpen, Trove: state.NewTrove(d("10"), d("2210"))},
		Stake:     d("10"),
	}
	got := tr.ApplyRedistribution(state.NewTrove(d("0.1"), d("5")))
	if got.Trove != state.NewTrove(d("11"), d("2260")) {
		t.Errorf("trove: got %s, want {11, 2260}", got.Trove)
	}
	if got.Owner != owner || got.Status != state.TroveStatusOpen {
		t.Error("owner and status should carry over")
	}
}

// ============================================================================
// Test: Fees
// ============================================================================

func TestFees_BorrowingRate(t *testing.T) {
	f := state.NewFees(d("0.01"), 1000, 1000, false, params)
	if got := f.BorrowingRate(0); got != d("0.015") {
		t.Errorf("rate: got %s, want 0.015", got)
	}

	capped := state.NewFees(d("0.2"), 1000, 1000, false, params)
	if got := capped.BorrowingRate(0); got != d("0.05") {
		t.Errorf("capped rate: got %s, want 0.05", got)
	}

	recovery := state.NewFees(d("0.01"), 1000, 1000, true, params)
	if got := recovery.BorrowingRate(0); !got.IsZero() {
		t.Errorf("recovery rate: got %s, want 0", got)
	}
}

func TestFees_BaseRateDecays(t *testing.T) {
	f := state.NewFees(d("0.01"), 1000, 1000, false, params)
	later := f.BaseRate(1000 + 12*60*60)
	if !later.Lt(d("0.01")) || !later.Gt(d("0.004")) {
		t.Errorf("decayed base rate after 12h: got %s, want roughly 0.005", later)
	}
	if f.BaseRate(10) != d("0.01") {
		t.Error("time before the last fee operation should not decay")
	}
}

func TestFees_RedemptionRate(t *testing.T) {
	f := state.NewFees(fpmath.Zero, 0, 0, false, params)
	if got := f.RedemptionRate(fpmath.Zero, 0); got != d("0.005") {
		t.Errorf("got %s, want 0.005", got)
	}
	if got := f.RedemptionRate(d("0.1"), 0); got != d("0.055") {
		t.Errorf("got %s, want 0.055", got)
	}
	if got := f.RedemptionRate(d("4"), 0); got != fpmath.One.Add(fpmath.One) {
		t.Errorf("got %s, want 2 (uncapped once the fraction alone exceeds 1)", got)
	}
}

// ============================================================================
// Test: Derive / Diff
// ============================================================================

func baseState() state.StoreState {
	return state.StoreState{
		Key:            state.Key{Version: "v1", Collateral: "ETH"},
		BlockNumber:    100,
		BlockTimestamp: 1_700_000_000,
		Price:          d("2000"),
		Total:          state.NewTrove(d("1000"), d("1000000")),
		TroveBeforeRedistribution: state.TroveWithPendingRedistribution{
			UserTrove: state.UserTrove{Status: state.TroveStatusOpen, Trove: state.NewTrove(d("10"), d("2210"))},
		},
		BaseRate:         fpmath.Zero,
		LastFeeOperation: 1_700_000_000,
	}
}

func TestDerive(t *testing.T) {
	s := state.Derive(baseState(), params)
	if s.RecoveryMode {
		t.Error("tcr 2.0 should not be recovery mode")
	}
	if s.BorrowingRate != d("0.005") {
		t.Errorf("borrowing rate: got %s, want 0.005", s.BorrowingRate)
	}
	if s.Health != state.HealthHealthy {
		t.Errorf("health: got %s, want healthy", s.Health)
	}

	low := baseState()
	low.Price = d("1400")
	s = state.Derive(low, params)
	if !s.RecoveryMode {
		t.Error("tcr 1.4 should be recovery mode")
	}
	if !s.BorrowingRate.IsZero() {
		t.Errorf("recovery borrowing rate: got %s, want 0", s.BorrowingRate)
	}
}

func TestClassifyHealth(t *testing.T) {
	open := func(coll, debt string) state.UserTrove {
		return state.UserTrove{Status: state.TroveStatusOpen, Trove: state.NewTrove(d(coll), d(debt))}
	}
	price := d("2000")
	tcr := d("3")
	cases := []struct {
		trove state.UserTrove
		want  state.Health
	}{
		{state.UserTrove{}, state.HealthNone},
		{open("10", "2210"), state.HealthHealthy},
		{open("1", "1500"), state.HealthAtRisk},
		{open("1", "2000"), state.HealthLiquidatable},
	}
	for _, c := range cases {
		if got := state.ClassifyHealth(c.trove, price, tcr, false, params); got != c.want {
			t.Errorf("%s: got %s, want %s", c.trove.Trove, got, c.want)
		}
	}
	if got := state.ClassifyHealth(open("1", "1500"), price, tcr, true, params); got != state.HealthLiquidatable {
		t.Errorf("recovery mode below tcr: got %s, want liquidatable", got)
	}
}

func TestDiff_OnlyChangedFields(t *testing.T) {
	old := state.Derive(baseState(), params)
	if c := state.Diff(old, old); !c.IsEmpty() {
		t.Errorf("identical states: got %v, want empty", c.Fields())
	}

	next := old
	next.NumberOfTroves = 7
	c := state.Diff(old, next)
	if len(c) != 1 || !c.Has("number_of_troves") {
		t.Errorf("got %v, want [number_of_troves]", c.Fields())
	}
	if c["number_of_troves"] != uint64(7) {
		t.Errorf("value: got %v, want 7", c["number_of_troves"])
	}

	next = old
	next.Price = d("2100")
	if c := state.Diff(old, next); !c.Has("price") || c.Has("number_of_troves") {
		t.Errorf("got %v, want price only", c.Fields())
	}
}

// ============================================================================
// Test: Params / Key
// ============================================================================

func TestParams_Validate(t *testing.T) {
	if err := params.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	bad := params
	bad.CriticalCollateralRatio = d("1.05")
	if err := bad.Validate(); err == nil {
		t.Error("ccr below mcr should fail")
	}

	reg := state.NewParamsRegistry()
	if err := reg.Update(bad); err == nil {
		t.Error("registry should reject invalid params")
	}
	if reg.Get("tBTC").MinimumNetDebt != d("1800") {
		t.Error("unknown collateral should get defaults")
	}
}

func TestParseKey(t *testing.T) {
	k, err := state.ParseKey("v1/tBTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if k != (state.Key{Version: "v1", Collateral: "tBTC"}) {
		t.Errorf("got %+v", k)
	}
	if _, err := state.ParseKey("v1"); err == nil {
		t.Error("expected error for missing collateral")
	}
}
