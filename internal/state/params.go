package state

import (
	"fmt"
	"sync"

	fpmath "TroveWatch/internal/math"
)

// Params holds the protocol constants that client-side validation and
// derived fields depend on. They are per collateral because each
// collateral has its own deployment.
type Params struct {
	Collateral string

	MinimumCollateralRatio  fpmath.Decimal // MCR
	CriticalCollateralRatio fpmath.Decimal // CCR, recovery mode threshold
	LiquidationReserve      fpmath.Decimal // gas compensation added to debt
	MinimumNetDebt          fpmath.Decimal
	MinimumBorrowingRate    fpmath.Decimal
	MaximumBorrowingRate    fpmath.Decimal
	MinimumRedemptionRate   fpmath.Decimal
}

// MinimumDebt is the smallest total debt an open trove may carry.
func (p Params) MinimumDebt() fpmath.Decimal {
	return p.MinimumNetDebt.Add(p.LiquidationReserve)
}

// DefaultParams returns the mainnet constants.
func DefaultParams(collateral string) Params {
	return Params{
		Collateral:              collateral,
		MinimumCollateralRatio:  fpmath.MustDecimal("1.1"),
		CriticalCollateralRatio: fpmath.MustDecimal("1.5"),
		LiquidationReserve:      fpmath.DecimalFromInt(200),
		MinimumNetDebt:          fpmath.DecimalFromInt(1800),
		MinimumBorrowingRate:    fpmath.MustDecimal("0.005"),
		MaximumBorrowingRate:    fpmath.MustDecimal("0.05"),
		MinimumRedemptionRate:   fpmath.MustDecimal("0.005"),
	}
}

// Validate checks that the constants are internally consistent:
// 1 < MCR < CCR, positive reserve and minimum debt, and
// 0 <= min borrowing rate <= max borrowing rate <= 1.
func (p Params) Validate() error {
	if !p.MinimumCollateralRatio.Gt(fpmath.One) {
		return fmt.Errorf("mcr must be > 1, got %s", p.MinimumCollateralRatio)
	}
	if !p.CriticalCollateralRatio.Gt(p.MinimumCollateralRatio) {
		return fmt.Errorf("ccr (%s) must be > mcr (%s)", p.CriticalCollateralRatio, p.MinimumCollateralRatio)
	}
	if !p.LiquidationReserve.IsPositive() {
		return fmt.Errorf("liquidation_reserve must be > 0, got %s", p.LiquidationReserve)
	}
	if !p.MinimumNetDebt.IsPositive() {
		return fmt.Errorf("minimum_net_debt must be > 0, got %s", p.MinimumNetDebt)
	}
	if p.MinimumBorrowingRate.IsNegative() || p.MinimumBorrowingRate.Gt(p.MaximumBorrowingRate) {
		return fmt.Errorf("borrowing rate bounds invalid: min=%s max=%s", p.MinimumBorrowingRate, p.MaximumBorrowingRate)
	}
	if p.MaximumBorrowingRate.Gt(fpmath.One) {
		return fmt.Errorf("max_borrowing_rate must be <= 1, got %s", p.MaximumBorrowingRate)
	}
	if p.MinimumRedemptionRate.IsNegative() || p.MinimumRedemptionRate.Gt(fpmath.One) {
		return fmt.Errorf("min_redemption_rate must be in [0, 1], got %s", p.MinimumRedemptionRate)
	}
	return nil
}

// ParamsRegistry holds Params per collateral symbol.
type ParamsRegistry struct {
	mu     sync.RWMutex
	params map[string]Params
}

func NewParamsRegistry() *ParamsRegistry {
	return &ParamsRegistry{params: make(map[string]Params)}
}

// Get returns the registered params, or the defaults for unknown collaterals.
func (r *ParamsRegistry) Get(collateral string) Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.params[collateral]; ok {
		return p
	}
	return DefaultParams(collateral)
}

func (r *ParamsRegistry) Update(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid params for %s: %w", p.Collateral, err)
	}
	r.mu.Lock()
	r.params[p.Collateral] = p
	r.mu.Unlock()
	return nil
}
