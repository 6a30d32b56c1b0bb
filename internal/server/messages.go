package server

import (
	"TroveWatch/internal/query"
	"TroveWatch/internal/state"
	"TroveWatch/internal/view"

	fpmath "TroveWatch/internal/math"
)

type ListStoresRequest struct{}

type ListStoresResponse struct {
	Stores []query.StoreSummary `json:"stores"`
}

type StoreRequest struct {
	Version    string `json:"version"`
	Collateral string `json:"collateral"`
}

func (r StoreRequest) key() state.Key {
	return state.Key{Version: r.Version, Collateral: r.Collateral}
}

type PriceHistoryRequest struct {
	Version    string `json:"version"`
	Collateral string `json:"collateral"`
	Limit      int    `json:"limit"`
}

type PriceHistoryResponse struct {
	Prices []query.PricePointResponse `json:"prices"`
}

type TransactionsRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit"`
}

type TransactionsResponse struct {
	Transactions []query.TransactionResponse `json:"transactions"`
}

// WatchRequest optionally narrows Watch to one collateral.
type WatchRequest struct {
	Collateral string `json:"collateral,omitempty"`
}

// Overview is the projection Watch streams. It changes far less often
// than the full state.
type Overview struct {
	BlockNumber          uint64          `json:"block_number"`
	Price                fpmath.Decimal  `json:"price"`
	TotalCollateralRatio fpmath.Decimal  `json:"total_collateral_ratio"`
	RecoveryMode         bool            `json:"recovery_mode"`
	BorrowingRate        fpmath.Decimal  `json:"borrowing_rate"`
	Trove                state.UserTrove `json:"trove"`
	Health               state.Health    `json:"health"`
}

// OverviewOf is the Watch selector.
func OverviewOf(st state.StoreState) Overview {
	return Overview{
		BlockNumber:          st.BlockNumber,
		Price:                st.Price,
		TotalCollateralRatio: st.TotalCollateralRatio,
		RecoveryMode:         st.RecoveryMode,
		BorrowingRate:        st.BorrowingRate,
		Trove:                st.UserTrove,
		Health:               st.Health,
	}
}

type WatchEvent struct {
	Stores []view.Selected[Overview] `json:"stores"`
}

type InjectHeadRequest struct {
	BlockNumber uint64 `json:"block_number"`
}

type RefreshStoreRequest struct {
	Version     string `json:"version"`
	Collateral  string `json:"collateral"`
	BlockNumber uint64 `json:"block_number"`
}

type AdminResponse struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}

type Empty struct{}
