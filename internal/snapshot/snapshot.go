package snapshot

import (
	"context"

	"github.com/shopspring/decimal"
)

// StatusActive marks an open position; everything else is ignored by the monitor.
const StatusActive = "active"

// PositionSnapshot is one open position as reported by the snapshot source.
type PositionSnapshot struct {
	BranchIndex      int             `json:"branchIndex"`
	CollateralSymbol string          `json:"collateralSymbol"`
	Collateral       decimal.Decimal `json:"collateral"`
	Debt             decimal.Decimal `json:"debt"`
	CollateralRatio  decimal.Decimal `json:"collateralRatio"`
	InterestRate     decimal.Decimal `json:"interestRate"`
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
	TroveID          string          `json:"troveId"`
	Status           string          `json:"status"`
}

// MarketSnapshot carries per-branch aggregates.
type MarketSnapshot struct {
	BranchIndex      int             `json:"branchIndex"`
	CollateralSymbol string          `json:"collateralSymbol"`
	AvgInterestRate  decimal.Decimal `json:"avgInterestRate"`
}

// Source reads positions and market aggregates.
type Source interface {
	FetchPositions(ctx context.Context, address string) ([]PositionSnapshot, error)
	FetchMarkets(ctx context.Context) ([]MarketSnapshot, error)
}

// Markets indexes market snapshots by branch. A nil Markets is valid and empty.
type Markets map[int]MarketSnapshot

// IndexMarkets builds a Markets lookup; later entries win on duplicate branches.
func IndexMarkets(list []MarketSnapshot) Markets {
	out := make(Markets, len(list))
	for _, m := range list {
		out[m.BranchIndex] = m
	}
	return out
}

// AvgRate returns the branch average interest rate if one is known and positive.
func (m Markets) AvgRate(branch int) (decimal.Decimal, bool) {
	market, ok := m[branch]
	if !ok || !market.AvgInterestRate.IsPositive() {
		return decimal.Decimal{}, false
	}
	return market.AvgInterestRate, true
}
