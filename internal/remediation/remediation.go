package remediation

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"trove-guardian/internal/risk"
	"trove-guardian/internal/snapshot"
)

// NoRebalanceNeeded is recorded when a top-up would not move the position.
const NoRebalanceNeeded = "No rebalance needed"

// RatioUnavailable is recorded for an at-risk position whose ratio is zero or
// missing, since the top-up cannot be sized from it.
const RatioUnavailable = "ratio unavailable, cannot size top-up"

// collateralDecimals is the base-unit scale of on-chain collateral amounts.
const collateralDecimals = 18

// TargetMultiplier sets the top-up target relative to the strategy minimum.
var TargetMultiplier = decimal.RequireFromString("1.3")

// ActionKind names a corrective operation; values double as builder operation names.
type ActionKind string

const (
	ActionAdjustCollateral ActionKind = "adjust-collateral"
	ActionAdjustRate       ActionKind = "adjust-rate"
)

// Action is one corrective transaction to attempt.
type Action struct {
	Kind ActionKind

	// Collateral top-up.
	CollateralDelta  *big.Int
	CollateralAmount decimal.Decimal
	TargetRatio      decimal.Decimal
	ValueUSD         decimal.Decimal

	// Rate adjustment.
	CurrentRate decimal.Decimal
	NewRate     decimal.Decimal
}

// Plan is the selector output: actions to execute and advisory notes.
type Plan struct {
	Actions []Action
	Notes   []string
}

// HasActions reports whether anything should be executed.
func (p Plan) HasActions() bool {
	return len(p.Actions) > 0
}

// TopUp describes the collateral needed to lift a position to its target ratio.
type TopUp struct {
	Needed      bool
	Delta       *big.Int
	Amount      decimal.Decimal
	TargetRatio decimal.Decimal
	ValueUSD    decimal.Decimal
}

// ComputeTopUp applies add = collateral * (target/cr - 1), floored in base units.
func ComputeTopUp(pos snapshot.PositionSnapshot, minCR decimal.Decimal) TopUp {
	target := minCR.Mul(TargetMultiplier)
	out := TopUp{TargetRatio: target}

	cr := pos.CollateralRatio
	if !cr.IsPositive() || cr.GreaterThanOrEqual(target) {
		return out
	}

	atoms := pos.Collateral.Shift(collateralDecimals)
	add := atoms.Mul(target.Div(cr).Sub(decimal.NewFromInt(1))).Floor()
	if !add.IsPositive() {
		return out
	}

	out.Needed = true
	out.Delta = add.BigInt()
	out.Amount = add.Shift(-collateralDecimals)
	out.ValueUSD = pos.Debt.Mul(target.Sub(cr)).Div(decimal.NewFromInt(100))
	return out
}

// Select decides which remediations apply. When enabled is false every
// remediation is reported as an advisory and nothing is executed.
func Select(pos snapshot.PositionSnapshot, a risk.Assessment, minCR decimal.Decimal, enabled bool) Plan {
	var plan Plan

	switch risk.ClassifyHealth(pos.CollateralRatio, minCR) {
	case risk.SeverityDanger:
		topUp := ComputeTopUp(pos, minCR)
		switch {
		case !pos.CollateralRatio.IsPositive():
			plan.Notes = append(plan.Notes, RatioUnavailable)
		case !topUp.Needed:
			plan.Notes = append(plan.Notes, NoRebalanceNeeded)
		case enabled:
			plan.Actions = append(plan.Actions, Action{
				Kind:             ActionAdjustCollateral,
				CollateralDelta:  topUp.Delta,
				CollateralAmount: topUp.Amount,
				TargetRatio:      topUp.TargetRatio,
				ValueUSD:         topUp.ValueUSD,
			})
		default:
			plan.Notes = append(plan.Notes, topUpAdvisory(pos, topUp))
		}
	case risk.SeverityWarning:
		if topUp := ComputeTopUp(pos, minCR); topUp.Needed {
			plan.Notes = append(plan.Notes, topUpAdvisory(pos, topUp))
		}
	}

	if a.RedemptionRisk == risk.RedemptionHigh && a.HasBranchAvg {
		if enabled {
			plan.Actions = append(plan.Actions, Action{
				Kind:        ActionAdjustRate,
				CurrentRate: pos.InterestRate,
				NewRate:     a.BranchAvgRate,
			})
		} else {
			plan.Notes = append(plan.Notes, fmt.Sprintf("WARNING: recommend raising interest rate from %s%% to branch average %s%%",
				pos.InterestRate.StringFixed(2), a.BranchAvgRate.StringFixed(2)))
		}
	}

	return plan
}

func topUpAdvisory(pos snapshot.PositionSnapshot, t TopUp) string {
	symbol := pos.CollateralSymbol
	if symbol == "" {
		symbol = "collateral"
	}
	return fmt.Sprintf("WARNING: recommend adding %s %s (~$%s USD) to reach %s%% target ratio",
		t.Amount.StringFixed(4), symbol, t.ValueUSD.StringFixed(2), t.TargetRatio.StringFixed(2))
}
