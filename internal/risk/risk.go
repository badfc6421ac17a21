// Package risk classifies position health and redemption exposure.
//
// Thresholds are multipliers of the strategy's minimum ratio so the same
// bands hold for every strategy.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trove-guardian/internal/snapshot"
)

// Severity is the health level of a position.
type Severity string

const (
	SeverityOK      Severity = "OK"
	SeverityWarning Severity = "WARNING"
	SeverityDanger  Severity = "DANGER"
)

// RedemptionRisk is the likelihood of the position being redeemed against.
type RedemptionRisk string

const (
	RedemptionLow    RedemptionRisk = "low"
	RedemptionMedium RedemptionRisk = "medium"
	RedemptionHigh   RedemptionRisk = "high"
)

// HighRiskMarker is appended to the detail of high redemption-risk positions.
const HighRiskMarker = "REDEMPTION HIGH RISK"

var (
	DangerMultiplier  = decimal.RequireFromString("1.1")
	WarningMultiplier = decimal.RequireFromString("1.2")
	HighRateFactor    = decimal.RequireFromString("0.7")
	MediumRateFactor  = decimal.RequireFromString("0.9")
)

// Assessment is the verdict for one position in one cycle.
type Assessment struct {
	Severity         Severity
	RedemptionRisk   RedemptionRisk
	Detail           string
	Reasons          []string
	DangerThreshold  decimal.Decimal
	WarningThreshold decimal.Decimal
	BranchAvgRate    decimal.Decimal
	HasBranchAvg     bool
}

// Thresholds returns the danger and warning ratio thresholds for minCR.
func Thresholds(minCR decimal.Decimal) (danger, warning decimal.Decimal) {
	return minCR.Mul(DangerMultiplier), minCR.Mul(WarningMultiplier)
}

// ClassifyHealth maps a collateral ratio onto the three severity bands.
func ClassifyHealth(cr, minCR decimal.Decimal) Severity {
	danger, warning := Thresholds(minCR)
	switch {
	case cr.LessThan(danger):
		return SeverityDanger
	case cr.LessThan(warning):
		return SeverityWarning
	default:
		return SeverityOK
	}
}

// ClassifyRedemption compares a position's rate with its branch average.
func ClassifyRedemption(rate, avg decimal.Decimal) RedemptionRisk {
	switch {
	case rate.LessThan(avg.Mul(HighRateFactor)):
		return RedemptionHigh
	case rate.LessThan(avg.Mul(MediumRateFactor)):
		return RedemptionMedium
	default:
		return RedemptionLow
	}
}

// Classify produces the full assessment. It performs no I/O; markets may be nil.
func Classify(pos snapshot.PositionSnapshot, minCR decimal.Decimal, markets snapshot.Markets) Assessment {
	danger, warning := Thresholds(minCR)
	cr := pos.CollateralRatio

	a := Assessment{
		Severity:         ClassifyHealth(cr, minCR),
		RedemptionRisk:   RedemptionLow,
		DangerThreshold:  danger,
		WarningThreshold: warning,
	}

	switch a.Severity {
	case SeverityDanger:
		a.Reasons = append(a.Reasons, fmt.Sprintf("CR %s%% below danger threshold %s%%", cr.StringFixed(2), danger.StringFixed(2)))
	case SeverityWarning:
		a.Reasons = append(a.Reasons, fmt.Sprintf("CR %s%% below warning threshold %s%%", cr.StringFixed(2), warning.StringFixed(2)))
	default:
		a.Reasons = append(a.Reasons, fmt.Sprintf("CR %s%% healthy (warning threshold %s%%)", cr.StringFixed(2), warning.StringFixed(2)))
	}

	if avg, ok := markets.AvgRate(pos.BranchIndex); ok {
		a.BranchAvgRate = avg
		a.HasBranchAvg = true
		a.RedemptionRisk = ClassifyRedemption(pos.InterestRate, avg)

		switch a.RedemptionRisk {
		case RedemptionHigh:
			a.Reasons = append(a.Reasons, fmt.Sprintf("%s: rate %s%% below 70%% of branch average %s%%", HighRiskMarker, pos.InterestRate.StringFixed(2), avg.StringFixed(2)))
			if a.Severity == SeverityOK {
				a.Severity = SeverityWarning
			}
		case RedemptionMedium:
			a.Reasons = append(a.Reasons, fmt.Sprintf("Redemption medium risk: rate %s%% below 90%% of branch average %s%%", pos.InterestRate.StringFixed(2), avg.StringFixed(2)))
		}
	}

	a.Detail = strings.Join(a.Reasons, " | ")
	return a
}
