package risk

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"trove-guardian/internal/snapshot"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func position(cr, rate string) snapshot.PositionSnapshot {
	return snapshot.PositionSnapshot{
		BranchIndex:     0,
		Collateral:      d("10"),
		Debt:            d("10000"),
		CollateralRatio: d(cr),
		InterestRate:    d(rate),
		TroveID:         "42",
		Status:          snapshot.StatusActive,
	}
}

func markets(avg string) snapshot.Markets {
	return snapshot.IndexMarkets([]snapshot.MarketSnapshot{{BranchIndex: 0, AvgInterestRate: d(avg)}})
}

func TestHealthyPositionLowRisk(t *testing.T) {
	a := Classify(position("250.00", "4.50"), d("200"), markets("5.00"))
	if a.Severity != SeverityOK {
		t.Fatalf("severity = %s, want OK", a.Severity)
	}
	if a.RedemptionRisk != RedemptionLow {
		t.Fatalf("redemption = %s, want low", a.RedemptionRisk)
	}
}

func TestDangerDetailNamesThreshold(t *testing.T) {
	a := Classify(position("100.00", "5"), d("200"), nil)
	if a.Severity != SeverityDanger {
		t.Fatalf("severity = %s, want DANGER", a.Severity)
	}
	if !strings.Contains(a.Detail, "danger threshold") || !strings.Contains(a.Detail, "220.00") {
		t.Fatalf("detail missing threshold: %q", a.Detail)
	}
}

func TestWarningBand(t *testing.T) {
	a := Classify(position("227.27", "5"), d("200"), nil)
	if a.Severity != SeverityWarning {
		t.Fatalf("severity = %s, want WARNING", a.Severity)
	}
	if !strings.Contains(a.Detail, "warning threshold") || !strings.Contains(a.Detail, "240.00") {
		t.Fatalf("detail missing threshold: %q", a.Detail)
	}
}

func TestHighRedemptionRiskEscalatesOK(t *testing.T) {
	a := Classify(position("300.00", "1.00"), d("200"), markets("5.00"))
	if a.RedemptionRisk != RedemptionHigh {
		t.Fatalf("redemption = %s, want high", a.RedemptionRisk)
	}
	if a.Severity != SeverityWarning {
		t.Fatalf("OK must escalate to WARNING, got %s", a.Severity)
	}
	if !strings.Contains(a.Detail, HighRiskMarker) {
		t.Fatalf("detail missing marker: %q", a.Detail)
	}
	if len(a.Reasons) != 2 {
		t.Fatalf("expected two structured reasons, got %v", a.Reasons)
	}
}

func TestHighRedemptionRiskNeverDowngradesDanger(t *testing.T) {
	a := Classify(position("150.00", "1.00"), d("200"), markets("5.00"))
	if a.Severity != SeverityDanger {
		t.Fatalf("DANGER must stay DANGER, got %s", a.Severity)
	}
}

func TestMediumRedemptionRiskDoesNotEscalate(t *testing.T) {
	a := Classify(position("300.00", "4.00"), d("200"), markets("5.00"))
	if a.RedemptionRisk != RedemptionMedium {
		t.Fatalf("redemption = %s, want medium", a.RedemptionRisk)
	}
	if a.Severity != SeverityOK {
		t.Fatalf("medium risk must not escalate, got %s", a.Severity)
	}
}

func TestMissingMarketDefaultsLow(t *testing.T) {
	a := Classify(position("300.00", "0.10"), d("200"), nil)
	if a.RedemptionRisk != RedemptionLow || a.HasBranchAvg {
		t.Fatalf("absent market should give low risk, got %s", a.RedemptionRisk)
	}
	a = Classify(position("300.00", "0.10"), d("200"), markets("0"))
	if a.RedemptionRisk != RedemptionLow {
		t.Fatalf("unknown branch average should give low risk, got %s", a.RedemptionRisk)
	}
}

func TestHealthBandBoundaries(t *testing.T) {
	minCR := d("200")
	cases := []struct {
		cr   string
		want Severity
	}{
		{"0", SeverityDanger},
		{"219.99", SeverityDanger},
		{"220", SeverityWarning},
		{"239.99", SeverityWarning},
		{"240", SeverityOK},
		{"10000", SeverityOK},
	}
	for _, tc := range cases {
		if got := ClassifyHealth(d(tc.cr), minCR); got != tc.want {
			t.Errorf("ClassifyHealth(%s) = %s, want %s", tc.cr, got, tc.want)
		}
	}
}

func TestHealthBandsPartitionAcrossStrategies(t *testing.T) {
	for _, minCR := range []string{"110", "120", "140", "200"} {
		m := d(minCR)
		danger, warning := Thresholds(m)
		step := d("0.01")
		for cr := decimal.Zero; cr.LessThan(warning.Add(d("5"))); cr = cr.Add(step) {
			got := ClassifyHealth(cr, m)
			var want Severity
			switch {
			case cr.LessThan(danger):
				want = SeverityDanger
			case cr.LessThan(warning):
				want = SeverityWarning
			default:
				want = SeverityOK
			}
			if got != want {
				t.Fatalf("minCR %s cr %s: got %s want %s", minCR, cr, got, want)
			}
		}
	}
}

func TestRedemptionBandBoundaries(t *testing.T) {
	avg := d("5.00")
	cases := []struct {
		rate string
		want RedemptionRisk
	}{
		{"0", RedemptionHigh},
		{"3.49", RedemptionHigh},
		{"3.50", RedemptionMedium},
		{"4.49", RedemptionMedium},
		{"4.50", RedemptionLow},
		{"12", RedemptionLow},
	}
	for _, tc := range cases {
		if got := ClassifyRedemption(d(tc.rate), avg); got != tc.want {
			t.Errorf("ClassifyRedemption(%s) = %s, want %s", tc.rate, got, tc.want)
		}
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	pos := position("231.40", "3.90")
	first := Classify(pos, d("200"), markets("5"))
	for i := 0; i < 10; i++ {
		again := Classify(pos, d("200"), markets("5"))
		if again.Severity != first.Severity || again.Detail != first.Detail {
			t.Fatalf("classification changed between calls: %+v vs %+v", first, again)
		}
	}
}
