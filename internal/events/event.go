// Package events holds the bounded risk-event history and the per-address live distributor.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskEvent is one classification result for one position in one cycle. It is not
// mutated after it is appended.
type RiskEvent struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	Address          string          `json:"address"`
	AgentID          string          `json:"agentId,omitempty"`
	Strategy         string          `json:"strategy"`
	Severity         string          `json:"severity"`
	CollateralRatio  decimal.Decimal `json:"collateralRatio"`
	InterestRate     decimal.Decimal `json:"interestRate"`
	BranchAvgRate    decimal.Decimal `json:"branchAvgRate"`
	BranchIndex      int             `json:"branchIndex"`
	CollateralSymbol string          `json:"collateralSymbol"`
	TroveID          string          `json:"troveId"`
	Detail           string          `json:"detail"`
	Reasons          []string        `json:"reasons,omitempty"`
	Remediation      string          `json:"remediation,omitempty"`
	RedemptionRisk   string          `json:"redemptionRisk"`
}

// NewID returns a fresh event identifier.
func NewID() string {
	return uuid.NewString()
}
