package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownStrategy is returned by Parse for names outside the fixed set.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy selects the minimum collateralization ratio a watched position is held to.
type Strategy int

const (
	// Conservative keeps positions at or above 200%. It is the Default.
	Conservative Strategy = iota
	// Moderate keeps positions at or above 170%.
	Moderate
	// Aggressive keeps positions at or above 140%.
	Aggressive
)

// Default is used when a registration omits the strategy name.
const Default = Conservative

var (
	names = map[Strategy]string{
		Conservative: "conservative",
		Moderate:     "moderate",
		Aggressive:   "aggressive",
	}
	minRatios = map[Strategy]decimal.Decimal{
		Conservative: decimal.NewFromInt(200),
		Moderate:     decimal.NewFromInt(170),
		Aggressive:   decimal.NewFromInt(140),
	}
)

// Parse resolves a strategy name. An empty name yields Default; anything else
// unrecognised is an error rather than a silent fallback.
func Parse(name string) (Strategy, error) {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	if cleaned == "" {
		return Default, nil
	}
	for s, n := range names {
		if n == cleaned {
			return s, nil
		}
	}
	return Default, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// All lists the strategies in declaration order.
func All() []Strategy {
	return []Strategy{Conservative, Moderate, Aggressive}
}

// MinRatio returns the minimum collateralization ratio as a percentage.
func (s Strategy) MinRatio() decimal.Decimal {
	if v, ok := minRatios[s]; ok {
		return v
	}
	return minRatios[Default]
}

func (s Strategy) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// MarshalText encodes the strategy by name.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a strategy name through Parse.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
