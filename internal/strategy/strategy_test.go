package strategy

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseKnownNames(t *testing.T) {
	cases := map[string]Strategy{
		"conservative": Conservative,
		"Moderate":     Moderate,
		" AGGRESSIVE ": Aggressive,
	}
	for name, want := range cases {
		got, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(%q) unexpected error: %v", name, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestParseEmptyIsDefault(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("empty name should not error: %v", err)
	}
	if got != Default {
		t.Fatalf("empty name should map to default, got %s", got)
	}
}

func TestParseUnknownIsError(t *testing.T) {
	if _, err := Parse("conservatve"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("typo must be rejected, got %v", err)
	}
}

func TestMinRatios(t *testing.T) {
	if !Conservative.MinRatio().Equal(decimal.NewFromInt(200)) {
		t.Fatalf("conservative min ratio = %s", Conservative.MinRatio())
	}
	if !Aggressive.MinRatio().LessThan(Moderate.MinRatio()) {
		t.Fatal("aggressive should tolerate a lower ratio than moderate")
	}
}

func TestTextRoundTrip(t *testing.T) {
	var s Strategy
	if err := s.UnmarshalText([]byte("moderate")); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	text, _ := s.MarshalText()
	if string(text) != "moderate" {
		t.Fatalf("marshal = %s", text)
	}
}
