package pricing

import "testing"

func TestSessionCost(t *testing.T) {
	cases := []struct {
		name       string
		rate, mins int
		complexity string
		want       int
	}{
		{"simple hour", 20, 60, ComplexitySimple, 20},
		{"standard hour", 20, 60, ComplexityStandard, 26},
		{"advanced hour", 20, 60, ComplexityAdvanced, 32},
		{"standard 90 mins", 20, 90, ComplexityStandard, 39},
		{"half hour simple", 20, 30, ComplexitySimple, 10},
		{"unknown complexity falls back to simple", 20, 60, "weird", 20},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := SessionCost(c.rate, c.mins, c.complexity); got != c.want {
				t.Fatalf("SessionCost(%d, %d, %q) = %d, want %d", c.rate, c.mins, c.complexity, got, c.want)
			}
		})
	}
}

func TestEscrowFeeAndHoldTotal(t *testing.T) {
	if got := EscrowFee(26); got != 1 {
		t.Fatalf("EscrowFee(26) = %d, want 1", got)
	}
	if got := EscrowFee(100); got != 5 {
		t.Fatalf("EscrowFee(100) = %d, want 5", got)
	}
	if got := HoldTotal(20, 60, ComplexityStandard); got != 27 {
		t.Fatalf("HoldTotal = %d, want 27 (26 cost + 1 fee)", got)
	}
}
