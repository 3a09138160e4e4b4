// Package pricing computes session costs and escrow fees deterministically.
package pricing

import "math"

// Complexity multipliers applied to the hourly base rate.
const (
	ComplexitySimple   = "simple"
	ComplexityStandard = "standard"
	ComplexityAdvanced = "advanced"
)

// DefaultBaseRate is the platform base rate in credits per hour.
const DefaultBaseRate = 20

// EscrowFeePct is the escrow fee in percent of the session cost.
const EscrowFeePct = 5

func multiplier(complexity string) float64 {
	switch complexity {
	case ComplexityStandard:
		return 1.3
	case ComplexityAdvanced:
		return 1.6
	default:
		return 1.0
	}
}

// SessionCost returns round(rate × hours × multiplier) in whole credits.
func SessionCost(baseRatePerHour, durationMins int, complexity string) int {
	hours := float64(durationMins) / 60
	return int(math.Round(float64(baseRatePerHour) * hours * multiplier(complexity)))
}

// EscrowFee returns round(cost × 5%) in whole credits.
func EscrowFee(cost int) int {
	return int(math.Round(float64(cost) * float64(EscrowFeePct) / 100))
}

// HoldTotal is the session cost plus the escrow fee: the amount a hold must
// cover for the session.
func HoldTotal(baseRatePerHour, durationMins int, complexity string) int {
	cost := SessionCost(baseRatePerHour, durationMins, complexity)
	return cost + EscrowFee(cost)
}
