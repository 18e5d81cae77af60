package types

import "math"

// decayFactor computes the canonical half-life exponential decay used
// throughout the system (edge confidence decay, salience recency, quality
// freshness — spec.md §4.7/§4.9/§4.10): exp(−ln2 × age / halfLife), with
// age and halfLife in the same unit (days).
func decayFactor(age, halfLife float64) float64 {
	if halfLife <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age / halfLife)
}

// Clamp01 clamps x to the closed interval [0, 1].
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
