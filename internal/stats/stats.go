// Package stats holds the small reporting helpers used when tabulating
// test results.
package stats

import "math"

// Significance labels, from most to least significant.
const (
	ThreeStars = "***"
	TwoStars   = "**"
	OneStar    = "*"
	NotSig     = "ns"
)

// Star maps a p-value to its significance label. Boundaries are strict:
// Star(0.001) is "**" and Star(0.05) is "ns". NaN yields "ns".
func Star(p float64) string {
	switch {
	case math.IsNaN(p):
		return NotSig
	case p < 0.001:
		return ThreeStars
	case p < 0.01:
		return TwoStars
	case p < 0.05:
		return OneStar
	default:
		return NotSig
	}
}
