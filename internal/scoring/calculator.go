// Package scoring turns classifier verdicts into graded fraud assessments.
package scoring

import (
	"math"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

// Fixed two-point probability mapping. Classifiers only report a verdict,
// not a confidence.
const (
	ProbabilityLegit = 0.25
	ProbabilityFraud = 0.75
)

// Risk tier lower bounds. The top tier is closed at 100.
const (
	mediumFloor   = 25
	highFloor     = 50
	criticalFloor = 75
)

// ToProbability maps a binary verdict onto a probability.
func ToProbability(rawPrediction int) float64 {
	if rawPrediction == 0 {
		return ProbabilityLegit
	}
	return ProbabilityFraud
}

// ToScore returns floor(p*100) clamped to [0,100].
func ToScore(probability float64) int {
	if math.IsNaN(probability) {
		return 0
	}
	s := math.Floor(probability * 100)
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return int(s)
}

// ToRiskTier buckets a score: [0,25) LOW, [25,50) MEDIUM, [50,75) HIGH,
// [75,100] CRITICAL.
func ToRiskTier(score int) domain.RiskTier {
	switch {
	case score < mediumFloor:
		return domain.RiskLow
	case score < highFloor:
		return domain.RiskMedium
	case score < criticalFloor:
		return domain.RiskHigh
	default:
		return domain.RiskCritical
	}
}
