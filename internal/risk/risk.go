// Package risk aggregates per-factor evaluator output into one composite score
// and maps scores onto decisions and alert severities.
package risk

import (
	"math"

	"attendguard/internal/model"
)

// Default decision parameters.
const (
	DefaultThreshold  = 70
	DefaultReviewBand = 20
	MaxScore          = 100
)

// Weights are the per-factor multipliers applied to sub-scores. Photo carries
// no weight; it only ever contributes through a hard fail.
type Weights struct {
	Location float64 `yaml:"location"`
	Device   float64 `yaml:"device"`
	Time     float64 `yaml:"time"`
	Behavior float64 `yaml:"behavior"`
}

// DefaultWeights returns location 40%, device 30%, time 20%, behavior 10%.
func DefaultWeights() Weights {
	return Weights{Location: 0.4, Device: 0.3, Time: 0.2, Behavior: 0.1}
}

// Of returns the weight for f.
func (w Weights) Of(f model.Factor) float64 {
	switch f {
	case model.FactorLocation:
		return w.Location
	case model.FactorDevice:
		return w.Device
	case model.FactorTime:
		return w.Time
	case model.FactorBehavior:
		return w.Behavior
	default:
		return 0
	}
}

// Valid reports whether every weight is finite and non-negative.
func (w Weights) Valid() bool {
	for _, v := range []float64{w.Location, w.Device, w.Time, w.Behavior} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Score is the aggregated outcome of one attempt.
type Score struct {
	Composite int
	HardFail  bool
}

// Aggregate combines the results of required factors. Callers pass only the
// factors the policy requires; anything else must be left out rather than
// scored as zero. A single hard fail pins the composite to MaxScore.
func Aggregate(results []model.FactorResult, w Weights) Score {
	var sum float64
	for _, r := range results {
		if r.HardFail {
			return Score{Composite: MaxScore, HardFail: true}
		}
		sum += w.Of(r.Factor) * float64(clamp(r.Score))
	}
	return Score{Composite: clamp(int(math.Round(sum)))}
}

// Decide maps a composite score onto a decision. Boundaries resolve to the
// stricter outcome.
func Decide(score, threshold int) model.Decision {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	switch {
	case score >= threshold:
		return model.DecisionReject
	case score >= threshold-DefaultReviewBand:
		return model.DecisionPending
	default:
		return model.DecisionAccept
	}
}

// SeverityFor maps a composite score onto an alert severity.
func SeverityFor(score int) model.Severity {
	switch {
	case score >= 90:
		return model.SeverityCritical
	case score >= 80:
		return model.SeverityHigh
	case score >= 70:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}
