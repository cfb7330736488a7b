// Package confidence assigns a normalized [0,1] score to candidate detections.
package confidence

import (
	"time"

	"github.com/shopspring/decimal"

	"walletscope/internal/domain"
)

// Method priors: a matched transfer is stronger evidence than a recognized
// pattern, which is stronger than a bare balance delta.
var methodPriors = map[domain.DetectionMethod]float64{
	domain.MethodTransferMatch: 1.0,
	domain.MethodPatternMatch:  0.9,
	domain.MethodBalanceDelta:  0.75,
}

const (
	// maxTimeDecay is how much of the score time proximity can take away
	// when the observation sits at the far edge of its window.
	maxTimeDecay = 0.3
	// incompletePenalty multiplies the score when any contributing delta
	// had an incomplete sample window.
	incompletePenalty = 0.8
)

// Input carries everything the scorer combines for one candidate.
type Input struct {
	Method domain.DetectionMethod
	// AmountError is the relative mismatch between expected and observed
	// amounts; zero for plain balance deltas.
	AmountError decimal.Decimal
	// Elapsed and Window describe time proximity: how far into the
	// applicable window the evidence arrived. Zero Window skips the decay.
	Elapsed time.Duration
	Window  time.Duration
	// Incomplete is true when any contributing delta was flagged incomplete.
	Incomplete bool
}

// Scorer combines match quality, timing, method prior and completeness into
// a single score. It is stateless.
type Scorer struct{}

// NewScorer returns a Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score is monotonically non-increasing in amount error and elapsed time,
// holding the other factors fixed.
func (s *Scorer) Score(in Input) float64 {
	prior, ok := methodPriors[in.Method]
	if !ok {
		prior = methodPriors[domain.MethodBalanceDelta]
	}

	amountQuality := 1.0 - toFloat(in.AmountError)
	if amountQuality < 0 {
		amountQuality = 0
	}

	score := prior * amountQuality * timeProximity(in.Elapsed, in.Window)
	if in.Incomplete {
		score *= incompletePenalty
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// timeProximity decays linearly from 1 down to 1-maxTimeDecay as the
// elapsed time approaches the window.
func timeProximity(elapsed, window time.Duration) float64 {
	if window <= 0 || elapsed <= 0 {
		return 1.0
	}
	ratio := float64(elapsed) / float64(window)
	if ratio > 1 {
		ratio = 1
	}
	return 1.0 - maxTimeDecay*ratio
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
