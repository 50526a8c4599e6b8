// Package ensemble combines the tabular and image model outputs into a
// single risk classification. All functions are pure and safe for
// concurrent use.
package ensemble

import "math"

// RiskLevel is the discretized stroke-risk bucket.
type RiskLevel string

const (
	Low    RiskLevel = "Low"
	Medium RiskLevel = "Medium"
	High   RiskLevel = "High"
)

// Levels lists all risk buckets in ascending severity.
var Levels = []RiskLevel{Low, Medium, High}

// Bucket thresholds on the ensemble probability. Lower bound inclusive,
// upper exclusive, except the top bucket which is closed at 1.0.
const (
	MediumThreshold = 0.34
	HighThreshold   = 0.67
)

// ImageSignal is the image model's contribution: a scalar probability
// plus the finer-grained classification used for staging at high risk.
type ImageSignal struct {
	Probability float64
	Stage       string
}

// Outcome is the combined classification for one prediction.
type Outcome struct {
	Probability float64   // ensemble probability in [0,1]
	RiskLevel   RiskLevel // bucket of Probability
	Stage       *string   // non-nil only at High risk with image input
	Confidence  float64   // distance of Probability from the nearest bucket boundary, scaled to [0,1]
}

// Combine merges the tabular model probability with an optional image
// signal. A nil signal means the image model did not participate and
// the full weight stays on the tabular model; otherwise both models
// contribute equally.
func Combine(ml float64, img *ImageSignal) Outcome {
	p := clamp01(ml)
	if img != nil {
		p = clamp01(0.5*ml + 0.5*img.Probability)
	}

	level := Classify(p)

	var stage *string
	if level == High && img != nil && img.Stage != "" {
		s := img.Stage
		stage = &s
	}

	return Outcome{
		Probability: p,
		RiskLevel:   level,
		Stage:       stage,
		Confidence:  Confidence(p),
	}
}

// Classify maps an ensemble probability to its risk bucket.
func Classify(p float64) RiskLevel {
	switch {
	case p < MediumThreshold:
		return Low
	case p < HighThreshold:
		return Medium
	default:
		return High
	}
}

// Confidence reports how far p sits from the nearest bucket boundary,
// scaled so that bucket midpoints score 1 and the thresholds score 0.
// It decreases monotonically as p approaches any boundary.
func Confidence(p float64) float64 {
	p = clamp01(p)

	lo, hi := bucketBounds(p)
	mid := (lo + hi) / 2
	half := (hi - lo) / 2

	return clamp01(1 - math.Abs(p-mid)/half)
}

func bucketBounds(p float64) (lo, hi float64) {
	switch Classify(p) {
	case Low:
		return 0, MediumThreshold
	case Medium:
		return MediumThreshold, HighThreshold
	default:
		return HighThreshold, 1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
