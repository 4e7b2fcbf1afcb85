package pipeline

import (
	"math"

	"nexara/internal/detection"
)

// Confidence levels reported alongside a calibrated probability
const (
	LevelVeryLow  = "very-low"
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelVeryHigh = "very-high"
)

// Calibrator maps raw model output onto a comparable probability scale.
// Older model families are overconfident, so legacy output is squashed
// through a logistic centred at 0.5 and capped below 0.9.
type Calibrator struct{}

// Calibrate returns the calibrated probability for raw in [0,1]
func (Calibrator) Calibrate(raw float64, modelType detection.ModelType) float64 {
	switch modelType {
	case detection.ModelLegacy:
		return clamp01(0.9 / (1 + math.Exp(-10*(raw-0.5))))
	case detection.ModelExperimental:
		return raw * 0.95
	default:
		return raw
	}
}

// Level buckets a calibrated probability
func (Calibrator) Level(p float64) string {
	switch {
	case p < 0.2:
		return LevelVeryLow
	case p < 0.4:
		return LevelLow
	case p < 0.7:
		return LevelMedium
	case p < 0.9:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
