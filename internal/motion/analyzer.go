package motion

import (
	"fmt"

	"nexara/internal/frame"
)

// Level is the discrete motion class derived from a motion score
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

const (
	DefaultThreshold       = 30.0
	DefaultMinChangedRatio = 0.01

	mediumScore = 0.05
	highScore   = 0.15
)

// BoundingBox represents the area that contained changed pixels
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Analysis is the result of comparing two consecutive frames
type Analysis struct {
	Level                Level       `json:"motion_level"`
	Score                float64     `json:"motion_score"`
	HasSignificantMotion bool        `json:"has_significant_motion"`
	ChangeRatio          float64     `json:"change_ratio"`
	Region               BoundingBox `json:"region"`
}

// Options tunes DetectMotionWithOptions
type Options struct {
	// Threshold is the per-pixel mean channel difference (0-255) above which
	// a pixel counts as changed.
	Threshold float64
	// MinChangedRatio is the fraction of changed pixels needed for
	// HasSignificantMotion.
	MinChangedRatio float64
}

// DefaultOptions returns threshold 30 and a 1% changed-pixel ratio
func DefaultOptions() Options {
	return Options{Threshold: DefaultThreshold, MinChangedRatio: DefaultMinChangedRatio}
}

// LevelFor partitions the score space: [0,0.05) low, [0.05,0.15) medium, else high
func LevelFor(score float64) Level {
	switch {
	case score < mediumScore:
		return LevelLow
	case score < highScore:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// DetectMotion compares two frames with the default options
func DetectMotion(current, previous *frame.Frame) (Analysis, error) {
	return DetectMotionWithOptions(current, previous, DefaultOptions())
}

// DetectMotionWithOptions compares every pixel of current against previous.
// Alpha is ignored. Frames of different size yield frame.ErrDimensionMismatch.
func DetectMotionWithOptions(current, previous *frame.Frame, opts Options) (Analysis, error) {
	if err := frame.CheckPair(current, previous); err != nil {
		return Analysis{}, fmt.Errorf("detect motion: %w", err)
	}

	width, height := current.Width, current.Height
	cur, prev := current.Pix, previous.Pix

	var changed int
	var totalDiff float64
	minX, minY := width, height
	maxX, maxY := -1, -1

	for y := 0; y < height; y++ {
		row := y * width * 4
		for x := 0; x < width; x++ {
			i := row + x*4
			dr := absDiff(cur[i], prev[i])
			dg := absDiff(cur[i+1], prev[i+1])
			db := absDiff(cur[i+2], prev[i+2])
			diff := float64(dr+dg+db) / 3

			totalDiff += diff
			if diff > opts.Threshold {
				changed++
				if x < minX {
					minX = x
				}
				if x > maxX {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}

	total := float64(width * height)
	score := clamp01(totalDiff / total / 255)
	ratio := float64(changed) / total

	a := Analysis{
		Level:                LevelFor(score),
		Score:                score,
		HasSignificantMotion: ratio >= opts.MinChangedRatio,
		ChangeRatio:          ratio,
	}
	if changed > 0 {
		a.Region = BoundingBox{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}
	}
	return a, nil
}

// AdaptiveQuality scales the base encode quality by motion level:
// high motion gets up to 20% more detail, low motion 30% less.
func AdaptiveQuality(base float64, level Level) float64 {
	switch level {
	case LevelHigh:
		if q := base * 1.2; q < 1 {
			return q
		}
		return 1
	case LevelLow:
		return base * 0.7
	default:
		return base
	}
}

// TargetFPS maps a motion level onto a capture rate
func TargetFPS(level Level) float64 {
	switch level {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2.5
	case LevelHigh:
		return 5
	default:
		return 2
	}
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
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
