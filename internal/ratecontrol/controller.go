// Package ratecontrol adapts the capture rate to the amount of motion in
// the scene.
package ratecontrol

import (
	"math"
	"sync"
	"time"

	"nexara/internal/frame"
	"nexara/internal/motion"
)

const (
	defaultFPS         = 2.0
	defaultHistorySize = 10
)

// Options configures a Controller
type Options struct {
	MinFPS      float64
	MaxFPS      float64
	Enabled     bool
	HistorySize int
	Motion      motion.Options
}

// DefaultOptions returns [1, 5] FPS, enabled, 10-entry history
func DefaultOptions() Options {
	return Options{
		MinFPS:      1,
		MaxFPS:      5,
		Enabled:     true,
		HistorySize: defaultHistorySize,
		Motion:      motion.DefaultOptions(),
	}
}

// Controller maps a rolling mean of motion scores to a target capture FPS.
// The capture loop must re-read FrameInterval after every UpdateMotion.
type Controller struct {
	opts Options

	mu      sync.RWMutex
	history []float64
	fps     float64
	level   motion.Level
	last    motion.Analysis
}

// New creates a controller starting at 2 FPS / medium
func New(opts Options) *Controller {
	def := DefaultOptions()
	if opts.MinFPS <= 0 {
		opts.MinFPS = def.MinFPS
	}
	if opts.MaxFPS <= 0 {
		opts.MaxFPS = def.MaxFPS
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	if opts.Motion.Threshold == 0 && opts.Motion.MinChangedRatio == 0 {
		opts.Motion = def.Motion
	}

	return &Controller{
		opts:    opts,
		history: make([]float64, 0, opts.HistorySize),
		fps:     defaultFPS,
		level:   motion.LevelMedium,
	}
}

// UpdateMotion ingests a frame pair. It does nothing when previous is nil or
// the controller is disabled. Mismatched frames are returned as errors and
// leave the state untouched.
func (c *Controller) UpdateMotion(current, previous *frame.Frame) (motion.Analysis, bool, error) {
	if previous == nil || !c.opts.Enabled {
		return motion.Analysis{}, false, nil
	}

	a, err := motion.DetectMotionWithOptions(current, previous, c.opts.Motion)
	if err != nil {
		return motion.Analysis{}, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == c.opts.HistorySize {
		copy(c.history, c.history[1:])
		c.history = c.history[:len(c.history)-1]
	}
	c.history = append(c.history, a.Score)

	c.level = motion.LevelFor(c.meanLocked())
	c.fps = c.clamp(motion.TargetFPS(c.level))
	c.last = a
	return a, true, nil
}

// FrameInterval is round(1000 / fps) milliseconds
func (c *Controller) FrameInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(math.Round(1000/c.fps)) * time.Millisecond
}

// CurrentFPS returns the target capture rate
func (c *Controller) CurrentFPS() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fps
}

// MotionLevel is the level of the mean motion score
func (c *Controller) MotionLevel() motion.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// MotionScore is the mean of the score history
func (c *Controller) MotionScore() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meanLocked()
}

// LastAnalysis returns the most recent frame-pair analysis
func (c *Controller) LastAnalysis() motion.Analysis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Enabled reports whether UpdateMotion has any effect
func (c *Controller) Enabled() bool {
	return c.opts.Enabled
}

// Reset clears history and returns to 2 FPS / medium
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
	c.fps = defaultFPS
	c.level = motion.LevelMedium
	c.last = motion.Analysis{}
}

func (c *Controller) meanLocked() float64 {
	if len(c.history) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.history {
		sum += s
	}
	return sum / float64(len(c.history))
}

func (c *Controller) clamp(fps float64) float64 {
	return math.Max(c.opts.MinFPS, math.Min(c.opts.MaxFPS, fps))
}
