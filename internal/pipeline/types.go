package pipeline

import (
	"encoding/json"
	"time"

	"nexara/internal/detection"
)

// Trend compares the first and second half of the windowed history
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// ProcessedDetection is a result after calibration and temporal smoothing
type ProcessedDetection struct {
	detection.Result
	IsConfirmed       bool                `json:"isConfirmed"`
	FrameCount        int                 `json:"frameCount"`
	AverageConfidence float64             `json:"averageConfidence"`
	Confirmations     int                 `json:"confirmations"`
	Trend             Trend               `json:"trend"`
	ConfidenceLevel   string              `json:"confidenceLevel"`
	ModelType         detection.ModelType `json:"modelType,omitempty"`
	ModelID           string              `json:"modelId,omitempty"`
}

// Config of the temporal smoother
type Config struct {
	TemporalWindow       time.Duration `json:"-"`
	ConfidenceThreshold  float64       `json:"confidence_threshold"`
	MinimumConfirmations int           `json:"minimum_confirmations"`
	SmoothingEnabled     bool          `json:"smoothing_enabled"`
	ConsensusEnabled     bool          `json:"consensus_enabled"`
}

// MarshalJSON renders the window in milliseconds, the unit PATCH
// /api/pipeline accepts
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(struct {
		TemporalWindowMs int64 `json:"temporal_window_ms"`
		plain
	}{c.TemporalWindow.Milliseconds(), plain(c)})
}

// DefaultConfig returns a 3s window, 0.85 threshold and 3 confirmations
func DefaultConfig() Config {
	return Config{
		TemporalWindow:       3 * time.Second,
		ConfidenceThreshold:  0.85,
		MinimumConfirmations: 3,
		SmoothingEnabled:     true,
		ConsensusEnabled:     true,
	}
}

// ConfigUpdate is a partial Config; nil fields are left unchanged
type ConfigUpdate struct {
	TemporalWindow       *time.Duration
	ConfidenceThreshold  *float64
	MinimumConfirmations *int
	SmoothingEnabled     *bool
	ConsensusEnabled     *bool
}

// apply merges u into c and reports whether the window changed
func (u ConfigUpdate) apply(c *Config) (windowChanged bool) {
	if u.TemporalWindow != nil {
		windowChanged = *u.TemporalWindow != c.TemporalWindow
		c.TemporalWindow = *u.TemporalWindow
	}
	if u.ConfidenceThreshold != nil {
		c.ConfidenceThreshold = *u.ConfidenceThreshold
	}
	if u.MinimumConfirmations != nil {
		c.MinimumConfirmations = *u.MinimumConfirmations
	}
	if u.SmoothingEnabled != nil {
		c.SmoothingEnabled = *u.SmoothingEnabled
	}
	if u.ConsensusEnabled != nil {
		c.ConsensusEnabled = *u.ConsensusEnabled
	}
	return windowChanged
}

// Clock returns the current time; tests substitute a fake
type Clock func() time.Time
