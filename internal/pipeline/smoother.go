package pipeline

import (
	"sync"

	"nexara/internal/detection"
)

// TemporalSmoother decides confirmation from the windowed history
type TemporalSmoother struct {
	mu      sync.Mutex
	config  Config
	now     Clock
	history *History
}

// NewTemporalSmoother creates a smoother; a nil clock uses time.Now
func NewTemporalSmoother(config Config, now Clock) *TemporalSmoother {
	return &TemporalSmoother{
		config:  config,
		now:     now,
		history: NewHistory(config.TemporalWindow, now),
	}
}

// Process adds r to the history and evaluates the window. Confirmation always
// uses the windowed average; the reported probability is the average only
// while smoothing is enabled.
func (s *TemporalSmoother) Process(r detection.Result) *ProcessedDetection {
	s.mu.Lock()
	cfg := s.config
	history := s.history
	s.mu.Unlock()

	history.Add(r)
	recent := history.Recent()

	avg := mean(recent)
	confirmations := 0
	for _, e := range recent {
		if e.ViolenceProbability >= cfg.ConfidenceThreshold {
			confirmations++
		}
	}

	out := &ProcessedDetection{
		Result:            r,
		FrameCount:        len(recent),
		AverageConfidence: avg,
		Confirmations:     confirmations,
		Trend:             trendOf(recent),
		IsConfirmed:       confirmations >= cfg.MinimumConfirmations && avg >= cfg.ConfidenceThreshold,
	}
	if cfg.SmoothingEnabled {
		out.ViolenceProbability = avg
	}
	return out
}

// UpdateConfig merges u. A new window discards the history.
func (s *TemporalSmoother) UpdateConfig(u ConfigUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.apply(&s.config) {
		s.history = NewHistory(s.config.TemporalWindow, s.now)
	}
}

func (s *TemporalSmoother) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *TemporalSmoother) Reset() {
	s.mu.Lock()
	history := s.history
	s.mu.Unlock()
	history.Clear()
}
