package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nexara/internal/detection"
	"nexara/internal/logger"
)

// Stats counts what a pipeline has processed
type Stats struct {
	Processed       uint64    `json:"processed"`
	Confirmed       uint64    `json:"confirmed"`
	LastConfirmedAt time.Time `json:"lastConfirmedAt"`
	LastTrend       Trend     `json:"lastTrend"`
}

// DetectionPipeline turns raw inference results into processed detections
// for a single session: calibrate, feed consensus, then smooth.
type DetectionPipeline struct {
	mu         sync.Mutex
	calibrator Calibrator
	consensus  *ConsensusValidator
	smoother   *TemporalSmoother
	now        Clock
	stats      Stats
	log        zerolog.Logger
}

// Option customises a DetectionPipeline
type Option func(*DetectionPipeline)

// WithClock replaces time.Now for history timestamps
func WithClock(now Clock) Option {
	return func(p *DetectionPipeline) { p.now = now }
}

// New creates a pipeline with the given configuration
func New(config Config, opts ...Option) *DetectionPipeline {
	p := &DetectionPipeline{
		consensus: NewConsensusValidator(),
		now:       time.Now,
		log:       logger.Component("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.smoother = NewTemporalSmoother(config, p.now)
	return p
}

// Process runs one result through the pipeline. An empty modelType is
// treated as legacy; an empty modelID skips the consensus validator.
func (p *DetectionPipeline) Process(r detection.Result, modelType detection.ModelType, modelID string) *ProcessedDetection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if modelType == "" {
		modelType = detection.ModelLegacy
	}

	calibrated := r
	calibrated.ViolenceProbability = p.calibrator.Calibrate(r.ViolenceProbability, modelType)

	if modelID != "" && p.smoother.Config().ConsensusEnabled {
		p.consensus.Add(modelID, calibrated)
	}

	out := p.smoother.Process(calibrated)
	out.ConfidenceLevel = p.calibrator.Level(out.ViolenceProbability)
	out.ModelType = modelType
	out.ModelID = modelID

	p.stats.Processed++
	p.stats.LastTrend = out.Trend
	if out.IsConfirmed {
		p.stats.Confirmed++
		p.stats.LastConfirmedAt = p.now()
		p.log.Info().
			Str("camera", out.CameraID).
			Float64("average", out.AverageConfidence).
			Int("confirmations", out.Confirmations).
			Str("trend", string(out.Trend)).
			Msg("violence confirmed")
	} else {
		p.log.Debug().
			Float64("raw", r.ViolenceProbability).
			Float64("calibrated", calibrated.ViolenceProbability).
			Int("frames", out.FrameCount).
			Msg("detection processed")
	}
	return out
}

// Reset clears the history and every model's consensus results
func (p *DetectionPipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.smoother.Reset()
	p.consensus.Clear()
}

// UpdateConfig merges u into the smoother configuration
func (p *DetectionPipeline) UpdateConfig(u ConfigUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.smoother.Config().TemporalWindow
	p.smoother.UpdateConfig(u)
	if after := p.smoother.Config().TemporalWindow; after != before {
		p.log.Info().Dur("from", before).Dur("to", after).Msg("temporal window changed, history discarded")
	}
}

func (p *DetectionPipeline) Config() Config {
	return p.smoother.Config()
}

// Consensus reports the multi-model agreement, if any
func (p *DetectionPipeline) Consensus() (Consensus, bool) {
	return p.consensus.Consensus()
}

// HasAgreement reports whether the models agree at the given threshold
func (p *DetectionPipeline) HasAgreement(threshold float64) bool {
	return p.consensus.HasAgreement(threshold)
}

// Stats returns a copy of the counters
func (p *DetectionPipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
