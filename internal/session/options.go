package session

import (
	"time"

	"nexara/internal/config"
	"nexara/internal/detection"
	"nexara/internal/motion"
	"nexara/internal/pipeline"
	"nexara/internal/ratecontrol"
)

// Options for a Monitor. Zero values take the defaults.
type Options struct {
	CameraID  string
	UserID    string
	ModelID   string
	ModelType detection.ModelType

	// TickHz is how often the source is polled; the rate controller decides
	// which of those frames are kept.
	TickHz      float64
	BatchSize   int
	BatchStride int

	AnalysisWidth  int
	AnalysisHeight int
	EdgeMaps       bool
	EdgeLow        float64
	EdgeHigh       float64

	EncodeWidth     int
	EncodeHeight    int
	Quality         float64
	AdaptiveQuality bool

	Rate     ratecontrol.Options
	Pipeline pipeline.Config

	// DrainTimeout is how long a finished source waits for late results
	DrainTimeout time.Duration
	Clock        pipeline.Clock
}

// DefaultOptions polls at 30 Hz and sends 20-frame batches with a stride of 10
func DefaultOptions() Options {
	return Options{
		CameraID:        "camera-1",
		ModelID:         detection.DefaultModelID,
		ModelType:       detection.ModelLegacy,
		TickHz:          30,
		BatchSize:       20,
		BatchStride:     10,
		AnalysisWidth:   160,
		AnalysisHeight:  120,
		EdgeLow:         motion.DefaultEdgeLow,
		EdgeHigh:        motion.DefaultEdgeHigh,
		EncodeWidth:     224,
		EncodeHeight:    224,
		Quality:         0.8,
		AdaptiveQuality: true,
		Rate:            ratecontrol.DefaultOptions(),
		Pipeline:        pipeline.DefaultConfig(),
		DrainTimeout:    5 * time.Second,
		Clock:           time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.CameraID == "" {
		o.CameraID = def.CameraID
	}
	if o.ModelType == "" {
		o.ModelType = detection.ActiveModel(o.ModelID).Type
	}
	if o.TickHz <= 0 {
		o.TickHz = def.TickHz
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.BatchStride <= 0 || o.BatchStride > o.BatchSize {
		o.BatchStride = o.BatchSize
	}
	if o.AnalysisWidth <= 0 || o.AnalysisHeight <= 0 {
		o.AnalysisWidth, o.AnalysisHeight = def.AnalysisWidth, def.AnalysisHeight
	}
	if o.EdgeLow == 0 && o.EdgeHigh == 0 {
		o.EdgeLow, o.EdgeHigh = def.EdgeLow, def.EdgeHigh
	}
	if o.EncodeWidth <= 0 || o.EncodeHeight <= 0 {
		o.EncodeWidth, o.EncodeHeight = def.EncodeWidth, def.EncodeHeight
	}
	if o.Quality <= 0 || o.Quality > 1 {
		o.Quality = def.Quality
	}
	if o.Rate == (ratecontrol.Options{}) {
		o.Rate = def.Rate
	}
	if o.Pipeline.TemporalWindow <= 0 {
		o.Pipeline = def.Pipeline
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = def.DrainTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// OptionsFromConfig maps a validated config onto session options
func OptionsFromConfig(c *config.Config) Options {
	o := DefaultOptions()
	o.CameraID = c.Session.CameraID
	o.UserID = c.Session.UserID
	o.ModelID = c.Session.ModelID
	o.ModelType = detection.ModelType(c.Session.ModelType)

	o.TickHz = c.Capture.TickHz
	o.BatchSize = c.Capture.BatchSize
	o.BatchStride = c.Capture.BatchStride
	o.EdgeMaps = c.Capture.EdgeMaps

	o.AnalysisWidth = c.Motion.AnalysisWidth
	o.AnalysisHeight = c.Motion.AnalysisHeight
	o.EdgeLow = c.Motion.EdgeLow
	o.EdgeHigh = c.Motion.EdgeHigh

	o.EncodeWidth = c.Encoder.Width
	o.EncodeHeight = c.Encoder.Height
	o.Quality = c.Encoder.Quality
	o.AdaptiveQuality = config.Enabled(c.Rate.AdaptiveQuality, true)

	o.Rate = ratecontrol.Options{
		MinFPS:      c.Rate.MinFPS,
		MaxFPS:      c.Rate.MaxFPS,
		Enabled:     config.Enabled(c.Rate.Enabled, true),
		HistorySize: ratecontrol.DefaultOptions().HistorySize,
		Motion: motion.Options{
			Threshold:       c.Motion.Threshold,
			MinChangedRatio: c.Motion.MinChangedRatio,
		},
	}
	o.Pipeline = pipeline.Config{
		TemporalWindow:       c.Pipeline.TemporalWindow,
		ConfidenceThreshold:  c.Pipeline.ConfidenceThreshold,
		MinimumConfirmations: c.Pipeline.MinimumConfirmations,
		SmoothingEnabled:     config.Enabled(c.Pipeline.SmoothingEnabled, true),
		ConsensusEnabled:     config.Enabled(c.Pipeline.ConsensusEnabled, true),
	}
	return o
}
