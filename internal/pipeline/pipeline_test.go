package pipeline

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexara/internal/detection"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func result(p float64) detection.Result {
	return detection.Result{ViolenceProbability: p, Confidence: p, CameraID: "cam-1"}
}

func TestHistoryWindow(t *testing.T) {
	clock := newFakeClock()
	h := NewHistory(time.Second, clock.Now)

	for i := 0; i < 20; i++ {
		h.Add(result(float64(i) / 20))
		clock.Advance(150 * time.Millisecond)
	}

	// 20 entries spaced 150ms; now is 3000ms after the first
	recent := h.Recent()
	require.NotEmpty(t, recent)
	assert.Len(t, recent, 6)
	assert.Equal(t, 14.0/20, recent[0].ViolenceProbability)
	assert.Equal(t, 19.0/20, recent[len(recent)-1].ViolenceProbability)

	clock.Advance(10 * time.Second)
	assert.Empty(t, h.Recent())
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0.0, h.Average())
}

func TestHistoryWindowBoundaryIsInclusive(t *testing.T) {
	clock := newFakeClock()
	h := NewHistory(time.Second, clock.Now)

	h.Add(result(0.5))
	clock.Advance(time.Second)
	assert.Equal(t, 1, h.Len())

	clock.Advance(time.Millisecond)
	assert.Equal(t, 0, h.Len())
}

func TestHistoryStats(t *testing.T) {
	h := NewHistory(time.Minute, nil)
	for _, p := range []float64{0.1, 0.9, 0.95, 0.2} {
		h.Add(result(p))
	}

	assert.InDelta(t, 0.5375, h.Average(), 1e-9)
	assert.Equal(t, 2, h.CountAbove(0.9))
	assert.Equal(t, TrendIncreasing, h.Trend())

	h.Clear()
	assert.Equal(t, 0, h.Len())
}

func TestTrend(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Trend
	}{
		{"empty", nil, TrendStable},
		{"two entries", []float64{0.1, 0.9}, TrendStable},
		{"increasing", []float64{0.1, 0.2, 0.8}, TrendIncreasing},
		{"decreasing", []float64{0.9, 0.8, 0.2, 0.1}, TrendDecreasing},
		{"below tolerance", []float64{0.5, 0.52, 0.53, 0.54}, TrendStable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]detection.Result, len(tt.values))
			for i, v := range tt.values {
				results[i] = result(v)
			}
			assert.Equal(t, tt.want, trendOf(results))
		})
	}
}

func TestCalibrate(t *testing.T) {
	var c Calibrator

	for x := 0.0; x <= 1.0; x += 0.01 {
		assert.Equal(t, x, c.Calibrate(x, detection.ModelModern))
		assert.Equal(t, x, c.Calibrate(x, detection.ModelType("unknown")))
		assert.InDelta(t, 0.95*x, c.Calibrate(x, detection.ModelExperimental), 1e-12)

		legacy := c.Calibrate(x, detection.ModelLegacy)
		assert.LessOrEqual(t, legacy, 0.9)
		assert.GreaterOrEqual(t, legacy, 0.0)
	}

	assert.InDelta(t, 0.45, c.Calibrate(0.5, detection.ModelLegacy), 1e-12)
	assert.Less(t, c.Calibrate(0.2, detection.ModelLegacy), c.Calibrate(0.8, detection.ModelLegacy))
}

func TestCalibratorLevel(t *testing.T) {
	var c Calibrator
	assert.Equal(t, LevelVeryLow, c.Level(0.1))
	assert.Equal(t, LevelLow, c.Level(0.2))
	assert.Equal(t, LevelMedium, c.Level(0.4))
	assert.Equal(t, LevelHigh, c.Level(0.7))
	assert.Equal(t, LevelVeryHigh, c.Level(0.9))
}

func TestConsensus(t *testing.T) {
	v := NewConsensusValidator()

	_, ok := v.Consensus()
	assert.False(t, ok)

	v.Add("a", result(0.8))
	_, ok = v.Consensus()
	assert.False(t, ok, "a single model has no consensus")
	assert.False(t, v.HasAgreement(DefaultAgreementThreshold))

	v.Add("a", result(0.9))
	v.Add("b", result(0.7))
	c, ok := v.Consensus()
	require.True(t, ok)
	assert.Equal(t, 2, c.ModelCount)
	assert.InDelta(t, 0.8, c.ViolenceProbability, 1e-9)
	// latest values 0.9 and 0.7, stddev 0.1
	assert.InDelta(t, 0.8, c.Agreement, 1e-9)
	assert.True(t, v.HasAgreement(DefaultAgreementThreshold))
	assert.False(t, v.HasAgreement(0.9))

	v.Add("c", result(0.0))
	c, _ = v.Consensus()
	assert.Equal(t, 3, c.ModelCount)
	assert.GreaterOrEqual(t, c.Agreement, 0.0)

	v.Clear()
	_, ok = v.Consensus()
	assert.False(t, ok)
}

func TestConsensusKeepsLastTenPerModel(t *testing.T) {
	v := NewConsensusValidator()
	for i := 0; i < 25; i++ {
		v.Add("a", result(float64(i)/100))
	}
	assert.Len(t, v.results["a"], 10)
	assert.Equal(t, 0.24, v.results["a"][9].ViolenceProbability)
}

func TestConfirmationRequiresBothConditions(t *testing.T) {
	t.Run("high average without enough confirmations", func(t *testing.T) {
		p := New(Config{
			TemporalWindow:       time.Minute,
			ConfidenceThreshold:  0.5,
			MinimumConfirmations: 3,
			SmoothingEnabled:     true,
		})
		var out *ProcessedDetection
		for _, v := range []float64{0.45, 0.45, 1.0, 0.45} {
			out = p.Process(result(v), detection.ModelModern, "")
		}
		assert.GreaterOrEqual(t, out.AverageConfidence, 0.5)
		assert.Equal(t, 1, out.Confirmations)
		assert.False(t, out.IsConfirmed)
	})

	t.Run("enough confirmations with low average", func(t *testing.T) {
		p := New(Config{
			TemporalWindow:       time.Minute,
			ConfidenceThreshold:  0.9,
			MinimumConfirmations: 3,
			SmoothingEnabled:     true,
		})
		var out *ProcessedDetection
		for _, v := range []float64{0.91, 0.92, 0.93, 0.0} {
			out = p.Process(result(v), detection.ModelModern, "")
		}
		assert.Equal(t, 3, out.Confirmations)
		assert.Less(t, out.AverageConfidence, 0.9)
		assert.False(t, out.IsConfirmed)
	})

	t.Run("both satisfied", func(t *testing.T) {
		p := New(Config{
			TemporalWindow:       time.Minute,
			ConfidenceThreshold:  0.9,
			MinimumConfirmations: 3,
		})
		var out *ProcessedDetection
		for _, v := range []float64{0.91, 0.92, 0.95} {
			out = p.Process(result(v), detection.ModelModern, "")
		}
		assert.True(t, out.IsConfirmed)
	})
}

func TestFirstResultAfterReset(t *testing.T) {
	p := New(DefaultConfig())
	p.Process(result(0.9), detection.ModelModern, "m1")
	p.Process(result(0.1), detection.ModelModern, "m2")
	p.Reset()

	_, ok := p.Consensus()
	assert.False(t, ok)

	out := p.Process(result(0.5), detection.ModelModern, "")
	assert.Equal(t, TrendStable, out.Trend)
	assert.Equal(t, 1, out.FrameCount)
}

func TestEscalatingScenario(t *testing.T) {
	clock := newFakeClock()
	p := New(Config{
		TemporalWindow:       time.Second,
		ConfidenceThreshold:  0.9,
		MinimumConfirmations: 3,
		SmoothingEnabled:     true,
	}, WithClock(clock.Now))

	var out *ProcessedDetection
	for i, v := range []float64{0.2, 0.3, 0.96, 0.97, 0.98} {
		if i > 0 {
			clock.Advance(200 * time.Millisecond)
		}
		out = p.Process(result(v), detection.ModelModern, "")
	}

	// all five arrive within 800ms and stay in the window
	assert.Equal(t, 5, out.FrameCount)
	assert.Equal(t, 3, out.Confirmations)
	assert.InDelta(t, 0.682, out.AverageConfidence, 1e-9)
	assert.Equal(t, TrendIncreasing, out.Trend)
	assert.False(t, out.IsConfirmed, "the two calm readings hold the average below threshold")

	// once the calm readings age out the window confirms
	clock.Advance(400 * time.Millisecond)
	out = p.Process(result(0.99), detection.ModelModern, "")
	assert.Equal(t, 5, out.FrameCount)
	assert.Equal(t, 4, out.Confirmations)
	assert.False(t, out.IsConfirmed)

	clock.Advance(200 * time.Millisecond)
	out = p.Process(result(0.99), detection.ModelModern, "")
	assert.Equal(t, 5, out.FrameCount)
	assert.InDelta(t, 0.978, out.AverageConfidence, 1e-9)
	assert.Equal(t, 5, out.Confirmations)
	assert.True(t, out.IsConfirmed)
	assert.Equal(t, uint64(1), p.Stats().Confirmed)
}

func TestSmoothingAsymmetry(t *testing.T) {
	cfg := Config{
		TemporalWindow:       time.Minute,
		ConfidenceThreshold:  0.5,
		MinimumConfirmations: 1,
		SmoothingEnabled:     true,
	}

	smoothed := New(cfg)
	smoothed.Process(result(0.2), detection.ModelModern, "")
	out := smoothed.Process(result(0.8), detection.ModelModern, "")
	assert.InDelta(t, 0.5, out.ViolenceProbability, 1e-9)
	assert.True(t, out.IsConfirmed)

	cfg.SmoothingEnabled = false
	raw := New(cfg)
	raw.Process(result(0.2), detection.ModelModern, "")
	out = raw.Process(result(0.8), detection.ModelModern, "")
	assert.Equal(t, 0.8, out.ViolenceProbability)
	assert.InDelta(t, 0.5, out.AverageConfidence, 1e-9)
	assert.True(t, out.IsConfirmed)
}

func TestProcessDefaultsToLegacyCalibration(t *testing.T) {
	p := New(Config{TemporalWindow: time.Minute, SmoothingEnabled: false, ConsensusEnabled: true})
	out := p.Process(result(0.5), "", "")
	assert.InDelta(t, 0.45, out.ViolenceProbability, 1e-12)
	assert.Equal(t, detection.ModelLegacy, out.ModelType)
	assert.Equal(t, LevelMedium, out.ConfidenceLevel)
}

func TestConsensusGatedByConfig(t *testing.T) {
	p := New(Config{TemporalWindow: time.Minute, ConsensusEnabled: false})
	p.Process(result(0.9), detection.ModelModern, "a")
	p.Process(result(0.8), detection.ModelModern, "b")
	_, ok := p.Consensus()
	assert.False(t, ok)

	enabled := true
	p.UpdateConfig(ConfigUpdate{ConsensusEnabled: &enabled})
	p.Process(result(0.9), detection.ModelModern, "a")
	p.Process(result(0.8), detection.ModelModern, "b")
	c, ok := p.Consensus()
	require.True(t, ok)
	assert.InDelta(t, 0.85, c.ViolenceProbability, 1e-9)
	assert.True(t, p.HasAgreement(DefaultAgreementThreshold))
}

func TestUpdateConfigWindowDiscardsHistory(t *testing.T) {
	p := New(DefaultConfig())
	p.Process(result(0.9), detection.ModelModern, "")
	p.Process(result(0.9), detection.ModelModern, "")

	threshold := 0.95
	p.UpdateConfig(ConfigUpdate{ConfidenceThreshold: &threshold})
	out := p.Process(result(0.9), detection.ModelModern, "")
	assert.Equal(t, 3, out.FrameCount, "threshold change keeps history")
	assert.Equal(t, 0.95, p.Config().ConfidenceThreshold)

	window := 5 * time.Second
	p.UpdateConfig(ConfigUpdate{TemporalWindow: &window})
	out = p.Process(result(0.9), detection.ModelModern, "")
	assert.Equal(t, 1, out.FrameCount, "window change discards history")
	assert.Equal(t, window, p.Config().TemporalWindow)

	p.UpdateConfig(ConfigUpdate{TemporalWindow: &window})
	out = p.Process(result(0.9), detection.ModelModern, "")
	assert.Equal(t, 2, out.FrameCount, "same window keeps history")
}

func TestConfigJSONUsesMilliseconds(t *testing.T) {
	c := DefaultConfig()
	c.TemporalWindow = 4500 * time.Millisecond

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"temporal_window_ms": 4500,
		"confidence_threshold": 0.85,
		"minimum_confirmations": 3,
		"smoothing_enabled": true,
		"consensus_enabled": true
	}`, string(data))

	data, err = json.Marshal(Stats{Processed: 2, Confirmed: 1, LastTrend: TrendStable})
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, 2.0, fields["processed"])
	assert.Equal(t, "stable", fields["lastTrend"])
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var all, cam2 []*ProcessedDetection
	offAll := bus.Subscribe(HandlerFunc(func(d *ProcessedDetection) { all = append(all, d) }))
	bus.SubscribeCamera("cam-2", HandlerFunc(func(d *ProcessedDetection) { cam2 = append(cam2, d) }))
	ch, offCh := bus.SubscribeChannel(1)

	d1 := &ProcessedDetection{Result: result(0.1)}
	d2 := &ProcessedDetection{Result: detection.Result{CameraID: "cam-2"}}
	bus.Publish(d1)
	bus.Publish(d2)
	bus.Publish(nil)

	assert.Equal(t, []*ProcessedDetection{d1, d2}, all)
	assert.Equal(t, []*ProcessedDetection{d2}, cam2)
	assert.Equal(t, d1, <-ch, "full channel drops later detections")
	assert.Equal(t, 3, bus.SubscriberCount())

	offAll()
	offCh()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Close()
	assert.Equal(t, 0, bus.SubscriberCount())
}
