// Package session runs one live monitoring session: capture, adaptive
// throttling, encoding, batching to the inference service and temporal
// post-processing of the results.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nexara/internal/capture"
	"nexara/internal/detection"
	"nexara/internal/encoder"
	"nexara/internal/frame"
	"nexara/internal/journal"
	"nexara/internal/logger"
	"nexara/internal/metrics"
	"nexara/internal/motion"
	"nexara/internal/pipeline"
	"nexara/internal/ratecontrol"
	"nexara/internal/transport"
	"nexara/internal/ws"
)

const edgePreviewQuality = 0.7

var errSourceDone = errors.New("source exhausted")

// Transport is the part of transport.Channel a session drives
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	SetUserID(id string)
	AnalyzeFrames(frames []string, cameraID string) error
	Subscribe(cameraID string) error
	Unsubscribe(cameraID string) error
	OnDetection(fn func(detection.Result)) func()
	OnError(fn func(error)) func()
	OnStatus(fn func(transport.Status)) func()
}

// FrameEncoder turns a frame into base64 JPEG
type FrameEncoder interface {
	EncodeVideoFrame(ctx context.Context, src image.Image, width, height int, quality float64) (string, error)
	Close()
}

// Deps are the collaborators of a Monitor. Hub, Journal and Metrics are
// optional. EdgeEncoder keeps edge previews off the frame encoder's canvas,
// which would otherwise be resized twice per tick.
type Deps struct {
	Source      capture.Source
	Transport   Transport
	Encoder     FrameEncoder
	EdgeEncoder FrameEncoder
	Pipeline    *pipeline.DetectionPipeline
	Bus         *pipeline.EventBus
	Hub         *ws.DetectionHub
	Journal     *journal.Journal
	Metrics     *metrics.Metrics
}

// Monitor owns a single camera session
type Monitor struct {
	opts Options
	deps Deps
	rate *ratecontrol.Controller
	log  zerolog.Logger

	sessionID string
	results   chan detection.Result
	fatal     chan error
	stop      chan struct{}
	stopOnce  sync.Once

	mu           sync.Mutex
	status       transport.Status
	connectedOne bool
	lastAccepted time.Time
	prev         *frame.Frame
	batch        []string
	confirmed    bool

	closeOnce sync.Once
}

// New validates deps and creates a Monitor. The pipeline and bus are created
// when not supplied.
func New(opts Options, deps Deps) (*Monitor, error) {
	if deps.Source == nil {
		return nil, errors.New("session: source is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if deps.Encoder == nil {
		return nil, errors.New("session: encoder is required")
	}
	opts = opts.withDefaults()

	if deps.Pipeline == nil {
		deps.Pipeline = pipeline.New(opts.Pipeline, pipeline.WithClock(opts.Clock))
	}
	if deps.Bus == nil {
		deps.Bus = pipeline.NewEventBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if opts.EdgeMaps && deps.EdgeEncoder == nil {
		deps.EdgeEncoder = encoder.New(nil)
	}

	m := &Monitor{
		opts:      opts,
		deps:      deps,
		rate:      ratecontrol.New(opts.Rate),
		sessionID: uuid.NewString(),
		results:   make(chan detection.Result, 64),
		fatal:     make(chan error, 1),
		stop:      make(chan struct{}),
		status:    transport.StatusDisconnected,
	}
	m.log = logger.Component("session").With().
		Str("session", m.sessionID).
		Str("camera", opts.CameraID).
		Logger()
	return m, nil
}

// ID is the session id, also used in the journal
func (m *Monitor) ID() string {
	return m.sessionID
}

// Rate exposes the adaptive rate controller
func (m *Monitor) Rate() *ratecontrol.Controller {
	return m.rate
}

// Pipeline exposes the detection pipeline
func (m *Monitor) Pipeline() *pipeline.DetectionPipeline {
	return m.deps.Pipeline
}

// Bus is the event bus processed detections are published on
func (m *Monitor) Bus() *pipeline.EventBus {
	return m.deps.Bus
}

// Run connects to the inference service and runs the capture loop until ctx
// is cancelled or the transport gives up reconnecting.
func (m *Monitor) Run(ctx context.Context) error {
	if j := m.deps.Journal; j != nil {
		if _, err := j.StartSessionWithID(ctx, m.sessionID, m.opts.CameraID, m.opts.UserID, m.opts.ModelID); err != nil {
			m.log.Warn().Err(err).Msg("journal session not recorded")
		}
	}

	unsubscribe := m.subscribe()
	defer unsubscribe()
	defer m.stopOnce.Do(func() { close(m.stop) })

	m.deps.Transport.SetUserID(m.opts.UserID)
	if err := m.deps.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect to inference service: %w", err)
	}

	m.log.Info().
		Str("model", m.opts.ModelID).
		Str("model_type", string(m.opts.ModelType)).
		Float64("tick_hz", m.opts.TickHz).
		Int("batch", m.opts.BatchSize).
		Msg("session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.captureLoop(gctx) })
	g.Go(func() error { return m.dispatchLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errSourceDone) {
		err = nil
	}
	m.log.Info().Err(err).Msg("session stopped")
	return err
}

func (m *Monitor) subscribe() func() {
	t := m.deps.Transport
	offs := []func(){
		t.OnDetection(m.enqueue),
		t.OnStatus(m.onStatus),
		t.OnError(m.onError),
		m.deps.Bus.Subscribe(pipeline.HandlerFunc(m.record)),
	}
	if m.deps.Hub != nil {
		offs = append(offs, m.deps.Bus.SubscribeCamera(m.opts.CameraID, m.deps.Hub))
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// enqueue runs on the transport read goroutine; blocking keeps results ordered
func (m *Monitor) enqueue(r detection.Result) {
	select {
	case m.results <- r:
	case <-m.stop:
	}
}

func (m *Monitor) onStatus(s transport.Status) {
	m.mu.Lock()
	m.status = s
	reconnected := false
	if s == transport.StatusConnected {
		reconnected = m.connectedOne
		m.connectedOne = true
	}
	m.mu.Unlock()

	mt := m.deps.Metrics
	mt.SetConnected(s == transport.StatusConnected)
	if reconnected {
		mt.Reconnects.Add(1)
	}
	// the service forgets subscriptions with the socket
	if s == transport.StatusConnected {
		if err := m.deps.Transport.Subscribe(m.opts.CameraID); err != nil {
			m.log.Warn().Err(err).Msg("camera subscription failed")
		}
	}
	m.broadcastStatus()
}

func (m *Monitor) onError(err error) {
	m.deps.Metrics.TransportErrors.Add(1)
	if errors.Is(err, transport.ErrMaxReconnectAttempts) {
		select {
		case m.fatal <- err:
		default:
		}
		return
	}
	m.log.Warn().Err(err).Msg("transport error")
}

func (m *Monitor) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.fatal:
			return err
		case r := <-m.results:
			m.process(r)
		}
	}
}

// process runs a raw result through the pipeline and publishes it
func (m *Monitor) process(r detection.Result) *pipeline.ProcessedDetection {
	if r.CameraID == "" {
		r.CameraID = m.opts.CameraID
	}
	m.deps.Metrics.DetectionsReceived.Add(1)

	d := m.deps.Pipeline.Process(r, m.opts.ModelType, m.opts.ModelID)
	m.deps.Bus.Publish(d)
	return d
}

// record updates metrics for every detection and journals each rising edge
// of confirmation
func (m *Monitor) record(d *pipeline.ProcessedDetection) {
	mt := m.deps.Metrics
	mt.ViolenceScore.Store(d.ViolenceProbability)
	mt.AverageConfidence.Store(d.AverageConfidence)

	m.mu.Lock()
	rising := d.IsConfirmed && !m.confirmed
	m.confirmed = d.IsConfirmed
	m.mu.Unlock()

	if !d.IsConfirmed {
		return
	}
	mt.DetectionsConfirmed.Add(1)
	if !rising || m.deps.Journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.deps.Journal.Record(ctx, journal.EntryFrom(m.sessionID, d)); err != nil {
		mt.JournalErrors.Add(1)
		m.log.Error().Err(err).Msg("journal write failed")
	}
}

func (m *Monitor) captureLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / m.opts.TickHz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				if errors.Is(err, capture.ErrExhausted) {
					return m.drain(ctx)
				}
				return err
			}
		}
	}
}

// drain gives in-flight batches time to come back before ending the session
func (m *Monitor) drain(ctx context.Context) error {
	m.log.Info().Dur("drain", m.opts.DrainTimeout).Msg("source exhausted, waiting for pending results")
	t := time.NewTimer(m.opts.DrainTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return errSourceDone
	}
}

// tick reads one frame and, unless the rate controller throttles it, runs
// motion analysis, encodes it and appends it to the batch
func (m *Monitor) tick(ctx context.Context) error {
	mt := m.deps.Metrics

	img, err := m.deps.Source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, capture.ErrExhausted) || errors.Is(err, capture.ErrClosed) {
			return capture.ErrExhausted
		}
		mt.CaptureErrors.Add(1)
		m.log.Debug().Err(err).Msg("frame read failed")
		return nil
	}
	mt.FramesCaptured.Add(1)

	now := m.opts.Clock()
	m.mu.Lock()
	if !m.lastAccepted.IsZero() && now.Sub(m.lastAccepted) < m.rate.FrameInterval() {
		m.mu.Unlock()
		mt.FramesThrottled.Add(1)
		return nil
	}
	m.lastAccepted = now
	prev := m.prev
	m.mu.Unlock()
	mt.FramesAccepted.Add(1)

	small := frame.FromImage(img, m.opts.AnalysisWidth, m.opts.AnalysisHeight)
	small.Timestamp = now
	if _, _, err := m.rate.UpdateMotion(small, prev); err != nil {
		m.log.Debug().Err(err).Msg("motion analysis skipped")
	}
	m.mu.Lock()
	m.prev = small
	m.mu.Unlock()

	mt.CurrentFPS.Store(m.rate.CurrentFPS())
	mt.MotionScore.Store(m.rate.MotionScore())

	if m.opts.EdgeMaps {
		m.publishEdges(ctx, small)
	}

	quality := m.opts.Quality
	if m.opts.AdaptiveQuality && m.rate.Enabled() {
		quality = motion.AdaptiveQuality(quality, m.rate.MotionLevel())
	}

	start := time.Now()
	encoded, err := m.deps.Encoder.EncodeVideoFrame(ctx, img, m.opts.EncodeWidth, m.opts.EncodeHeight, quality)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mt.EncodeErrors.Add(1)
		m.log.Warn().Err(err).Msg("frame not encoded")
		return nil
	}
	mt.UpdateEncodeLatency(time.Since(start))
	mt.FramesEncoded.Add(1)
	if fb, ok := m.deps.Encoder.(interface{ Fallbacks() uint64 }); ok {
		mt.EncodeFallbacks.Store(fb.Fallbacks())
	}

	m.appendFrame(encoded)
	return nil
}

// appendFrame adds to the batch; a full batch is sent and its tail kept
// as overlap for the next one
func (m *Monitor) appendFrame(encoded string) {
	m.mu.Lock()
	m.batch = append(m.batch, encoded)
	if len(m.batch) < m.opts.BatchSize {
		m.mu.Unlock()
		return
	}
	frames := make([]string, len(m.batch))
	copy(frames, m.batch)
	keep := m.opts.BatchSize - m.opts.BatchStride
	m.batch = append(m.batch[:0], m.batch[len(m.batch)-keep:]...)
	m.mu.Unlock()

	mt := m.deps.Metrics
	if err := m.deps.Transport.AnalyzeFrames(frames, m.opts.CameraID); err != nil {
		mt.BatchesDropped.Add(1)
		return
	}
	mt.BatchesSent.Add(1)
	m.broadcastStatus()
}

func (m *Monitor) publishEdges(ctx context.Context, f *frame.Frame) {
	hub := m.deps.Hub
	if hub == nil || !hub.HasClients(m.opts.CameraID) {
		return
	}
	edges, err := motion.ApplyEdgeDetection(f, m.opts.EdgeLow, m.opts.EdgeHigh)
	if err != nil {
		m.log.Debug().Err(err).Msg("edge map skipped")
		return
	}
	encoded, err := m.deps.EdgeEncoder.EncodeVideoFrame(ctx, edges.Image(), edges.Width, edges.Height, edgePreviewQuality)
	if err != nil {
		return
	}
	hub.BroadcastFrame(ws.NewFrameMessage(m.opts.CameraID, "edges", edges.Width, edges.Height, encoded))
	m.deps.Metrics.EdgeMapsSent.Add(1)
}

func (m *Monitor) broadcastStatus() {
	hub := m.deps.Hub
	if hub == nil {
		return
	}
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	hub.BroadcastStatus(ws.NewStatusMessage(m.opts.CameraID, string(status),
		m.rate.CurrentFPS(), string(m.rate.MotionLevel()), m.rate.MotionScore()))
}

// Snapshot is a point-in-time view of the session
type Snapshot struct {
	SessionID   string          `json:"sessionId"`
	CameraID    string          `json:"cameraId"`
	Connection  string          `json:"connection"`
	FPS         float64         `json:"fps"`
	MotionLevel string          `json:"motionLevel"`
	MotionScore float64         `json:"motionScore"`
	LastMotion  motion.Analysis `json:"lastMotion"`
	Pending     int             `json:"pendingFrames"`
	Capture     *capture.Stats  `json:"capture,omitempty"`
	Pipeline    pipeline.Stats  `json:"pipeline"`
	Config      pipeline.Config `json:"config"`
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	status := m.status
	pending := len(m.batch)
	m.mu.Unlock()

	snap := Snapshot{
		SessionID:   m.sessionID,
		CameraID:    m.opts.CameraID,
		Connection:  string(status),
		FPS:         m.rate.CurrentFPS(),
		MotionLevel: string(m.rate.MotionLevel()),
		MotionScore: m.rate.MotionScore(),
		LastMotion:  m.rate.LastAnalysis(),
		Pending:     pending,
		Pipeline:    m.deps.Pipeline.Stats(),
		Config:      m.deps.Pipeline.Config(),
	}
	// only streaming sources keep capture counters
	if src, ok := m.deps.Source.(interface{ Stats() capture.Stats }); ok {
		st := src.Stats()
		snap.Capture = &st
	}
	return snap
}

// Close disconnects the transport and releases the encoder and source
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if err := m.deps.Transport.Unsubscribe(m.opts.CameraID); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			m.log.Debug().Err(err).Msg("camera unsubscribe failed")
		}
		m.deps.Transport.Disconnect()
		m.deps.Encoder.Close()
		if m.deps.EdgeEncoder != nil {
			m.deps.EdgeEncoder.Close()
		}
		err = m.deps.Source.Close()

		if j := m.deps.Journal; j != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if endErr := j.EndSession(ctx, m.sessionID); endErr != nil && !errors.Is(endErr, journal.ErrNotFound) {
				m.log.Warn().Err(endErr).Msg("journal session not closed")
			}
		}
	})
	return err
}
