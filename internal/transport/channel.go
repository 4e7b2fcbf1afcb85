// Package transport keeps a persistent WebSocket to the inference service:
// frame batches go out, per-batch violence probabilities come back.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nexara/internal/detection"
	"nexara/internal/logger"
)

// Status of the connection as reported to status handlers
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const (
	DefaultURL                  = "ws://localhost:8002"
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second

	writeWait = 10 * time.Second
)

var (
	ErrNotConnected          = errors.New("not connected")
	ErrMaxReconnectAttempts  = errors.New("max reconnect attempts reached")
	ErrClosedDuringHandshake = errors.New("disconnected during handshake")
)

// TokenSource issues the bearer token presented when dialing for a user
type TokenSource interface {
	Token(userID string) (string, error)
}

// Config for a Channel. Zero values take the defaults.
type Config struct {
	URL                  string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	Tokens               TokenSource
}

// Channel is one session's connection to the inference service. The
// reconnect loop waits a fixed interval between attempts and gives up after
// MaxReconnectAttempts, reporting a single error event.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	gen         uint64
	status      Status
	userID      string
	manualClose bool
	attempts    int
	stopBeat    chan struct{}
	reconnect   context.CancelFunc
	reconnectID uint64

	writeMu sync.Mutex

	detections registry[detection.Result]
	errs       registry[error]
	statuses   registry[Status]
}

// New creates a disconnected channel
func New(cfg Config) *Channel {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	c := &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteBufferSize:  256 * 1024,
		},
		log:    logger.Component("transport"),
		status: StatusDisconnected,
	}
	c.detections = registry[detection.Result]{name: "detection", log: &c.log}
	c.errs = registry[error]{name: "error", log: &c.log}
	c.statuses = registry[Status]{name: "status", log: &c.log}
	return c
}

// OnDetection registers a result handler; call the returned func to remove it
func (c *Channel) OnDetection(fn func(detection.Result)) func() { return c.detections.add(fn) }

// OnError registers an error handler
func (c *Channel) OnError(fn func(error)) func() { return c.errs.add(fn) }

// OnStatus registers a status handler
func (c *Channel) OnStatus(fn func(Status)) func() { return c.statuses.add(fn) }

// SetUserID sets the identity used for the next dial token and every
// subsequent message
func (c *Channel) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// Status returns the last reported status
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether frames can be sent right now
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.status == StatusConnected
}

// Connect dials the service and returns once the handshake completes. A
// pending reconnect is cancelled first.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manualClose = false
	c.cancelReconnectLocked()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.errs.emit(err)
		return err
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.Tokens != nil && userID != "" {
		token, err := c.cfg.Tokens.Token(userID)
		if err != nil {
			c.setStatus(StatusError)
			return fmt.Errorf("issue token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.manualClose {
		c.mu.Unlock()
		conn.Close()
		return ErrClosedDuringHandshake
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	// the handshake is done; release the reconnect registration so a drop
	// of this connection can start a fresh loop
	c.cancelReconnectLocked()
	stop := make(chan struct{})
	c.stopBeat = stop
	c.mu.Unlock()

	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	c.setStatus(StatusConnected)

	go c.heartbeat(conn, stop)
	go c.readLoop(conn, gen)
	return nil
}

// Disconnect closes the socket and suppresses reconnection. Safe to call
// repeatedly or before Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	c.cancelReconnectLocked()
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()

	c.log.Info().Msg("disconnected")
	c.setStatus(StatusDisconnected)
}

// AnalyzeFrames sends one batch of base64 frames. When not connected the
// batch is dropped with a warning and ErrNotConnected is returned; nothing
// is queued.
func (c *Channel) AnalyzeFrames(frames []string, cameraID string) error {
	c.mu.Lock()
	conn := c.conn
	connected := conn != nil && c.status == StatusConnected
	userID := c.userID
	c.mu.Unlock()

	if !connected {
		c.log.Warn().Int("frames", len(frames)).Msg("not connected, dropping frames")
		return ErrNotConnected
	}

	return c.send(conn, outboundMessage{
		Type:     typeAnalyzeFrames,
		Frames:   frames,
		CameraID: cameraID,
		UserID:   userID,
		Metadata: &messageMetadata{
			Timestamp:  time.Now().UnixMilli(),
			FrameCount: len(frames),
		},
	})
}

// Subscribe asks the service to push results for cameraID
func (c *Channel) Subscribe(cameraID string) error {
	return c.sendControl(typeSubscribe, cameraID)
}

// Unsubscribe stops pushes for cameraID
func (c *Channel) Unsubscribe(cameraID string) error {
	return c.sendControl(typeUnsubscribe, cameraID)
}

func (c *Channel) sendControl(typ, cameraID string) error {
	c.mu.Lock()
	conn := c.conn
	userID := c.userID
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.send(conn, outboundMessage{Type: typ, CameraID: cameraID, UserID: userID})
}

func (c *Channel) send(conn *websocket.Conn, msg outboundMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Channel) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.send(conn, outboundMessage{Type: typePing}); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage never fails the channel: bad payloads are logged and dropped
func (c *Channel) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Int("bytes", len(data)).Msg("failed to parse message")
		return
	}

	if msg.Type == typePong {
		return
	}
	if msg.Result == nil {
		c.log.Debug().Str("type", msg.Type).Msg("ignoring message without result")
		return
	}
	c.detections.emit(msg.toResult(time.Now()))
}

func (c *Channel) handleClose(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	manual := c.manualClose
	c.mu.Unlock()

	conn.Close()
	if manual {
		return
	}

	c.log.Warn().Err(err).Msg("connection lost")
	c.setStatus(StatusDisconnected)
	c.startReconnect()
}

func (c *Channel) startReconnect() {
	c.mu.Lock()
	if c.manualClose || c.reconnect != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnect = cancel
	c.reconnectID++
	id := c.reconnectID
	c.mu.Unlock()

	go c.reconnectLoop(ctx, id)
}

func (c *Channel) reconnectLoop(ctx context.Context, id uint64) {
	defer func() {
		c.mu.Lock()
		if c.reconnectID == id && c.reconnect != nil {
			c.reconnect()
			c.reconnect = nil
		}
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.manualClose || ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			c.log.Error().Int("attempts", c.cfg.MaxReconnectAttempts).Msg("max reconnect attempts reached")
			c.setStatus(StatusDisconnected)
			c.errs.emit(ErrMaxReconnectAttempts)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.log.Info().Int("attempt", attempt).Int("max", c.cfg.MaxReconnectAttempts).Msg("reconnecting")

		timer := time.NewTimer(c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.dial(ctx)
		if err == nil || errors.Is(err, ErrClosedDuringHandshake) {
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
}

func (c *Channel) stopHeartbeatLocked() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.statuses.emit(s)
}
