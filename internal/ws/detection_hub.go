package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nexara/internal/logger"
	"nexara/internal/pipeline"
)

const writeWait = 10 * time.Second

// client serialises writes; gorilla connections allow one concurrent writer
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// DetectionHub fans processed detections out to dashboard connections
type DetectionHub struct {
	// clients maps camera_id -> set of connections
	clients map[string]map[*websocket.Conn]*client
	mu      sync.RWMutex
	log     zerolog.Logger
}

var _ pipeline.Handler = (*DetectionHub)(nil)

func NewDetectionHub() *DetectionHub {
	return &DetectionHub{
		clients: make(map[string]map[*websocket.Conn]*client),
		log:     logger.Component("ws"),
	}
}

// Register adds a connection for a camera
func (h *DetectionHub) Register(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*websocket.Conn]*client)
	}
	h.clients[cameraID][conn] = &client{conn: conn}
	h.log.Info().Str("camera", cameraID).Int("total", len(h.clients[cameraID])).Msg("client registered")
}

// Unregister removes a connection for a camera
func (h *DetectionHub) Unregister(cameraID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[cameraID]; ok {
		if _, ok := conns[conn]; !ok {
			return
		}
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, cameraID)
		}
		h.log.Info().Str("camera", cameraID).Msg("client unregistered")
	}
}

func (h *DetectionHub) lookup(cameraID string, conn *websocket.Conn) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[cameraID][conn]
}

// HasClients reports whether anyone watches cameraID
func (h *DetectionHub) HasClients(cameraID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns, ok := h.clients[cameraID]
	return ok && len(conns) > 0
}

// Cameras returns all camera ids with clients
func (h *DetectionHub) Cameras() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cameras := make([]string, 0, len(h.clients))
	for cameraID := range h.clients {
		cameras = append(cameras, cameraID)
	}
	return cameras
}

// BroadcastToCamera sends message to every client of cameraID. Clients
// that fail a write are dropped.
func (h *DetectionHub) BroadcastToCamera(cameraID string, message []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[cameraID]))
	for _, c := range h.clients[cameraID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, message); err != nil {
			h.log.Warn().Err(err).Str("camera", cameraID).Msg("send failed, dropping client")
			h.Unregister(cameraID, c.conn)
			c.conn.Close()
		}
	}
}

func (h *DetectionHub) broadcast(cameraID string, msg any) {
	if !h.HasClients(cameraID) {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal message")
		return
	}
	h.BroadcastToCamera(cameraID, data)
}

// BroadcastDetection sends a processed detection to camera subscribers
func (h *DetectionHub) BroadcastDetection(msg *DetectionMessage) {
	h.broadcast(msg.CameraID, msg)
}

// BroadcastStatus sends a status update to camera subscribers
func (h *DetectionHub) BroadcastStatus(msg *StatusMessage) {
	h.broadcast(msg.CameraID, msg)
}

// BroadcastFrame sends a preview frame to camera subscribers
func (h *DetectionHub) BroadcastFrame(msg *FrameMessage) {
	h.broadcast(msg.CameraID, msg)
}

// OnDetection lets the hub subscribe to the pipeline event bus
func (h *DetectionHub) OnDetection(d *pipeline.ProcessedDetection) {
	h.BroadcastDetection(NewDetectionMessage(d))
}

// ClientCount returns the number of connected clients
func (h *DetectionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Close disconnects every client
func (h *DetectionHub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]map[*websocket.Conn]*client)
	h.mu.Unlock()

	for _, conns := range clients {
		for _, c := range conns {
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			c.conn.Close()
		}
	}
}
