package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // base64 JPEG previews
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades dashboard connections
type Handler struct {
	hub *DetectionHub
}

func NewHandler(hub *DetectionHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP expects /ws/detections/{camera_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/ws/detections/")
	cameraID := strings.TrimSuffix(path, "/")

	if cameraID == "" || strings.Contains(cameraID, "/") {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	h.hub.log.Debug().Str("camera", cameraID).Str("remote", r.RemoteAddr).Msg("new connection")
	h.hub.Register(cameraID, conn)

	go h.readPump(cameraID, conn)
}

// readPump keeps the connection alive and notices disconnects
func (h *Handler) readPump(cameraID string, conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(cameraID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c := h.hub.lookup(cameraID, conn)
				if c == nil {
					return
				}
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.log.Warn().Err(err).Str("camera", cameraID).Msg("read error")
			}
			return
		}
	}
}
