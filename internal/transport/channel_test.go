package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexara/internal/detection"
)

var testUpgrader = websocket.Upgrader{}

// fakeService counts dials and hands each accepted connection to serve
type fakeService struct {
	srv   *httptest.Server
	dials atomic.Int32
}

func newFakeService(t *testing.T, accept func(n int32) bool, serve func(n int32, conn *websocket.Conn, r *http.Request)) *fakeService {
	t.Helper()
	f := &fakeService{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := f.dials.Add(1)
		if accept != nil && !accept(n) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(n, conn, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeService) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// drain keeps reading until the client goes away
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestInboundMessages(t *testing.T) {
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","message":"warming"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":{"violenceProbability":0.7},"cameraId":"cam-1","timestamp":1700000000000,"modelVersion":"v2","processingTime":12}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":{"violenceProbability":0.2,"confidence":0.9}}`))
		drain(conn)
	})

	ch := New(Config{URL: svc.url()})
	defer ch.Disconnect()

	results := make(chan detection.Result, 4)
	ch.OnDetection(func(detection.Result) { panic("bad subscriber") })
	ch.OnDetection(func(r detection.Result) { results <- r })

	require.NoError(t, ch.Connect(context.Background()))

	first := waitFor(t, results)
	assert.Equal(t, 0.7, first.ViolenceProbability)
	assert.Equal(t, 0.7, first.Confidence)
	assert.Equal(t, "cam-1", first.CameraID)
	assert.Equal(t, "v2", first.ModelVersion)
	assert.Equal(t, 12.0, first.ProcessingTime)
	assert.Equal(t, time.UnixMilli(1700000000000), first.Timestamp)

	second := waitFor(t, results)
	assert.Equal(t, 0.2, second.ViolenceProbability)
	assert.Equal(t, 0.9, second.Confidence)
	assert.WithinDuration(t, time.Now(), second.Timestamp, 5*time.Second)

	assert.True(t, ch.IsConnected())
}

func TestAnalyzeFrames(t *testing.T) {
	received := make(chan outboundMessage, 1)
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		var msg outboundMessage
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
		drain(conn)
	})

	ch := New(Config{URL: svc.url()})
	defer ch.Disconnect()

	assert.ErrorIs(t, ch.AnalyzeFrames([]string{"a"}, "cam-1"), ErrNotConnected)

	ch.SetUserID("user-42")
	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, ch.AnalyzeFrames([]string{"f1", "f2", "f3"}, "cam-1"))

	msg := waitFor(t, received)
	assert.Equal(t, "analyze_frames", msg.Type)
	assert.Equal(t, []string{"f1", "f2", "f3"}, msg.Frames)
	assert.Equal(t, "cam-1", msg.CameraID)
	assert.Equal(t, "user-42", msg.UserID)
	require.NotNil(t, msg.Metadata)
	assert.Equal(t, 3, msg.Metadata.FrameCount)
	assert.InDelta(t, time.Now().UnixMilli(), msg.Metadata.Timestamp, 5000)
}

func TestSubscribeControlFrames(t *testing.T) {
	received := make(chan outboundMessage, 2)
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		for {
			var msg outboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	})

	ch := New(Config{URL: svc.url()})
	defer ch.Disconnect()

	assert.ErrorIs(t, ch.Subscribe("cam-1"), ErrNotConnected)

	// subscribing from the status handler is how callers resubscribe after
	// a reconnect
	ch.OnStatus(func(s Status) {
		if s == StatusConnected {
			assert.NoError(t, ch.Subscribe("cam-1"))
		}
	})
	ch.SetUserID("user-7")
	require.NoError(t, ch.Connect(context.Background()))

	sub := waitFor(t, received)
	assert.Equal(t, "subscribe", sub.Type)
	assert.Equal(t, "cam-1", sub.CameraID)
	assert.Equal(t, "user-7", sub.UserID)
	assert.Empty(t, sub.Frames)

	require.NoError(t, ch.Unsubscribe("cam-1"))
	unsub := waitFor(t, received)
	assert.Equal(t, "unsubscribe", unsub.Type)
	assert.Equal(t, "cam-1", unsub.CameraID)
}

func TestHeartbeat(t *testing.T) {
	pings := make(chan string, 4)
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				if typ, _ := msg["type"].(string); typ != "" {
					select {
					case pings <- typ:
					default:
					}
				}
			}
		}
	})

	ch := New(Config{URL: svc.url(), HeartbeatInterval: 20 * time.Millisecond})
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()

	assert.Equal(t, "ping", waitFor(t, pings))
}

func TestReconnectCap(t *testing.T) {
	svc := newFakeService(t,
		func(n int32) bool { return n == 1 },
		func(n int32, conn *websocket.Conn, r *http.Request) {
			// drop the first connection right away
			conn.Close()
		})

	ch := New(Config{
		URL:                  svc.url(),
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	defer ch.Disconnect()

	var errCount atomic.Int32
	errs := make(chan error, 4)
	ch.OnError(func(err error) {
		errCount.Add(1)
		errs <- err
	})

	require.NoError(t, ch.Connect(context.Background()))

	err := waitFor(t, errs)
	assert.ErrorIs(t, err, ErrMaxReconnectAttempts)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(3), svc.dials.Load(), "one connect plus two reconnects")
	assert.Equal(t, int32(1), errCount.Load())
	assert.Equal(t, StatusDisconnected, ch.Status())
}

func TestReconnectRestoresConnection(t *testing.T) {
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		if n == 1 {
			return
		}
		drain(conn)
	})

	ch := New(Config{URL: svc.url(), ReconnectInterval: 10 * time.Millisecond})
	defer ch.Disconnect()

	var mu sync.Mutex
	var seen []Status
	connected := make(chan struct{}, 2)
	ch.OnStatus(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
		if s == StatusConnected {
			connected <- struct{}{}
		}
	})

	require.NoError(t, ch.Connect(context.Background()))
	waitFor(t, connected)
	waitFor(t, connected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{
		StatusConnecting, StatusConnected,
		StatusDisconnected,
		StatusConnecting, StatusConnected,
	}, seen)
	assert.Equal(t, int32(2), svc.dials.Load())
}

func TestDisconnect(t *testing.T) {
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		drain(conn)
	})

	ch := New(Config{URL: svc.url(), ReconnectInterval: 10 * time.Millisecond})
	ch.Disconnect()

	statuses := make(chan Status, 8)
	ch.OnStatus(func(s Status) { statuses <- s })

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StatusConnecting, waitFor(t, statuses))
	assert.Equal(t, StatusConnected, waitFor(t, statuses))

	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, StatusDisconnected, waitFor(t, statuses))
	assert.False(t, ch.IsConnected())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), svc.dials.Load(), "manual close must not reconnect")
	assert.Empty(t, statuses)
}

func TestConnectFailure(t *testing.T) {
	svc := newFakeService(t, func(int32) bool { return false }, nil)

	ch := New(Config{URL: svc.url()})
	errs := make(chan error, 1)
	ch.OnError(func(err error) { errs <- err })

	assert.Error(t, ch.Connect(context.Background()))
	assert.Equal(t, StatusError, ch.Status())
	assert.Error(t, waitFor(t, errs))
}

type staticTokens struct{ token string }

func (s staticTokens) Token(userID string) (string, error) {
	return s.token + ":" + userID, nil
}

func TestBearerToken(t *testing.T) {
	auth := make(chan string, 1)
	svc := newFakeService(t, nil, func(n int32, conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		drain(conn)
	})

	ch := New(Config{URL: svc.url(), Tokens: staticTokens{token: "jwt"}})
	ch.SetUserID("u1")
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Disconnect()

	assert.Equal(t, "Bearer jwt:u1", waitFor(t, auth))
}

func TestUnsubscribeHandler(t *testing.T) {
	ch := New(Config{})
	calls := 0
	off := ch.OnStatus(func(Status) { calls++ })
	ch.setStatus(StatusConnecting)
	off()
	off()
	ch.setStatus(StatusConnected)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, ch.statuses.len())
}

func TestParseTimestamp(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now, parseTimestamp(nil, now))
	assert.Equal(t, now, parseTimestamp(json.RawMessage("null"), now))
	assert.Equal(t, time.UnixMilli(1000), parseTimestamp(json.RawMessage("1000"), now))
	assert.True(t, parseTimestamp(json.RawMessage(`"2024-05-01T10:00:00Z"`), now).Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, now, parseTimestamp(json.RawMessage(`"garbage"`), now))
}
