package transport

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"nexara/internal/detection"
)

const (
	typeAnalyzeFrames = "analyze_frames"
	typePing          = "ping"
	typePong          = "pong"
	typeSubscribe     = "subscribe"
	typeUnsubscribe   = "unsubscribe"
)

// outboundMessage is every client to server message
type outboundMessage struct {
	Type     string           `json:"type"`
	Frames   []string         `json:"frames,omitempty"`
	CameraID string           `json:"cameraId,omitempty"`
	UserID   string           `json:"userId,omitempty"`
	Metadata *messageMetadata `json:"metadata,omitempty"`
}

type messageMetadata struct {
	Timestamp  int64 `json:"timestamp"`
	FrameCount int   `json:"frameCount"`
}

// inboundMessage is either a pong or a result envelope
type inboundMessage struct {
	Type           string          `json:"type"`
	Result         *inboundResult  `json:"result"`
	CameraID       string          `json:"cameraId"`
	Timestamp      json.RawMessage `json:"timestamp"`
	ModelVersion   string          `json:"modelVersion"`
	ProcessingTime float64         `json:"processingTime"`
}

type inboundResult struct {
	ViolenceProbability float64                   `json:"violenceProbability"`
	Confidence          float64                   `json:"confidence"`
	PerClassScores      *detection.PerClassScores `json:"perClassScores"`
	Prediction          string                    `json:"prediction"`
}

// toResult fills missing fields: probability 0, confidence from probability, now as timestamp
func (m *inboundMessage) toResult(now time.Time) detection.Result {
	r := detection.Result{
		ViolenceProbability: m.Result.ViolenceProbability,
		Confidence:          m.Result.Confidence,
		CameraID:            m.CameraID,
		ModelVersion:        m.ModelVersion,
		ProcessingTime:      m.ProcessingTime,
		PerClassScores:      m.Result.PerClassScores,
		Prediction:          m.Result.Prediction,
		Timestamp:           parseTimestamp(m.Timestamp, now),
	}
	if r.Confidence == 0 {
		r.Confidence = r.ViolenceProbability
	}
	return r
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string
func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return now
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t
			}
		}
		return now
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || ms == 0 {
		return now
	}
	return time.UnixMilli(int64(ms))
}
