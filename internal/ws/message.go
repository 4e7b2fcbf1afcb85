package ws

import (
	"time"

	"nexara/internal/detection"
	"nexara/internal/pipeline"
)

// DetectionMessage is a processed detection pushed to dashboard clients
type DetectionMessage struct {
	Type                string                    `json:"type"` // "detection"
	CameraID            string                    `json:"camera_id"`
	Timestamp           time.Time                 `json:"timestamp"`
	ViolenceProbability float64                   `json:"violence_probability"`
	AverageConfidence   float64                   `json:"average_confidence"`
	IsConfirmed         bool                      `json:"is_confirmed"`
	Confirmations       int                       `json:"confirmations"`
	FrameCount          int                       `json:"frame_count"`
	Trend               string                    `json:"trend"`
	ConfidenceLevel     string                    `json:"confidence_level"`
	ModelID             string                    `json:"model_id,omitempty"`
	PerClassScores      *detection.PerClassScores `json:"per_class_scores,omitempty"`
}

// NewDetectionMessage converts a processed detection
func NewDetectionMessage(d *pipeline.ProcessedDetection) *DetectionMessage {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &DetectionMessage{
		Type:                "detection",
		CameraID:            d.CameraID,
		Timestamp:           ts,
		ViolenceProbability: d.ViolenceProbability,
		AverageConfidence:   d.AverageConfidence,
		IsConfirmed:         d.IsConfirmed,
		Confirmations:       d.Confirmations,
		FrameCount:          d.FrameCount,
		Trend:               string(d.Trend),
		ConfidenceLevel:     d.ConfidenceLevel,
		ModelID:             d.ModelID,
		PerClassScores:      d.PerClassScores,
	}
}

// StatusMessage reports capture and connection state
type StatusMessage struct {
	Type        string    `json:"type"` // "status"
	CameraID    string    `json:"camera_id"`
	Timestamp   time.Time `json:"timestamp"`
	Connection  string    `json:"connection"`
	FPS         float64   `json:"fps"`
	MotionLevel string    `json:"motion_level"`
	MotionScore float64   `json:"motion_score"`
}

// NewStatusMessage stamps a status update with the current time
func NewStatusMessage(cameraID, connection string, fps float64, motionLevel string, motionScore float64) *StatusMessage {
	return &StatusMessage{
		Type:        "status",
		CameraID:    cameraID,
		Timestamp:   time.Now(),
		Connection:  connection,
		FPS:         fps,
		MotionLevel: motionLevel,
		MotionScore: motionScore,
	}
}

// FrameMessage carries a base64 JPEG preview, e.g. an edge map
type FrameMessage struct {
	Type        string    `json:"type"` // "frame"
	Kind        string    `json:"kind"` // "edges"
	CameraID    string    `json:"camera_id"`
	Timestamp   time.Time `json:"timestamp"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Frame       string    `json:"frame"`
}

// NewFrameMessage creates a frame message
func NewFrameMessage(cameraID, kind string, frameWidth, frameHeight int, frameBase64 string) *FrameMessage {
	return &FrameMessage{
		Type:        "frame",
		Kind:        kind,
		CameraID:    cameraID,
		Timestamp:   time.Now(),
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		Frame:       frameBase64,
	}
}
