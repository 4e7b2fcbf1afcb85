package detection

import "time"

// ConfidenceLabel is the coarse confidence reported by the HTTP endpoint
type ConfidenceLabel string

const (
	ConfidenceLow    ConfidenceLabel = "Low"
	ConfidenceMedium ConfidenceLabel = "Medium"
	ConfidenceHigh   ConfidenceLabel = "High"
)

// ParseConfidenceLabel accepts Low, Medium or High; anything else is Medium
func ParseConfidenceLabel(s string) ConfidenceLabel {
	switch ConfidenceLabel(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return ConfidenceLabel(s)
	default:
		return ConfidenceMedium
	}
}

// Result is one inference outcome. It is a value type: downstream stages
// produce modified copies and never mutate a received result.
type Result struct {
	ViolenceProbability float64         `json:"violenceProbability"`
	Confidence          float64         `json:"confidence"`
	ConfidenceLabel     ConfidenceLabel `json:"confidenceLabel,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	CameraID            string          `json:"cameraId,omitempty"`
	PerClassScores      *PerClassScores `json:"perClassScores,omitempty"`
	Prediction          string          `json:"prediction,omitempty"`
	ModelVersion        string          `json:"modelVersion,omitempty"`
	ProcessingTime      float64         `json:"processingTime,omitempty"`
	InferenceTimeMs     float64         `json:"inferenceTimeMs,omitempty"`
	Backend             string          `json:"backend,omitempty"`
	VideoMetadata       *VideoMetadata  `json:"videoMetadata,omitempty"`
	Timing              *Timing         `json:"timing,omitempty"`
}

type PerClassScores struct {
	NonViolence float64 `json:"nonViolence"`
	Violence    float64 `json:"violence"`
}

type VideoMetadata struct {
	Filename        string  `json:"filename,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	FPS             float64 `json:"fps,omitempty"`
	Resolution      string  `json:"resolution,omitempty"`
	TotalFrames     int     `json:"totalFrames,omitempty"`
}

type Timing struct {
	ExtractionMs float64 `json:"extractionMs,omitempty"`
	InferenceMs  float64 `json:"inferenceMs,omitempty"`
	TotalMs      float64 `json:"totalMs,omitempty"`
}
