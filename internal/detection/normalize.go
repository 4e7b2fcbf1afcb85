package detection

import "time"

// MLResponse is the wire payload of the HTTP inference endpoint. Field
// names are snake_case with a few camelCase fallbacks.
type MLResponse struct {
	ViolenceProbability      *float64 `json:"violence_probability"`
	ViolenceProbabilityCamel *float64 `json:"violenceProbability"`
	Confidence               string   `json:"confidence"`
	PerClassScores           *struct {
		NonViolence *float64 `json:"non_violence"`
		Violence    *float64 `json:"violence"`
	} `json:"per_class_scores"`
	Prediction           string   `json:"prediction"`
	InferenceTimeMs      *float64 `json:"inference_time_ms"`
	InferenceTimeMsCamel *float64 `json:"inferenceTimeMs"`
	Backend              string   `json:"backend"`
	VideoMetadata        *struct {
		Filename        string  `json:"filename"`
		DurationSeconds float64 `json:"duration_seconds"`
		FPS             float64 `json:"fps"`
		Resolution      string  `json:"resolution"`
		TotalFrames     int     `json:"total_frames"`
	} `json:"video_metadata"`
	Timing *struct {
		ExtractionMs float64 `json:"extraction_ms"`
		InferenceMs  float64 `json:"inference_ms"`
		TotalMs      float64 `json:"total_ms"`
	} `json:"timing"`
}

// Normalize converts the snake_case wire payload into a Result
func Normalize(r MLResponse) Result {
	out := Result{
		ViolenceProbability: firstOf(r.ViolenceProbability, r.ViolenceProbabilityCamel),
		ConfidenceLabel:     ParseConfidenceLabel(r.Confidence),
		Prediction:          r.Prediction,
		InferenceTimeMs:     firstOf(r.InferenceTimeMs, r.InferenceTimeMsCamel),
		Backend:             r.Backend,
		Timestamp:           time.Now(),
	}
	out.Confidence = out.ViolenceProbability

	if r.PerClassScores != nil {
		out.PerClassScores = &PerClassScores{
			NonViolence: firstOf(r.PerClassScores.NonViolence),
			Violence:    firstOf(r.PerClassScores.Violence),
		}
	}
	if m := r.VideoMetadata; m != nil {
		out.VideoMetadata = &VideoMetadata{
			Filename:        m.Filename,
			DurationSeconds: m.DurationSeconds,
			FPS:             m.FPS,
			Resolution:      m.Resolution,
			TotalFrames:     m.TotalFrames,
		}
	}
	if t := r.Timing; t != nil {
		out.Timing = &Timing{
			ExtractionMs: t.ExtractionMs,
			InferenceMs:  t.InferenceMs,
			TotalMs:      t.TotalMs,
		}
	}
	return out
}

func firstOf(vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}
