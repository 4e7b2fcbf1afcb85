package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, Name: "test"}
}

func TestNormalizeSnakeCase(t *testing.T) {
	payload := `{
		"violence_probability": 0.87,
		"confidence": "High",
		"per_class_scores": {"non_violence": 0.13, "violence": 0.87},
		"prediction": "violence",
		"inference_time_ms": 42.5,
		"backend": "tflite",
		"video_metadata": {"filename": "clip.mp4", "duration_seconds": 4.2, "fps": 30, "resolution": "640x480", "total_frames": 126},
		"timing": {"extraction_ms": 100, "inference_ms": 42.5, "total_ms": 150}
	}`
	var raw MLResponse
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	got := Normalize(raw)
	assert.Equal(t, 0.87, got.ViolenceProbability)
	assert.Equal(t, ConfidenceHigh, got.ConfidenceLabel)
	require.NotNil(t, got.PerClassScores)
	assert.Equal(t, 0.13, got.PerClassScores.NonViolence)
	assert.Equal(t, "violence", got.Prediction)
	assert.Equal(t, 42.5, got.InferenceTimeMs)
	assert.Equal(t, "tflite", got.Backend)
	require.NotNil(t, got.VideoMetadata)
	assert.Equal(t, 126, got.VideoMetadata.TotalFrames)
	assert.Equal(t, "640x480", got.VideoMetadata.Resolution)
	require.NotNil(t, got.Timing)
	assert.Equal(t, 150.0, got.Timing.TotalMs)
}

func TestNormalizeCamelFallbackAndDefaults(t *testing.T) {
	var raw MLResponse
	require.NoError(t, json.Unmarshal([]byte(`{"violenceProbability": 0.3, "inferenceTimeMs": 9, "confidence": "Extreme"}`), &raw))

	got := Normalize(raw)
	assert.Equal(t, 0.3, got.ViolenceProbability)
	assert.Equal(t, 9.0, got.InferenceTimeMs)
	assert.Equal(t, ConfidenceMedium, got.ConfidenceLabel)
	assert.Nil(t, got.PerClassScores)
	assert.Nil(t, got.Timing)

	got = Normalize(MLResponse{})
	assert.Equal(t, 0.0, got.ViolenceProbability)
}

func TestUploadWithProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/detect_stream", r.URL.Path)
		file, header, err := r.FormFile("video")
		require.NoError(t, err)
		body, _ := io.ReadAll(file)
		assert.Equal(t, "clip.mp4", header.Filename)
		assert.Equal(t, "fake-video", string(body))

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`data: {"type":"start","filename":"clip.mp4","size_mb":1.5}`,
			`data: {"type":"progress","stage":"extraction","progress":50}`,
			`: comment line`,
			`data: {not json}`,
			`data: {"type":"result","data":{"violence_probability":0.91,"confidence":"High"}}`,
			`data: {"type":"end"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "%s\n\n", e)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api", time.Second, fastRetry())
	var updates []ProgressUpdate
	res, err := c.UploadWithProgress(context.Background(), "clip.mp4", strings.NewReader("fake-video"), func(u ProgressUpdate) {
		updates = append(updates, u)
	})
	require.NoError(t, err)
	assert.Equal(t, 0.91, res.ViolenceProbability)
	assert.Equal(t, ConfidenceHigh, res.ConfidenceLabel)

	require.Len(t, updates, 3)
	assert.Equal(t, "start", updates[0].Type)
	assert.Equal(t, 50.0, updates[1].Progress)
	assert.Equal(t, "result", updates[2].Type)
}

func TestUploadWithProgressErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"error\",\"message\":\"corrupt video\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	_, err := c.UploadWithProgress(context.Background(), "x.mp4", strings.NewReader("x"), nil)
	assert.ErrorIs(t, err, ErrProcessingFailed)
	assert.Contains(t, err.Error(), "corrupt video")
}

func TestUploadWithProgressNoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"start\"}\n\ndata: {\"type\":\"end\"}")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	_, err := c.UploadWithProgress(context.Background(), "x.mp4", strings.NewReader("x"), nil)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestUploadVideoAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	_, err := c.UploadVideo(context.Background(), "x.mp4", strings.NewReader("x"))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusRequestEntityTooLarge, apiErr.Status)
}

func TestUploadVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload", r.URL.Path)
		io.WriteString(w, `{"success":true,"data":{"violenceProbability":0.4,"confidence":"Low"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	res, err := c.UploadVideo(context.Background(), "x.mp4", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, 0.4, res.ViolenceProbability)
	assert.Equal(t, ConfidenceLow, res.ConfidenceLabel)
}

func TestDetectBatchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Images []string `json:"images"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a", "b"}, body.Images)
		io.WriteString(w, `{"success":true,"results":[{"violenceProbability":0.1},{"violence_probability":0.8}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	res, err := c.DetectBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, 0.1, res[0].ViolenceProbability)
	assert.Equal(t, 0.8, res[1].ViolenceProbability)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetectBatchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad images", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	_, err := c.DetectBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDetectImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"result":{"violenceProbability":0.66}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, fastRetry())
	res, err := c.DetectImage(context.Background(), "img")
	require.NoError(t, err)
	assert.Equal(t, 0.66, res.ViolenceProbability)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL, time.Second, fastRetry()).Health(context.Background()))
	assert.Error(t, NewClient(srv.URL+"/nope", time.Second, fastRetry()).Health(context.Background()))
}

func TestActiveModel(t *testing.T) {
	assert.Equal(t, ModelModern, ActiveModel("modern-model").Type)
	assert.Equal(t, DefaultModelID, ActiveModel("unknown").ID)
}
