package detection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nexara/internal/logger"
)

const DefaultBaseURL = "http://localhost:8003/api"

var (
	ErrNoResult         = errors.New("stream ended without a result")
	ErrProcessingFailed = errors.New("processing failed")
)

// APIError is a non-2xx answer from the inference service
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference api error %d: %s", e.Status, e.Message)
}

// ProgressUpdate is one server-sent event of a streaming upload
type ProgressUpdate struct {
	Type             string      `json:"type"` // start, progress, result, error, end
	Stage            string      `json:"stage,omitempty"`
	Progress         float64     `json:"progress,omitempty"`
	Message          string      `json:"message,omitempty"`
	Data             *MLResponse `json:"data,omitempty"`
	Filename         string      `json:"filename,omitempty"`
	SizeMB           float64     `json:"size_mb,omitempty"`
	VideoInfo        *VideoInfo  `json:"video_info,omitempty"`
	Frame            int         `json:"frame,omitempty"`
	Total            int         `json:"total,omitempty"`
	ExtractionTimeMs float64     `json:"extraction_time_ms,omitempty"`
	InferenceTimeMs  float64     `json:"inference_time_ms,omitempty"`
}

type VideoInfo struct {
	TotalFrames     int     `json:"total_frames"`
	FPS             float64 `json:"fps"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Client talks to the HTTP inference endpoint used for uploaded videos and
// one-off frame batches.
type Client struct {
	baseURL string
	client  *http.Client
	retry   RetryOptions
	log     zerolog.Logger
}

// NewClient creates a client for baseURL (e.g. http://localhost:8003/api)
func NewClient(baseURL string, timeout time.Duration, retry RetryOptions) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if retry.Name == "" {
		retry.Name = "inference"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		log:     logger.Component("inference"),
	}
}

// Health checks the service is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

// UploadVideo posts a video for offline analysis
func (c *Client) UploadVideo(ctx context.Context, filename string, video io.Reader) (Result, error) {
	resp, err := c.postVideo(ctx, "/upload", filename, video)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool        `json:"success"`
		Data    *MLResponse `json:"data"`
		Error   string      `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Result{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if !envelope.Success || envelope.Data == nil {
		return Result{}, fmt.Errorf("upload failed: %s", orDefault(envelope.Error, "no data"))
	}
	return Normalize(*envelope.Data), nil
}

// UploadVideoFast posts a video to the low-latency endpoint
func (c *Client) UploadVideoFast(ctx context.Context, filename string, video io.Reader) (Result, error) {
	resp, err := c.postVideo(ctx, "/detect_fast", filename, video)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var raw MLResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("failed to decode fast detection response: %w", err)
	}
	return Normalize(raw), nil
}

// UploadWithProgress posts a video and follows the server-sent event stream.
// onProgress sees every event; the normalised result event ends the call.
func (c *Client) UploadWithProgress(ctx context.Context, filename string, video io.Reader, onProgress func(ProgressUpdate)) (Result, error) {
	resp, err := c.postVideo(ctx, "/detect_stream", filename, video)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	return c.readEvents(resp.Body, onProgress)
}

func (c *Client) readEvents(body io.Reader, onProgress func(ProgressUpdate)) (Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(splitEvents)

	for scanner.Scan() {
		event := scanner.Text()
		if !strings.HasPrefix(event, "data: ") {
			continue
		}

		var update ProgressUpdate
		if err := json.Unmarshal([]byte(event[len("data: "):]), &update); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse server-sent event")
			continue
		}
		if onProgress != nil {
			onProgress(update)
		}

		switch update.Type {
		case "result":
			if update.Data != nil {
				return Normalize(*update.Data), nil
			}
		case "error":
			return Result{}, fmt.Errorf("%w: %s", ErrProcessingFailed, orDefault(update.Message, "unknown error"))
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("reading event stream: %w", err)
	}
	return Result{}, ErrNoResult
}

// splitEvents splits an event stream on blank lines
func splitEvents(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), bytes.TrimRight(data, "\n"), nil
	}
	return 0, nil, nil
}

// DetectBatch scores a batch of base64 frames, retrying transient failures
func (c *Client) DetectBatch(ctx context.Context, images []string) ([]Result, error) {
	return WithRetry(ctx, c.retry, func(ctx context.Context) ([]Result, error) {
		var envelope struct {
			Success bool         `json:"success"`
			Results []MLResponse `json:"results"`
			Error   string       `json:"error"`
		}
		if err := c.postJSON(ctx, "/detect/batch", map[string]any{"images": images}, &envelope); err != nil {
			return nil, err
		}
		if !envelope.Success || envelope.Results == nil {
			return nil, fmt.Errorf("batch detection failed: %s", orDefault(envelope.Error, "no results"))
		}

		out := make([]Result, 0, len(envelope.Results))
		for _, r := range envelope.Results {
			out = append(out, Normalize(r))
		}
		return out, nil
	})
}

// DetectImage scores one base64 frame
func (c *Client) DetectImage(ctx context.Context, image string) (Result, error) {
	return WithRetry(ctx, c.retry, func(ctx context.Context) (Result, error) {
		var envelope struct {
			Success bool        `json:"success"`
			Result  *MLResponse `json:"result"`
			Error   string      `json:"error"`
		}
		if err := c.postJSON(ctx, "/detect/image", map[string]any{"image": image}, &envelope); err != nil {
			return Result{}, err
		}
		if !envelope.Success || envelope.Result == nil {
			return Result{}, fmt.Errorf("detection failed: %s", orDefault(envelope.Error, "no result"))
		}
		return Normalize(*envelope.Result), nil
	})
}

func (c *Client) postVideo(ctx context.Context, path, filename string, video io.Reader) (*http.Response, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, filename))
	h.Set("Content-Type", "application/octet-stream")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, video); err != nil {
		return nil, fmt.Errorf("failed to read video: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
