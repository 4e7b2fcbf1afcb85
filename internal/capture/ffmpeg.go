package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nexara/internal/logger"
)

// Stats counts frames seen by a streaming source
type Stats struct {
	FramesCaptured uint64    `json:"framesCaptured"`
	FramesDropped  uint64    `json:"framesDropped"`
	DecodeErrors   uint64    `json:"decodeErrors"`
	LastFrameTime  time.Time `json:"lastFrameTime"`
	Running        bool      `json:"running"`
}

// FFmpegSource decodes an MJPEG pipe from an ffmpeg subprocess, or polls an
// HTTP snapshot endpoint. Only the latest frame is kept; frames that arrive
// before the previous one was read are dropped.
type FFmpegSource struct {
	device string
	fps    int
	width  int
	height int

	cancel context.CancelFunc
	done   chan struct{}
	cmd    *exec.Cmd

	mu      sync.Mutex
	latest  image.Image
	fresh   bool
	notify  chan struct{}
	err     error
	closed  bool
	stats   Stats
	running atomic.Bool

	log zerolog.Logger
}

// NewFFmpegSource starts capturing from device
func NewFFmpegSource(device string, fps, width, height int) (*FFmpegSource, error) {
	if fps <= 0 {
		fps = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &FFmpegSource{
		device: device,
		fps:    fps,
		width:  width,
		height: height,
		cancel: cancel,
		done:   make(chan struct{}),
		notify: make(chan struct{}),
		log:    logger.Component("capture").With().Str("device", device).Logger(),
	}

	if isHTTPImageEndpoint(device) {
		go s.pollHTTPImages(ctx)
		return s, nil
	}

	s.cmd = exec.CommandContext(ctx, "ffmpeg", ffmpegArgs(device, fps, width, height)...)
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := s.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.log.Debug().Str("ffmpeg", scanner.Text()).Msg("stderr")
		}
	}()
	go s.readPipe(stdout)

	s.log.Info().Int("fps", fps).Msg("capture started")
	return s, nil
}

// NewPipeSource decodes an MJPEG stream produced outside the process, for
// example `ffmpeg -i clip.mp4 -f image2pipe -vcodec mjpeg - | nexara -source -`.
// Close closes r.
func NewPipeSource(name string, r io.ReadCloser) *FFmpegSource {
	s := &FFmpegSource{
		device: name,
		cancel: func() { _ = r.Close() },
		done:   make(chan struct{}),
		notify: make(chan struct{}),
		log:    logger.Component("capture").With().Str("device", name).Logger(),
	}
	go s.readPipe(r)
	return s
}

func ffmpegArgs(device string, fps, width, height int) []string {
	out := []string{
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-r", fmt.Sprintf("%d", fps),
		"-q:v", "5",
		"-",
	}

	switch {
	case strings.HasPrefix(device, "rtsp://"):
		return append([]string{"-rtsp_transport", "tcp", "-i", device}, out...)
	case strings.HasPrefix(device, "http://"), strings.HasPrefix(device, "https://"):
		return append([]string{"-i", device}, out...)
	case strings.HasPrefix(device, "/dev/video"):
		in := []string{"-f", "v4l2"}
		if width > 0 && height > 0 {
			in = append(in, "-video_size", fmt.Sprintf("%dx%d", width, height))
		}
		in = append(in, "-framerate", fmt.Sprintf("%d", fps), "-i", device)
		return append(in, out...)
	default:
		// video file, played at native speed
		return append([]string{"-re", "-i", device}, out...)
	}
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

func (s *FFmpegSource) readPipe(stdout io.Reader) {
	defer close(s.done)
	s.running.Store(true)
	defer s.running.Store(false)

	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			for {
				data := extractJPEGFrame(&buffer)
				if data == nil {
					break
				}
				s.publish(data)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Warn().Err(err).Msg("read frame")
			}
			s.fail(ErrExhausted)
			return
		}
	}
}

func (s *FFmpegSource) pollHTTPImages(ctx context.Context) {
	defer close(s.done)
	s.running.Store(true)
	defer s.running.Store(false)

	client := &http.Client{Timeout: 10 * time.Second}
	interval := time.Second / time.Duration(s.fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := fetchImage(ctx, client, s.device)
			if err != nil {
				s.log.Warn().Err(err).Msg("fetch frame")
				continue
			}
			s.publish(data)
		}
	}
}

func fetchImage(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *FFmpegSource) publish(data []byte) {
	img, err := jpeg.Decode(bytes.NewReader(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.DecodeErrors++
		return
	}
	if s.fresh {
		s.stats.FramesDropped++
	}
	s.latest = img
	s.fresh = true
	s.stats.FramesCaptured++
	s.stats.LastFrameTime = time.Now()

	close(s.notify)
	s.notify = make(chan struct{})

	if s.stats.FramesCaptured%100 == 0 {
		s.log.Debug().Uint64("frames", s.stats.FramesCaptured).Uint64("dropped", s.stats.FramesDropped).Msg("capture progress")
	}
}

func (s *FFmpegSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

// Read returns the latest frame, waiting for the first one if needed. While
// the stream is alive the last frame is repeated; once the pipe has ended,
// an unread frame is still handed out and every later Read returns
// ErrExhausted.
func (s *FFmpegSource) Read(ctx context.Context) (image.Image, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return nil, ErrClosed
		case s.latest != nil && (s.fresh || s.err == nil):
			img := s.latest
			s.fresh = false
			s.mu.Unlock()
			return img, nil
		case s.err != nil:
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns a copy of the capture counters and whether the capture
// goroutine is still alive
func (s *FFmpegSource) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Running = s.running.Load()
	return st
}

// Close stops ffmpeg and waits for the reader to exit
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	s.cancel()
	<-s.done
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	s.log.Info().Msg("capture stopped")
	return nil
}

// extractJPEGFrame cuts the first complete SOI..EOI frame out of buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	start := bytes.Index(buf, []byte{0xFF, 0xD8})
	if start == -1 {
		// keep a trailing 0xFF that may start the next marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	end := bytes.Index(buf[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		if start > 0 {
			*buffer = append(buf[:0], buf[start:]...)
		}
		return nil
	}
	end += start + 4

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = append(buf[:0], buf[end:]...)
	return frame
}
