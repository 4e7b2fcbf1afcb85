// Package opencv reads frames through gocv for local cameras and video files.
package opencv

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"nexara/internal/capture"
)

// Source wraps a gocv VideoCapture
type Source struct {
	mu     sync.Mutex
	webcam *gocv.VideoCapture
	mat    gocv.Mat
	closed bool
}

var _ capture.Source = (*Source)(nil)

// Open accepts a device index ("0") or a file path
func Open(device string) (*Source, error) {
	var (
		webcam *gocv.VideoCapture
		err    error
	)
	if id, convErr := strconv.Atoi(device); convErr == nil {
		webcam, err = gocv.OpenVideoCapture(id)
	} else {
		webcam, err = gocv.OpenVideoCapture(device)
	}
	if err != nil {
		return nil, fmt.Errorf("open video capture %s: %w", device, err)
	}
	return &Source{webcam: webcam, mat: gocv.NewMat()}, nil
}

func (s *Source) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, capture.ErrClosed
	}
	if ok := s.webcam.Read(&s.mat); !ok {
		return nil, capture.ErrExhausted
	}
	if s.mat.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	return s.mat.ToImage()
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.webcam.Close()
}
