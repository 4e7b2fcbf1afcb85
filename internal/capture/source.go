// Package capture provides frame sources for the detection loop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
)

var (
	// ErrClosed is returned by Read after Close
	ErrClosed = errors.New("source closed")
	// ErrExhausted is returned by finite sources once every frame was read
	ErrExhausted = errors.New("source exhausted")
)

// Source yields video frames. Read returns the most recent frame and may
// block until the first one is available.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// Options tune how Open builds a source
type Options struct {
	FPS    int
	Width  int
	Height int
	Loop   bool
}

// Open picks a source for target. "-" reads an MJPEG stream from stdin,
// directories (or a "dir:" prefix) replay image files, everything else is
// handed to ffmpeg: rtsp/http streams, v4l2 devices and video files.
func Open(target string, opts Options) (Source, error) {
	if target == "" {
		return nil, errors.New("empty source")
	}
	if target == "-" {
		return NewPipeSource("stdin", os.Stdin), nil
	}
	if dir, ok := strings.CutPrefix(target, "dir:"); ok {
		return NewSequenceSource(dir, opts.Loop)
	}
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return NewSequenceSource(target, opts.Loop)
	}

	src, err := NewFFmpegSource(target, opts.FPS, opts.Width, opts.Height)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", target, err)
	}
	return src, nil
}
