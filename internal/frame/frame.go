// Package frame holds the RGBA pixel grid shared by the motion analyzer,
// the edge detector and the encoder.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"
)

var (
	// ErrDimensionMismatch is returned when two frames that must be compared
	// have different sizes. It indicates a caller bug, not a transient fault.
	ErrDimensionMismatch = errors.New("frame dimensions do not match")
	ErrMalformedFrame    = errors.New("malformed frame")
)

// Frame is a width x height grid of RGBA samples, row-major, 4 bytes per pixel
type Frame struct {
	Width     int
	Height    int
	Pix       []uint8
	Timestamp time.Time
}

// New allocates a black, fully transparent frame
func New(width, height int) *Frame {
	return &Frame{
		Width:     width,
		Height:    height,
		Pix:       make([]uint8, width*height*4),
		Timestamp: time.Now(),
	}
}

// FromImage converts img to a Frame. When width and height are positive the
// image is scaled to that size, otherwise its native bounds are kept.
func FromImage(img image.Image, width, height int) *Frame {
	b := img.Bounds()
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == b.Dx() && height == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	return &Frame{
		Width:     width,
		Height:    height,
		Pix:       dst.Pix,
		Timestamp: time.Now(),
	}
}

// Image exposes the frame as an *image.RGBA sharing the same pixel buffer
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Validate checks that the pixel buffer matches the declared size
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrMalformedFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrMalformedFrame, f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*4 {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrMalformedFrame, len(f.Pix), f.Width, f.Height)
	}
	return nil
}

// SameSize reports whether both frames have identical dimensions
func SameSize(a, b *Frame) bool {
	return a.Width == b.Width && a.Height == b.Height
}

// CheckPair validates both frames and requires identical dimensions
func CheckPair(current, previous *Frame) error {
	if err := current.Validate(); err != nil {
		return err
	}
	if err := previous.Validate(); err != nil {
		return err
	}
	if !SameSize(current, previous) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrDimensionMismatch,
			current.Width, current.Height, previous.Width, previous.Height)
	}
	return nil
}
