package encoder

import (
	"image"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
)

var bitmapPool sync.Pool

// Bitmap is a single-use RGBA snapshot of a frame. It must be closed once
// encoded so its buffer can be reused.
type Bitmap struct {
	img    *image.RGBA
	closed atomic.Bool
}

// NewBitmap snapshots src at width x height using nearest-neighbour scaling
func NewBitmap(src image.Image, width, height int) *Bitmap {
	rect := image.Rect(0, 0, width, height)

	var dst *image.RGBA
	if pooled, ok := bitmapPool.Get().(*image.RGBA); ok && pooled.Rect == rect {
		dst = pooled
	} else {
		dst = image.NewRGBA(rect)
	}

	draw.NearestNeighbor.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
	return &Bitmap{img: dst}
}

// Image returns the pixels, or nil after Close
func (b *Bitmap) Image() *image.RGBA {
	if b.closed.Load() {
		return nil
	}
	return b.img
}

// Bounds of the snapshot
func (b *Bitmap) Bounds() image.Rectangle {
	return b.img.Rect
}

// Close releases the buffer. Safe to call more than once.
func (b *Bitmap) Close() {
	if b.closed.CompareAndSwap(false, true) {
		bitmapPool.Put(b.img)
	}
}

// Closed reports whether Close has been called
func (b *Bitmap) Closed() bool {
	return b.closed.Load()
}
