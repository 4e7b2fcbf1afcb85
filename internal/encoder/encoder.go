// Package encoder turns frames into base64 JPEG for the inference transport.
// Encoding runs on a long-lived background worker; when the worker is
// missing or fails, frames are encoded synchronously on the caller.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/nfnt/resize"
	"github.com/rs/zerolog"

	"nexara/internal/logger"
)

const DefaultQuality = 0.85

var errNotPosted = errors.New("request not posted")

// Encoder correlates worker responses with callers by request id
type Encoder struct {
	worker Worker
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[uint64]chan Response
	nextID  uint64
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
	failed    atomic.Bool

	canvasMu sync.Mutex
	canvas   image.Point

	fallbacks atomic.Uint64
	encoded   atomic.Uint64
}

// New wraps worker. A nil worker means every frame takes the synchronous path.
func New(worker Worker) *Encoder {
	e := &Encoder{
		worker:  worker,
		log:     logger.Component("encoder"),
		pending: make(map[uint64]chan Response),
		ready:   make(chan struct{}),
	}
	if worker != nil {
		go e.dispatch()
	} else {
		e.failed.Store(true)
	}
	return e
}

// dispatch routes responses to whichever caller owns the id
func (e *Encoder) dispatch() {
	for resp := range e.worker.Responses() {
		if resp.Type == ResponseReady {
			e.readyOnce.Do(func() { close(e.ready) })
			continue
		}

		e.mu.Lock()
		ch, ok := e.pending[resp.ID]
		delete(e.pending, resp.ID)
		e.mu.Unlock()

		if !ok {
			e.log.Debug().Uint64("id", resp.ID).Msg("response for unknown request")
			continue
		}
		ch <- resp
	}

	e.failed.Store(true)
	e.rejectPending()
}

// rejectPending fails every outstanding request with ErrWorkerTerminated
func (e *Encoder) rejectPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		close(ch)
		delete(e.pending, id)
	}
}

// WaitReady blocks until the worker has announced itself
func (e *Encoder) WaitReady(ctx context.Context) error {
	if e.worker == nil {
		return ErrWorkerUnavailable
	}
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the worker path is usable right now
func (e *Encoder) Ready() bool {
	if e.failed.Load() {
		return false
	}
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

func (e *Encoder) call(ctx context.Context, typ RequestType, payload any) (any, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", errNotPosted, ErrWorkerTerminated)
	}
	e.nextID++
	id := e.nextID
	ch := make(chan Response, 1)
	e.pending[id] = ch
	e.mu.Unlock()

	if err := e.worker.Post(Request{Type: typ, ID: id, Payload: payload}); err != nil {
		e.forget(id)
		return nil, fmt.Errorf("%w: %w", errNotPosted, err)
	}

	select {
	case <-ctx.Done():
		e.forget(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrWorkerTerminated
		}
		if resp.Type == ResponseError {
			return nil, errorFromResponse(resp.Err)
		}
		return resp.Result, nil
	}
}

func (e *Encoder) forget(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// InitCanvas sizes the worker canvas
func (e *Encoder) InitCanvas(ctx context.Context, width, height int) error {
	if e.worker == nil {
		return ErrWorkerUnavailable
	}

	e.canvasMu.Lock()
	defer e.canvasMu.Unlock()
	if _, err := e.call(ctx, RequestInit, InitPayload{Width: width, Height: height}); err != nil {
		return fmt.Errorf("init canvas: %w", err)
	}
	e.canvas = image.Pt(width, height)
	return nil
}

func (e *Encoder) ensureCanvas(ctx context.Context, width, height int) error {
	e.canvasMu.Lock()
	size := e.canvas
	e.canvasMu.Unlock()
	if size == image.Pt(width, height) {
		return nil
	}
	return e.InitCanvas(ctx, width, height)
}

// EncodeBitmap sends a bitmap to the worker without fallback. The bitmap is
// released whether or not the request reached the worker.
func (e *Encoder) EncodeBitmap(ctx context.Context, bmp *Bitmap, quality float64) (string, error) {
	if e.worker == nil {
		bmp.Close()
		return "", ErrWorkerUnavailable
	}

	res, err := e.call(ctx, RequestEncode, EncodePayload{Bitmap: bmp, Quality: quality})
	if err != nil {
		if errors.Is(err, errNotPosted) {
			bmp.Close()
		}
		return "", err
	}
	s, ok := res.(string)
	if !ok {
		return "", unexpectedResult(RequestEncode, res)
	}
	return s, nil
}

// EncodeVideoFrame snapshots src at width x height and returns base64 JPEG.
// The worker path is tried first; on any worker failure the frame is
// encoded synchronously at the same quality. An error is returned only when
// both paths fail.
func (e *Encoder) EncodeVideoFrame(ctx context.Context, src image.Image, width, height int, quality float64) (string, error) {
	if src == nil || src.Bounds().Empty() {
		return "", ErrNoSource
	}
	if quality <= 0 {
		quality = DefaultQuality
	}

	if e.Ready() {
		s, err := e.encodeOnWorker(ctx, src, width, height, quality)
		if err == nil {
			e.encoded.Add(1)
			return s, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		e.log.Warn().Err(err).Msg("background encode failed, falling back to synchronous encode")
	}

	e.fallbacks.Add(1)
	s, err := encodeSync(src, width, height, quality)
	if err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	e.encoded.Add(1)
	return s, nil
}

func (e *Encoder) encodeOnWorker(ctx context.Context, src image.Image, width, height int, quality float64) (string, error) {
	if err := e.ensureCanvas(ctx, width, height); err != nil {
		return "", err
	}
	return e.EncodeBitmap(ctx, NewBitmap(src, width, height), quality)
}

// EncodeBatch encodes several frames in one worker round trip
func (e *Encoder) EncodeBatch(ctx context.Context, srcs []image.Image, width, height int, quality float64) ([]string, error) {
	if len(srcs) == 0 {
		return nil, nil
	}

	if e.Ready() {
		out, err := e.encodeBatchOnWorker(ctx, srcs, width, height, quality)
		if err == nil {
			e.encoded.Add(uint64(len(out)))
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn().Err(err).Int("frames", len(srcs)).Msg("background batch encode failed, falling back")
	}

	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		e.fallbacks.Add(1)
		s, err := encodeSync(src, width, height, quality)
		if err != nil {
			return nil, fmt.Errorf("encode batch: %w", err)
		}
		out = append(out, s)
	}
	e.encoded.Add(uint64(len(out)))
	return out, nil
}

func (e *Encoder) encodeBatchOnWorker(ctx context.Context, srcs []image.Image, width, height int, quality float64) ([]string, error) {
	if err := e.ensureCanvas(ctx, width, height); err != nil {
		return nil, err
	}

	bitmaps := make([]*Bitmap, 0, len(srcs))
	for _, src := range srcs {
		if src == nil {
			for _, b := range bitmaps {
				b.Close()
			}
			return nil, ErrNoSource
		}
		bitmaps = append(bitmaps, NewBitmap(src, width, height))
	}

	res, err := e.call(ctx, RequestEncodeBatch, EncodeBatchPayload{Bitmaps: bitmaps, Quality: quality})
	if err != nil {
		if errors.Is(err, errNotPosted) {
			for _, b := range bitmaps {
				b.Close()
			}
		}
		return nil, err
	}
	out, ok := res.([]string)
	if !ok {
		return nil, unexpectedResult(RequestEncodeBatch, res)
	}
	return out, nil
}

// ImageData returns a copy of the worker canvas
func (e *Encoder) ImageData(ctx context.Context) (*image.RGBA, error) {
	if e.worker == nil {
		return nil, ErrWorkerUnavailable
	}
	res, err := e.call(ctx, RequestGetImageData, nil)
	if err != nil {
		return nil, err
	}
	return imageResult(res)
}

// Fallbacks counts frames encoded on the synchronous path
func (e *Encoder) Fallbacks() uint64 {
	return e.fallbacks.Load()
}

// Encoded counts frames encoded on either path
func (e *Encoder) Encoded() uint64 {
	return e.encoded.Load()
}

// Close terminates the worker and rejects pending requests. Idempotent.
func (e *Encoder) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.failed.Store(true)
	if e.worker != nil {
		e.worker.Terminate()
	}
	e.rejectPending()
}

// encodeSync is the main-thread path: bilinear resize then JPEG
func encodeSync(src image.Image, width, height int, quality float64) (string, error) {
	if src == nil || src.Bounds().Empty() {
		return "", ErrNoSource
	}
	img := src
	if b := src.Bounds(); b.Dx() != width || b.Dy() != height {
		img = resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	}
	return encodeJPEG(img, quality)
}
