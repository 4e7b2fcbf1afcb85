package encoder

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func decode(t *testing.T, s string) image.Image {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

// scriptedWorker hands every request to the test and lets it answer in any order
type scriptedWorker struct {
	requests  chan Request
	responses chan Response
	once      sync.Once
}

func newScriptedWorker() *scriptedWorker {
	w := &scriptedWorker{
		requests:  make(chan Request, 16),
		responses: make(chan Response, 16),
	}
	w.responses <- Response{Type: ResponseReady}
	return w
}

func (w *scriptedWorker) Post(req Request) error {
	w.requests <- req
	return nil
}

func (w *scriptedWorker) Responses() <-chan Response { return w.responses }

func (w *scriptedWorker) Terminate() {
	w.once.Do(func() { close(w.responses) })
}

func (w *scriptedWorker) next(t *testing.T) Request {
	t.Helper()
	select {
	case req := <-w.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return Request{}
	}
}

func TestCanvasWorkerEncode(t *testing.T) {
	enc := New(NewCanvasWorker())
	defer enc.Close()

	ctx := context.Background()
	require.NoError(t, enc.WaitReady(ctx))

	src := uniform(64, 48, color.RGBA{R: 220, G: 30, B: 30, A: 255})
	s, err := enc.EncodeVideoFrame(ctx, src, 32, 32, 0.8)
	require.NoError(t, err)

	img := decode(t, s)
	assert.Equal(t, image.Rect(0, 0, 32, 32), img.Bounds())
	r, _, _, _ := img.At(16, 16).RGBA()
	assert.InDelta(t, 220, r>>8, 12)
	assert.Equal(t, uint64(0), enc.Fallbacks())
	assert.Equal(t, uint64(1), enc.Encoded())

	data, err := enc.ImageData(ctx)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), data.Rect)
}

func TestCanvasWorkerRequiresInit(t *testing.T) {
	enc := New(NewCanvasWorker())
	defer enc.Close()

	ctx := context.Background()
	require.NoError(t, enc.WaitReady(ctx))

	bmp := NewBitmap(uniform(8, 8, color.RGBA{A: 255}), 8, 8)
	_, err := enc.EncodeBitmap(ctx, bmp, 0.8)
	assert.ErrorIs(t, err, ErrCanvasNotInitialized)
	assert.True(t, bmp.Closed())

	_, err = enc.ImageData(ctx)
	assert.ErrorIs(t, err, ErrCanvasNotInitialized)
}

func TestCanvasWorkerBatch(t *testing.T) {
	enc := New(NewCanvasWorker())
	defer enc.Close()

	ctx := context.Background()
	require.NoError(t, enc.WaitReady(ctx))

	srcs := []image.Image{
		uniform(16, 16, color.RGBA{R: 255, A: 255}),
		uniform(16, 16, color.RGBA{G: 255, A: 255}),
	}
	out, err := enc.EncodeBatch(ctx, srcs, 16, 16, 0.9)
	require.NoError(t, err)
	require.Len(t, out, 2)

	_, g0, _, _ := decode(t, out[0]).At(8, 8).RGBA()
	_, g1, _, _ := decode(t, out[1]).At(8, 8).RGBA()
	assert.Less(t, g0>>8, uint32(40))
	assert.Greater(t, g1>>8, uint32(200))
}

func TestResponsesCorrelatedById(t *testing.T) {
	w := newScriptedWorker()
	enc := New(w)
	defer enc.Close()

	ctx := context.Background()
	require.NoError(t, enc.WaitReady(ctx))
	require.NoError(t, func() error {
		errc := make(chan error, 1)
		go func() { errc <- enc.InitCanvas(ctx, 4, 4) }()
		req := w.next(t)
		require.Equal(t, RequestInit, req.Type)
		w.responses <- Response{Type: ResponseSuccess, ID: req.ID, Result: true}
		return <-errc
	}())

	type outcome struct {
		result string
		err    error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		s, err := enc.EncodeVideoFrame(ctx, uniform(4, 4, color.RGBA{R: 200, A: 255}), 4, 4, 0.8)
		first <- outcome{s, err}
	}()
	reqA := w.next(t)

	go func() {
		s, err := enc.EncodeVideoFrame(ctx, uniform(4, 4, color.RGBA{R: 50, A: 255}), 4, 4, 0.8)
		second <- outcome{s, err}
	}()
	reqB := w.next(t)

	require.Equal(t, RequestEncode, reqA.Type)
	require.Equal(t, RequestEncode, reqB.Type)
	require.NotEqual(t, reqA.ID, reqB.ID)

	label := func(req Request) string {
		p := req.Payload.(EncodePayload)
		defer p.Bitmap.Close()
		return fmt.Sprintf("red=%d", p.Bitmap.Image().Pix[0])
	}

	// answer the second request first
	w.responses <- Response{Type: ResponseSuccess, ID: reqB.ID, Result: label(reqB)}
	w.responses <- Response{Type: ResponseSuccess, ID: reqA.ID, Result: label(reqA)}

	a := <-first
	b := <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, "red=200", a.result)
	assert.Equal(t, "red=50", b.result)
}

func TestCloseRejectsPending(t *testing.T) {
	w := newScriptedWorker()
	enc := New(w)

	ctx := context.Background()
	require.NoError(t, enc.WaitReady(ctx))

	errc := make(chan error, 1)
	go func() {
		_, err := enc.EncodeBitmap(ctx, NewBitmap(uniform(4, 4, color.RGBA{A: 255}), 4, 4), 0.8)
		errc <- err
	}()
	w.next(t)

	enc.Close()
	enc.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrWorkerTerminated)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not rejected")
	}

	_, err := enc.EncodeBitmap(ctx, NewBitmap(uniform(4, 4, color.RGBA{A: 255}), 4, 4), 0.8)
	assert.ErrorIs(t, err, ErrWorkerTerminated)
}

func TestFallbackWithoutWorker(t *testing.T) {
	enc := New(nil)
	defer enc.Close()

	s, err := enc.EncodeVideoFrame(context.Background(), uniform(100, 50, color.RGBA{B: 255, A: 255}), 20, 10, 0.7)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 10), decode(t, s).Bounds())
	assert.Equal(t, uint64(1), enc.Fallbacks())
}

func TestFallbackWhenWorkerFails(t *testing.T) {
	w := newScriptedWorker()
	enc := New(w)
	defer enc.Close()

	ctx := context.Background()
	require.NoError(t, enc.WaitReady(ctx))

	done := make(chan string, 1)
	go func() {
		s, err := enc.EncodeVideoFrame(ctx, uniform(8, 8, color.RGBA{G: 255, A: 255}), 8, 8, 0.8)
		assert.NoError(t, err)
		done <- s
	}()

	req := w.next(t)
	require.Equal(t, RequestInit, req.Type)
	w.responses <- Response{Type: ResponseError, ID: req.ID, Err: "offscreen canvas unsupported"}

	select {
	case s := <-done:
		assert.Equal(t, image.Rect(0, 0, 8, 8), decode(t, s).Bounds())
	case <-time.After(2 * time.Second):
		t.Fatal("fallback did not complete")
	}
	assert.Equal(t, uint64(1), enc.Fallbacks())
}

func TestEncodeVideoFrameNoSource(t *testing.T) {
	enc := New(nil)
	_, err := enc.EncodeVideoFrame(context.Background(), nil, 8, 8, 0.8)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestJPEGQuality(t *testing.T) {
	assert.Equal(t, 80, jpegQuality(0.8))
	assert.Equal(t, 100, jpegQuality(1.4))
	assert.Equal(t, 1, jpegQuality(0))
}

func TestBitmapCloseIsIdempotent(t *testing.T) {
	bmp := NewBitmap(uniform(10, 10, color.RGBA{A: 255}), 5, 5)
	assert.Equal(t, image.Rect(0, 0, 5, 5), bmp.Bounds())
	bmp.Close()
	bmp.Close()
	assert.Nil(t, bmp.Image())
}
