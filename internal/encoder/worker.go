package encoder

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"math"
	"sync"
)

// Worker is an isolated execution unit reached only through messages.
// Responses may arrive in any order; callers correlate them by ID.
type Worker interface {
	Post(req Request) error
	Responses() <-chan Response
	Terminate()
}

// CanvasWorker owns an offscreen RGBA canvas and encodes bitmaps drawn onto
// it. All canvas access happens on the worker goroutine.
type CanvasWorker struct {
	requests  chan Request
	responses chan Response
	done      chan struct{}
	stopOnce  sync.Once

	canvas *image.RGBA
}

// NewCanvasWorker starts the worker goroutine. It announces itself with a
// ready response.
func NewCanvasWorker() *CanvasWorker {
	w := &CanvasWorker{
		requests:  make(chan Request, 32),
		responses: make(chan Response, 32),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *CanvasWorker) Post(req Request) error {
	select {
	case <-w.done:
		return ErrWorkerTerminated
	default:
	}

	select {
	case <-w.done:
		return ErrWorkerTerminated
	case w.requests <- req:
		return nil
	}
}

func (w *CanvasWorker) Responses() <-chan Response {
	return w.responses
}

// Terminate stops the goroutine; queued requests are abandoned
func (w *CanvasWorker) Terminate() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *CanvasWorker) run() {
	defer close(w.responses)

	if !w.send(Response{Type: ResponseReady}) {
		return
	}

	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			if !w.send(w.handle(req)) {
				return
			}
		}
	}
}

func (w *CanvasWorker) send(resp Response) bool {
	select {
	case <-w.done:
		return false
	case w.responses <- resp:
		return true
	}
}

func (w *CanvasWorker) handle(req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Type: ResponseError, ID: req.ID, Err: fmt.Sprintf("worker panic: %v", r)}
		}
	}()

	var (
		result any
		err    error
	)
	switch req.Type {
	case RequestInit:
		p, ok := req.Payload.(InitPayload)
		if !ok || p.Width <= 0 || p.Height <= 0 {
			err = fmt.Errorf("invalid init payload %v", req.Payload)
			break
		}
		w.canvas = image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
		result = true

	case RequestEncode:
		p, ok := req.Payload.(EncodePayload)
		if !ok || p.Bitmap == nil {
			err = fmt.Errorf("invalid encode payload %T", req.Payload)
			break
		}
		result, err = w.encode(p.Bitmap, p.Quality)

	case RequestEncodeBatch:
		p, ok := req.Payload.(EncodeBatchPayload)
		if !ok {
			err = fmt.Errorf("invalid encodeBatch payload %T", req.Payload)
			break
		}
		out := make([]string, 0, len(p.Bitmaps))
		for i, bmp := range p.Bitmaps {
			s, encErr := w.encode(bmp, p.Quality)
			if encErr != nil {
				for _, rest := range p.Bitmaps[i+1:] {
					rest.Close()
				}
				err = encErr
				break
			}
			out = append(out, s)
		}
		result = out

	case RequestGetImageData:
		if w.canvas == nil {
			err = ErrCanvasNotInitialized
			break
		}
		cp := image.NewRGBA(w.canvas.Rect)
		copy(cp.Pix, w.canvas.Pix)
		result = cp

	default:
		err = fmt.Errorf("%w: %q", ErrUnknownRequest, req.Type)
	}

	if err != nil {
		return Response{Type: ResponseError, ID: req.ID, Err: err.Error()}
	}
	return Response{Type: ResponseSuccess, ID: req.ID, Result: result}
}

// encode draws bmp onto the canvas and returns base64 JPEG. bmp is always closed.
func (w *CanvasWorker) encode(bmp *Bitmap, quality float64) (string, error) {
	defer bmp.Close()

	if w.canvas == nil {
		return "", ErrCanvasNotInitialized
	}
	src := bmp.Image()
	if src == nil {
		return "", fmt.Errorf("bitmap already released")
	}

	draw.Draw(w.canvas, w.canvas.Rect, src, src.Rect.Min, draw.Src)
	return encodeJPEG(w.canvas, quality)
}

// encodeJPEG returns bare base64 (no data URL prefix)
func encodeJPEG(img image.Image, quality float64) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(quality)}); err != nil {
		return "", fmt.Errorf("jpeg encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// jpegQuality maps (0,1] onto jpeg's 1-100 scale
func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}
