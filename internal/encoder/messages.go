package encoder

import (
	"errors"
	"fmt"
	"image"
)

// RequestType enumerates the operations a background worker understands
type RequestType string

const (
	RequestInit         RequestType = "init"
	RequestEncode       RequestType = "encode"
	RequestEncodeBatch  RequestType = "encodeBatch"
	RequestGetImageData RequestType = "getImageData"
)

// ResponseType is the outcome tag of a worker message
type ResponseType string

const (
	ResponseSuccess ResponseType = "success"
	ResponseError   ResponseType = "error"
	ResponseReady   ResponseType = "ready"
)

// Request is posted to the worker; ID correlates the matching Response
type Request struct {
	Type    RequestType
	ID      uint64
	Payload any
}

// Response answers a Request. Ready messages carry no ID.
type Response struct {
	Type   ResponseType
	ID     uint64
	Result any
	Err    string
}

// InitPayload sizes the offscreen canvas
type InitPayload struct {
	Width  int
	Height int
}

// EncodePayload asks for one JPEG of Bitmap. The worker closes the bitmap.
type EncodePayload struct {
	Bitmap  *Bitmap
	Quality float64
}

// EncodeBatchPayload encodes several bitmaps in order
type EncodeBatchPayload struct {
	Bitmaps []*Bitmap
	Quality float64
}

var (
	ErrCanvasNotInitialized = errors.New("canvas not initialized, call init first")
	ErrWorkerTerminated     = errors.New("encoder worker terminated")
	ErrWorkerUnavailable    = errors.New("encoder worker unavailable")
	ErrWorkerFailed         = errors.New("encoder worker failed")
	ErrNoSource             = errors.New("no frame source")
	ErrUnknownRequest       = errors.New("unknown request type")
)

// errorFromResponse turns a worker error message back into a sentinel where possible
func errorFromResponse(msg string) error {
	switch msg {
	case ErrCanvasNotInitialized.Error():
		return ErrCanvasNotInitialized
	case ErrWorkerTerminated.Error():
		return ErrWorkerTerminated
	default:
		return fmt.Errorf("%w: %s", ErrWorkerFailed, msg)
	}
}

func unexpectedResult(op RequestType, v any) error {
	return fmt.Errorf("%w: unexpected %s result %T", ErrWorkerFailed, op, v)
}

// imageResult narrows a getImageData result
func imageResult(v any) (*image.RGBA, error) {
	img, ok := v.(*image.RGBA)
	if !ok {
		return nil, unexpectedResult(RequestGetImageData, v)
	}
	return img, nil
}
