package capture

import (
	"context"
	"image"
	"sync"
)

// StaticSource serves in-memory images in order
type StaticSource struct {
	mu     sync.Mutex
	images []image.Image
	next   int
	loop   bool
	closed bool
	reads  int
}

func NewStaticSource(loop bool, images ...image.Image) *StaticSource {
	return &StaticSource{images: images, loop: loop}
}

func (s *StaticSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.next >= len(s.images) {
		if !s.loop || len(s.images) == 0 {
			return nil, ErrExhausted
		}
		s.next = 0
	}
	img := s.images[s.next]
	s.next++
	s.reads++
	return img, nil
}

// Reads counts successful reads
func (s *StaticSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *StaticSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
