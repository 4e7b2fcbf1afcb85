package pipeline

import (
	"sync"
)

// Handler receives processed detections from the bus
type Handler interface {
	OnDetection(d *ProcessedDetection)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(d *ProcessedDetection)

func (f HandlerFunc) OnDetection(d *ProcessedDetection) { f(d) }

// EventBus provides pub/sub for processed detections
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter string // empty receives all cameras
	channel      chan *ProcessedDetection
	handler      Handler
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for every camera and returns an unsubscribe function
func (b *EventBus) Subscribe(handler Handler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeCamera registers a handler for one camera
func (b *EventBus) SubscribeCamera(cameraID string, handler Handler) func() {
	return b.add(&eventSubscription{cameraFilter: cameraID, handler: handler})
}

// SubscribeChannel returns a buffered channel fed with every detection.
// Detections are dropped while the channel is full.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *ProcessedDetection, func()) {
	return b.SubscribeCameraChannel("", bufferSize)
}

// SubscribeCameraChannel is SubscribeChannel filtered to one camera
func (b *EventBus) SubscribeCameraChannel(cameraID string, bufferSize int) (<-chan *ProcessedDetection, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *ProcessedDetection, bufferSize)
	sub := &eventSubscription{
		cameraFilter: cameraID,
		channel:      ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish delivers d to all matching subscribers
func (b *EventBus) Publish(d *ProcessedDetection) {
	if d == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && sub.cameraFilter != d.CameraID {
			continue
		}

		// Handlers run synchronously so detections arrive in order
		if sub.handler != nil {
			sub.handler.OnDetection(d)
		} else if sub.channel != nil {
			select {
			case sub.channel <- d:
			default:
			}
		}
	}
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
