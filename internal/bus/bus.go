// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies different event types
type EventType string

const (
	// Session events
	EventTypeSessionState   EventType = "session.state_changed"
	EventTypeSessionFailed  EventType = "session.failed"
	EventTypeAudioGate      EventType = "session.audio_gate"
	EventTypeTrackAttached  EventType = "session.track_attached"
	EventTypeSpeakTask      EventType = "session.speak_task"
	EventTypeStaleDiscarded EventType = "session.stale_discarded"

	// Surface events
	EventTypeStatus          EventType = "surface.status"
	EventTypeVisibility      EventType = "surface.visibility"
	EventTypeReply           EventType = "surface.reply"
	EventTypeTranscript      EventType = "surface.transcript"
	EventTypeTranscriptClear EventType = "surface.transcript_cleared"

	// Capture events
	EventTypeCaptureStarted EventType = "capture.started"
	EventTypeCaptureStopped EventType = "capture.stopped"
	EventTypeChunk          EventType = "capture.chunk"

	// Connection events
	EventTypeBackendHealth EventType = "connection.health"
)

// Event represents a bus event. Seq increases monotonically per bus so
// asynchronous subscribers can restore publish order.
type Event struct {
	Type EventType      `json:"type"`
	Seq  uint64         `json:"seq"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler is a function that handles events
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	all      []subscription
	nextID   uint64
	seq      atomic.Uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe adds a handler for an event type and returns a function that
// removes it.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})
	return func() { b.unsubscribe(eventType, id) }
}

// SubscribeAll adds a handler that receives every event.
func (b *EventBus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})
	return func() { b.unsubscribe("", id) }
}

func (b *EventBus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remove := func(subs []subscription) []subscription {
		out := subs[:0]
		for _, s := range subs {
			if s.id != id {
				out = append(out, s)
			}
		}
		return out
	}
	if eventType == "" {
		b.all = remove(b.all)
		return
	}
	b.handlers[eventType] = remove(b.handlers[eventType])
}

func (b *EventBus) prepare(event Event) (Event, []Handler) {
	event.Seq = b.seq.Add(1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	for _, s := range b.handlers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	return event, handlers
}

// Publish sends an event to all subscribed handlers without blocking the
// publisher.
func (b *EventBus) Publish(event Event) {
	event, handlers := b.prepare(event)
	for _, handler := range handlers {
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	event, handlers := b.prepare(event)

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]subscription)
	b.all = nil
}
