// Package events carries run and step lifecycle notifications.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/log"
)

type EventType string

const (
	RunStarted    EventType = "run_started"
	RunCompleted  EventType = "run_completed"
	RunFailed     EventType = "run_failed"
	StepStarted   EventType = "step_started"
	StepCompleted EventType = "step_completed"
	StepFailed    EventType = "step_failed"
	StepSkipped   EventType = "step_skipped"
)

type Event struct {
	Type      EventType `json:"type"`
	Pipeline  string    `json:"pipeline"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	Rows      int64     `json:"rows,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Handler func(ctx context.Context, event Event) error

// EventBus delivers events to handlers in subscription order on the
// publishing goroutine. Handler errors and panics are logged and dropped.
type EventBus struct {
	handlers map[EventType][]Handler
	all      []Handler
	mu       sync.RWMutex
	logger   *log.Logger
}

func NewEventBus(logger ...*log.Logger) *EventBus {
	b := &EventBus{handlers: make(map[EventType][]Handler), logger: &log.DefaultLogger}
	if len(logger) > 0 && logger[0] != nil {
		b.logger = logger[0]
	}
	return b
}

// Subscribe registers handler for the given types, or for every type when
// none are given.
func (b *EventBus) Subscribe(handler Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.all = append(b.all, handler)
		return
	}
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Publish is safe on a nil bus.
func (b *EventBus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.all))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()
	for _, h := range handlers {
		b.deliver(ctx, h, event)
	}
}

func (b *EventBus) deliver(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("event", string(event.Type)).Any("panic", r).Msg("event handler panicked")
		}
	}()
	if err := h(ctx, event); err != nil {
		b.logger.Warn().Str("event", string(event.Type)).Err(err).Msg("event handler failed")
	}
}

// Recorder collects published events, mostly for tests and the API.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists recorded event types in order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
