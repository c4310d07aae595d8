// Package event is an in-process publish/subscribe bus for environment
// lifecycle events.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/web-casa/dad/internal/model"
)

// Event types.
const (
	EnvironmentCreated       = "environment.created"
	EnvironmentStatusChanged = "environment.status_changed"
	EnvironmentDeleted       = "environment.deleted"

	// All subscribes a handler to every event type.
	All = "*"
)

// Event is one lifecycle occurrence.
type Event struct {
	Type          string        `json:"type"`
	EnvironmentID string        `json:"environment_id"`
	Status        model.Status  `json:"status,omitempty"`
	Previous      model.Status  `json:"previous,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"` // set on the terminal transition of a create
	Time          time.Time     `json:"time"`
}

// Handler processes an event.
type Handler func(e Event)

// Bus is an in-memory event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for the given event type, or All.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish dispatches e synchronously to matching handlers in registration
// order, type-specific handlers first. A panicking handler is recovered and
// logged without affecting the others.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[e.Type])+len(b.handlers[All]))
	handlers = append(handlers, b.handlers[e.Type]...)
	handlers = append(handlers, b.handlers[All]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", e.Type,
						"environment", e.EnvironmentID,
						"panic", r,
					)
				}
			}()
			h(e)
		}()
	}
}
