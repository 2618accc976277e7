package dispatch

import (
	"context"
	"sync"

	"orderflow/pkg/db"
)

// Event types understood by the order pipeline.
const (
	TypeOrderPlacement = "OrderPlacementEvent"
)

// Handler processes one dispatched event. A returned error leaves the event
// unprocessed.
type Handler interface {
	Handle(ctx context.Context, e db.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e db.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e db.Event) error { return f(ctx, e) }

// Registry maps event types to handlers. It is shared by every manager.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to eventType, replacing any previous binding.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

func (r *Registry) Get(eventType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}
