package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc applies the side effects of one event. The returned value is
// stored as the event's result and must be JSON serializable.
type HandlerFunc func(ctx context.Context, ev Event) (any, error)

// Key identifies a handler.
type Key struct {
	Source string
	Type   string
}

func (k Key) String() string { return k.Source + "/" + k.Type }

// Registry maps (source, type) to handlers. It is populated at startup and
// read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Key]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]HandlerFunc)}
}

// Register adds a handler. It panics on a nil handler or a duplicate key.
func (r *Registry) Register(source, eventType string, h HandlerFunc) {
	if h == nil {
		panic("webhook: nil handler for " + source + "/" + eventType)
	}
	key := Key{Source: source, Type: eventType}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic("webhook: multiple registrations for " + key.String())
	}
	r.handlers[key] = h
}

// Lookup returns the handler for (source, type) or an error wrapping
// ErrNoHandler.
func (r *Registry) Lookup(source, eventType string) (HandlerFunc, error) {
	r.mu.RLock()
	h, ok := r.handlers[Key{Source: source, Type: eventType}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s/%s", ErrNoHandler, source, eventType)
	}
	return h, nil
}

// Keys lists the registered keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Type < keys[j].Type
	})
	return keys
}
