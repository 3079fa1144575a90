// Package registry maps queue names to handlers.
package registry

import (
	"sort"
	"sync"

	"github.com/BranchIntl/jobqueue/core"
	"github.com/BranchIntl/jobqueue/errors"
)

// Registry is a thread-safe handler registry with an optional fallback
// for queues nobody registered.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]core.HandlerFunc
	fallback core.HandlerFunc
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]core.HandlerFunc),
	}
}

// Register adds the handler for a queue
func (r *Registry) Register(queue string, handler core.HandlerFunc) error {
	if queue == "" {
		return errors.ErrEmptyQueueName
	}

	if handler == nil {
		return errors.ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[queue] = handler
	return nil
}

// SetFallback sets the handler used when a queue has none
func (r *Registry) SetFallback(handler core.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fallback = handler
}

// Get retrieves the handler for a queue, or the fallback
func (r *Registry) Get(queue string) (core.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if handler, ok := r.handlers[queue]; ok {
		return handler, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// List returns all registered queues in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make([]string, 0, len(r.handlers))
	for queue := range r.handlers {
		queues = append(queues, queue)
	}
	sort.Strings(queues)

	return queues
}

// Remove unregisters a handler
func (r *Registry) Remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, queue)
}

// Clear removes all handlers and the fallback
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[string]core.HandlerFunc)
	r.fallback = nil
}
