// Package handlers answers requests a plugin issues back to its client.
//
// During an operation a plugin can call into the client that launched it:
// request credentials after an authentication failure, forward log records,
// or ask the client to monitor a process for exit. Each inbound request
// method maps to a Handler, and a Registry holds the mapping for one plugin
// connection.
//
// Registry insertion is exclusive. TryAdd never overwrites: the first
// handler registered for a method wins, and a losing caller is handed the
// winner to use instead. This keeps concurrent resource adapters sharing one
// plugin from installing duplicate listeners.
package handlers

import (
	"context"
	"sync"

	"github.com/smnsjas/go-nugetplugin/messages"
)

// Handler answers one inbound request method. The returned payload is
// serialized into a Response message; a non-nil error becomes a Fault
// carrying the error text. ctx is canceled when the peer cancels the request
// or the dispatcher shuts down; a canceled handler's reply is suppressed.
type Handler interface {
	Handle(ctx context.Context, req *messages.Message) (payload any, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *messages.Message) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *messages.Message) (any, error) {
	return f(ctx, req)
}

// Registry maps request methods to handlers.
type Registry struct {
	mu sync.RWMutex
	m  map[messages.MessageMethod]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[messages.MessageMethod]Handler)}
}

// TryAdd installs h for method if no handler is present. It returns the
// handler installed after the call and whether h won the slot. A losing
// caller must adopt the returned winner rather than keep its own instance.
func (r *Registry) TryAdd(method messages.MessageMethod, h Handler) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.m[method]; ok {
		return existing, false
	}
	r.m[method] = h
	return h, true
}

// Get returns the handler registered for method.
func (r *Registry) Get(method messages.MessageMethod) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[method]
	return h, ok
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
