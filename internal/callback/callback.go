// Package callback implements the native, in-process half of the
// invokeCallback host op: a thread-safe table mapping
// FunctionID to an async Go function. The session package's
// session-bridged tools are stored in the same Registry, as Funcs that
// forward each call over the client's bridge connection, so the
// sandbox's single invokeCallback op never has to know which kind of
// callback it is calling.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonwraymond/codemode/internal/toolmodel"
)

// CallbackError is the structured error a callback may return; it is
// rendered inside the sandbox as the rejection reason for the promise
// invokeCallback returned.
type CallbackError struct {
	Code    string
	Message string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback: %s: %s", e.Code, e.Message)
}

// Func is a callback implementation: given the call's JSON arguments, it
// returns a JSON result or a CallbackError.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Invoker is the single interface invokeCallback dispatches through.
// Registry (this package) satisfies it.
type Invoker interface {
	Call(ctx context.Context, id toolmodel.FunctionID, args json.RawMessage) (json.RawMessage, error)
}

// Registry is a keyed table of FunctionID -> Func, safe for concurrent
// lookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[toolmodel.FunctionID]Func
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[toolmodel.FunctionID]Func)}
}

// Add registers fn under id. It fails if id is already registered.
func (r *Registry) Add(id toolmodel.FunctionID, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("callback: %s already registered", id)
	}
	r.entries[id] = fn
	return nil
}

// Has answers in O(1) whether id is registered.
func (r *Registry) Has(id toolmodel.FunctionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[id]
	return exists
}

// Remove deletes a registration, if present.
func (r *Registry) Remove(id toolmodel.FunctionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Call invokes the callback under the caller's goroutine; the callback may
// itself suspend on further async work.
func (r *Registry) Call(ctx context.Context, id toolmodel.FunctionID, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, exists := r.entries[id]
	r.mu.RUnlock()
	if !exists {
		return nil, &CallbackError{Code: "ToolNotFound", Message: fmt.Sprintf("no callback registered for %s", id)}
	}
	return fn(ctx, args)
}
