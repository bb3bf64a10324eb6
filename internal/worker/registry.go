// Package worker executes jobs: a handler registry, per-class dispatch
// pools, and the shared processing pipeline both the pools and the
// polling fallback run jobs through.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sendable-ai/relayq/internal/job"
)

// Handler processes one job attempt. The returned bytes become the
// stored result output.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, j *job.Job) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	return f(ctx, j)
}

// Entry binds a handler to its class with resolved dispatch settings.
// Gate, when set, is consulted before a job is claimed; a false result
// leaves the job in the waiting set untouched.
type Entry struct {
	Class    job.Class
	Handler  Handler
	Defaults job.Defaults
	Gate     func() bool
}

// Registry maps job classes to handlers. Registration happens during
// engine initialization; lookups are concurrent after that.
type Registry struct {
	mu      sync.RWMutex
	entries map[job.Class]*Entry
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[job.Class]*Entry)}
}

// Register binds a handler to a class. Registering a class twice is a
// configuration bug and fails loudly.
func (r *Registry) Register(class job.Class, h Handler) error {
	if !job.IsKnownClass(class) {
		return fmt.Errorf("cannot register handler for unknown class %q", class)
	}
	if h == nil {
		return fmt.Errorf("nil handler for class %q", class)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[class]; exists {
		return fmt.Errorf("handler already registered for class %q", class)
	}

	r.entries[class] = &Entry{
		Class:    class,
		Handler:  h,
		Defaults: job.DefaultsFor(class, job.PriorityNormal),
	}
	return nil
}

// SetGate installs an admission gate for an already registered class.
// Handlers whose collaborator sits behind a circuit breaker gate their
// class on the breaker state so open-circuit jobs are not claimed.
func (r *Registry) SetGate(class job.Class, gate func() bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[class]
	if !exists {
		return fmt.Errorf("no handler registered for class %q", class)
	}
	entry.Gate = gate
	return nil
}

// Lookup returns the entry for a class, or nil when none is registered.
func (r *Registry) Lookup(class job.Class) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[class]
}

// Classes returns every registered class.
func (r *Registry) Classes() []job.Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.Class, 0, len(r.entries))
	for class := range r.entries {
		out = append(out, class)
	}
	return out
}
