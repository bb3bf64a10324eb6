// Package breaker implements a three-state circuit breaker wrapped
// around external collaborator calls made from job handlers. The queue
// backend itself is never placed behind a breaker.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sendable-ai/relayq/internal/logger"
	"github.com/sendable-ai/relayq/internal/relayerr"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker guards one named collaborator.
type Breaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	log              logger.Logger

	mu           sync.Mutex
	state        State
	failures     int
	lastFailure  time.Time
	halfOpenBusy bool
}

// New creates a closed breaker for a named collaborator.
func New(name string, failureThreshold int, resetTimeout time.Duration, log logger.Logger) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		log:              log.WithComponent(logger.ComponentWorker),
		state:            StateClosed,
	}
}

// State returns the current breaker state, transitioning open to
// half-open when the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.resetTimeout {
		b.state = StateHalfOpen
		b.halfOpenBusy = false
		b.log.Info("Circuit breaker half-open", "breaker", b.name)
	}
	return b.state
}

// Execute runs fn under the breaker. When open it fast-fails with a
// circuit-open error without invoking fn. In half-open state exactly one
// probe call is admitted at a time.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	switch b.currentState() {
	case StateOpen:
		b.mu.Unlock()
		return relayerr.CircuitOpen(b.name)
	case StateHalfOpen:
		if b.halfOpenBusy {
			b.mu.Unlock()
			return relayerr.CircuitOpen(b.name)
		}
		b.halfOpenBusy = true
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) recordFailure() {
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.halfOpenBusy = false
		b.log.Warn("Circuit breaker re-opened after failed probe", "breaker", b.name)
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold && b.state == StateClosed {
		b.state = StateOpen
		b.log.Warn("Circuit breaker opened",
			"breaker", b.name,
			"failures", b.failures,
			"reset_timeout", b.resetTimeout.String())
	}
}

func (b *Breaker) recordSuccess() {
	if b.state == StateHalfOpen {
		b.log.Info("Circuit breaker closed after successful probe", "breaker", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.halfOpenBusy = false
}

// Registry holds one breaker per collaborator name.
type Registry struct {
	failureThreshold int
	resetTimeout     time.Duration
	log              logger.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry stamping out breakers with shared
// threshold and reset settings.
func NewRegistry(failureThreshold int, resetTimeout time.Duration, log logger.Logger) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		log:              log,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the breaker for a collaborator, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.failureThreshold, r.resetTimeout, r.log)
	r.breakers[name] = b
	return b
}
