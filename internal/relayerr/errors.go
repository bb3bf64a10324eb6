// Package relayerr defines the error taxonomy shared by the queue engine.
// Errors carry a Kind so the worker boundary can decide between retry and
// terminal failure without inspecting collaborator internals.
package relayerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and alerting decisions.
type Kind string

const (
	// KindConnection covers Redis unreachable, auth failures, and TLS
	// handshake failures. Recovered by requesting a fresh handle.
	KindConnection Kind = "connection"
	// KindRateLimit is a provider-signaled request-cap exceedance.
	KindRateLimit Kind = "rate_limit"
	// KindTimeout means a labeled timeout fired. Always retryable.
	KindTimeout Kind = "timeout"
	// KindRetryable is an application-declared transient failure.
	KindRetryable Kind = "retryable"
	// KindPermanent is an application-declared terminal failure.
	KindPermanent Kind = "permanent"
	// KindCircuitOpen means the collaborator breaker is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindUnknownJobClass means no handler is registered for the class.
	KindUnknownJobClass Kind = "unknown_job_class"
	// KindPayloadCorrupt means the job record is missing required fields.
	KindPayloadCorrupt Kind = "payload_corrupt"
)

// Error is a classified error. Label names the operation or collaborator
// that produced it.
type Error struct {
	Kind  Kind
	Label string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Label, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Label, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Label, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a message.
func New(kind Kind, label, msg string) *Error {
	return &Error{Kind: kind, Label: label, Msg: msg}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, label string, err error) *Error {
	return &Error{Kind: kind, Label: label, Err: err}
}

// Retryable marks an error as an application-declared transient failure.
func Retryable(label string, err error) *Error {
	return Wrap(KindRetryable, label, err)
}

// Permanent marks an error as an application-declared terminal failure.
func Permanent(label string, err error) *Error {
	return Wrap(KindPermanent, label, err)
}

// Timeout reports a labeled timeout.
func Timeout(label string) *Error {
	return New(KindTimeout, label, "operation timed out")
}

// CircuitOpen reports a fast-failed call against an open breaker.
func CircuitOpen(label string) *Error {
	return New(KindCircuitOpen, label, "circuit breaker is open")
}

// KindOf returns the declared kind of err, or KindRetryable when the
// error carries no classification. Unclassified errors default to
// retryable so transient collaborator failures get another attempt.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindRetryable
}

// IsRetryable reports whether the worker should schedule another attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindUnknownJobClass, KindPayloadCorrupt:
		return false
	default:
		return true
	}
}

// rateLimitMarkers are the substrings hosted Redis providers use to
// signal request-cap exceedance.
var rateLimitMarkers = []string{
	"max requests limit exceeded",
	"max daily request limit exceeded",
	"too many requests",
}

// IsRateLimit reports whether err is a provider rate-limit signal.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindRateLimit {
		var re *Error
		if errors.As(err, &re) && re.Kind == KindRateLimit {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// connectionMarkers identify connection-category Redis failures.
var connectionMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"noauth",
	"wrongpass",
	"tls",
}

// IsConnection reports whether err is a connection-category failure,
// meaning the caller should request a fresh handle before retrying.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == KindConnection {
		var re *Error
		if errors.As(err, &re) && re.Kind == KindConnection {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
