package relayerr

import (
	"fmt"
	"runtime/debug"
)

// PanicError is an error recovered from a handler panic.
type PanicError struct {
	Value      interface{}
	Stacktrace string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// NewPanicError captures the panic value and the current stack.
// Call from inside a deferred recover block.
func NewPanicError(value interface{}) *PanicError {
	return &PanicError{
		Value:      value,
		Stacktrace: string(debug.Stack()),
	}
}

// FormatPanicForLog returns a formatted string suitable for logging.
func FormatPanicForLog(p *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", p.Value, p.Stacktrace)
}
