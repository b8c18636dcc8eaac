package llm

import (
	"fmt"
	"time"
)

// TimeoutError reports that a model call exceeded its configured timeout.
// The deadline is authoritative: the underlying call may still complete,
// but its result is discarded.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %ds", int(e.After.Seconds()))
}

// APIError reports a non-2xx response from a model backend.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// TransportError reports a network-level failure before any response was
// received (dial failure, connection reset, broken pipe).
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports that model output could not be shaped into the
// expected structure. Sample carries a truncated slice of the offending
// text for diagnostics.
type ParseError struct {
	Sample string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse model output: %v (sample: %q)", e.Err, e.Sample)
}

func (e *ParseError) Unwrap() error { return e.Err }
