// Package llm provides the model backend clients used by the generation
// pipeline: an OpenAI-compatible client built on the official SDK and a
// hand-rolled Anthropic Messages API client. Both implement [Client] so
// the router can treat primary and backup uniformly.
package llm

import (
	"context"
	"errors"
	"time"
)

// Client is the interface both model backends implement.
type Client interface {
	// Name returns the provider identity ("openai", "anthropic") used to
	// tag results for cost accounting.
	Name() string

	// Complete sends a single prompt and returns the raw completion text
	// with token usage. The timeout is authoritative: if it elapses the
	// call returns a *TimeoutError even if the underlying request would
	// eventually have succeeded.
	Complete(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*Completion, error)

	// Reconfigure swaps the client's credentials and model. Safe to call
	// concurrently with Complete; in-flight calls finish with the
	// credentials they started with.
	Reconfigure(creds Credentials)
}

// Credentials holds the per-provider settings that can change at runtime
// via config reload.
type Credentials struct {
	APIKey  string
	Model   string
	BaseURL string // optional, for OpenAI-compatible gateways
}

// Completion is the unified response from any model backend.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// completeWithTimeout runs fn against a deadline-bound context and treats
// the timer as authoritative: when it fires, the caller gets a
// *TimeoutError immediately and the underlying call's eventual result is
// discarded.
func completeWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (*Completion, error)) (*Completion, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		c   *Completion
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		c, err := fn(cctx)
		done <- outcome{c, err}
	}()

	select {
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{After: timeout}
		}
		return nil, cctx.Err()
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, &TimeoutError{After: timeout}
		}
		return o.c, o.err
	}
}
