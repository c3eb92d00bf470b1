// Package provider abstracts AI inference backends behind a uniform
// chat contract so the decision gateway can fail over between them.
package provider

import (
	"context"
	"fmt"
	"time"
)

// ChatPayload is the request handed to a model backend.
type ChatPayload struct {
	System    string
	User      string
	MaxTokens int
}

// ModelProvider is one inference backend. Call returns the raw text
// completion; parsing and validation happen in the decision layer.
type ModelProvider interface {
	ID() string
	Enabled() bool
	Call(ctx context.Context, payload ChatPayload) (string, error)
}

// TransientError marks failures worth retrying on the same provider:
// rate limits, upstream 5xx and transport timeouts. RetryAfter is the
// server-requested pause, zero when the server did not say.
type TransientError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider transient (status=%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("provider transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }
