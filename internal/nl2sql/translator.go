// Package nl2sql turns a composed prompt into a candidate SQL
// statement: it calls an OpenAI-compatible chat-completion endpoint and
// extracts the SQL from whatever prose the model wraps around it.
package nl2sql

import (
	"context"
	"fmt"
	"time"
)

// Translator produces raw completion text for a prompt. Retry is the
// caller's responsibility; a Translator performs exactly one call.
type Translator interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ServiceError is any failure of the completion call: transport error,
// non-success status, or a response without the expected content.
type ServiceError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion service status=%d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("completion service: %v", e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying: network and
// timeout errors (Status 0), rate limiting, and server-side errors.
func (e *ServiceError) Transient() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}
