// Package provider defines the external model capabilities the pipeline
// consumes and one OpenAI-compatible HTTP implementation of them. The
// interfaces keep the pipeline's correctness tests free of any live network
// dependency.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer generates text from a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Captioner produces a textual description of an image.
type Captioner interface {
	Describe(ctx context.Context, mimeType string, data []byte) (string, error)
}

// ErrUnavailable wraps provider failures that persisted through retries or
// an open circuit breaker. Callers surface these as hard failures, distinct
// from a valid "insufficient grounding" outcome.
var ErrUnavailable = errors.New("model provider unavailable")

// statusError is a non-2xx provider response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.code, e.body)
}

// transient reports whether an error is worth retrying: network failures,
// throttling, and server-side errors. Context cancellation is not.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == 429 || se.code >= 500
	}
	// Anything else (connection reset, DNS, timeouts) is assumed transient.
	return true
}
