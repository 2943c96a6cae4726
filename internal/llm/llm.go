package llm

import (
	"context"
	"errors"
	"net/http"
)

// Client defines the capability to evaluate a conversation transcript
// against a scoring rubric. The returned text is untrusted free-form model
// output expected to contain a JSON object; callers repair it downstream.
type Client interface {
	Evaluate(ctx context.Context, transcript, rubric string) (string, error)
}

// ProviderError is a non-transport failure reported by the evaluation
// provider, carrying the HTTP status for classification.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return e.Message
}

// Permanent reports whether retrying the same request cannot succeed
// (client-side rejections such as oversized or unauthorized requests).
// Rate limits and request timeouts stay retryable.
func (e *ProviderError) Permanent() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsTimeout reports whether the evaluation call failed by exceeding its
// deadline rather than by provider rejection.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
