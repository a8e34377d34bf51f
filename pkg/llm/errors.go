package llm

import (
	"context"
	"errors"
	"net"

	"github.com/openai/openai-go"
	"github.com/sony/gobreaker"
)

// IsTransient reports whether an error is worth retrying on another
// model: rate limits, server errors, timeouts, transport failures, and
// an open breaker. Client errors (bad request, auth) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
