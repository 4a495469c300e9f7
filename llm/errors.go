package llm

import (
	"fmt"
	"strings"
)

// TransportError is the base error type for transport failures.
type TransportError struct {
	Message   string
	Cause     error
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Concrete transport error types.

type AuthenticationError struct{ TransportError }
type RateLimitError struct{ TransportError }
type ServerError struct{ TransportError }
type ContextLengthError struct{ TransportError }
type RequestTimeoutError struct{ TransportError }
type InvalidRequestError struct{ TransportError }

// IsRetryable reports whether err is safe to retry.
func IsRetryable(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *AuthenticationError, *ContextLengthError, *InvalidRequestError:
		return false
	case *RateLimitError, *ServerError, *RequestTimeoutError:
		return true
	case *TransportError:
		return e.Retryable
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// classifyError maps a provider error message onto the typed hierarchy.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	base := TransportError{Message: fmt.Sprintf("[%s] %s", provider, msg), Cause: err}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &AuthenticationError{base}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		base.Retryable = true
		return &RateLimitError{base}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		return &ContextLengthError{base}
	case strings.Contains(lower, "timeout"):
		base.Retryable = true
		return &RequestTimeoutError{base}
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid request"):
		return &InvalidRequestError{base}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		base.Retryable = true
		return &ServerError{base}
	default:
		base.Retryable = true
		return &base
	}
}
