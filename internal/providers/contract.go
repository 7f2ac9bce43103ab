package providers

import (
	"fmt"
	"strconv"
)

// StatusError captures an HTTP status code from a provider response.
// Used for calls where a non-2xx response is a failure (the LiteLLM pricing
// fetch); the chat-completion forwarder mirrors non-2xx responses instead.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses a Retry-After header value (seconds form only) into
// RetryAfterSecs. Invalid or empty values leave RetryAfterSecs at zero.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil {
		e.RetryAfterSecs = secs
	}
}
