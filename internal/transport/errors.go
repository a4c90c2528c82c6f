package transport

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when the backend answers 401. The session
// is no longer valid and callers should send the user to the login boundary.
var ErrUnauthenticated = errors.New("session not authenticated")

// RequestError is returned for any other non-2xx response.
type RequestError struct {
	Method string
	Path   string
	Status int

	// Message is the backend's error message, if it sent one.
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

// MessageOr returns the backend message carried by err, or fallback when err
// carries none.
func MessageOr(err error, fallback string) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.Message != "" {
		return reqErr.Message
	}
	return fallback
}
