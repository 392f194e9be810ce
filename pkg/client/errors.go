package client

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired means the caller is not logged in: the API answered 401,
	// redirected to a login page, or the bearer token is known to be expired.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNetworkUnavailable matches every *NetworkError.
	ErrNetworkUnavailable = errors.New("network unavailable")
)

// NetworkError is a failure to reach the API at all.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("error invoking API (%s %s): %s", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkUnavailable
}

// ServerError is any answer from the API that is neither a success nor an
// authentication failure. Message is the server's text, unmodified.
type ServerError struct {
	StatusCode int
	Message    string
	Malformed  bool
}

func (e *ServerError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("malformed response (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("invalid status code: %d (response: %s)", e.StatusCode, e.Message)
}
