package restapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoToken      = errors.New("restapi: no credential")
	ErrUnauthorized = errors.New("restapi: unauthorized")
	ErrNotFound     = errors.New("restapi: not found")
)

// HTTPError is a non-2xx response that was not retried (or ran out of
// retries).
type HTTPError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: status=%d code=%s message=%s", e.Method, e.Path, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: status=%d message=%s", e.Method, e.Path, e.Status, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Retryable reports whether the status is one the client retries.
func (e *HTTPError) Retryable() bool {
	return retryableStatus(e.Status)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}
