package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks malformed backend credentials or settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrParameter marks a task kind or input a backend cannot handle.
	ErrParameter = errors.New("parameter error")
	// ErrResponse marks an upstream response missing required fields.
	ErrResponse = errors.New("response error")
	// ErrDb marks a task that was expected in the store but is missing.
	ErrDb = errors.New("db error")

	ErrDuplicateInitialization = errors.New("analysis service already initialized")
	ErrNotInitialized          = errors.New("analysis service not initialized")

	ErrDuplicateResult    = errors.New("duplicate result for service")
	ErrInvalidFingerprint = fmt.Errorf("%w: invalid fingerprint", ErrParameter)
)

// UpstreamError is returned when a backend answers outside the 2xx/3xx range.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Service, e.Status, e.Body)
}

// NotFound reports a 404, which pollers treat as "not ready".
func (e *UpstreamError) NotFound() bool { return e.Status == 404 }

// IsUpstreamNotFound reports whether err wraps an upstream 404.
func IsUpstreamNotFound(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.NotFound()
}

// ErrorKind maps err to its taxonomy name, used in API responses and metric labels.
func ErrorKind(err error) string {
	var ue *UpstreamError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return "upstream"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrParameter):
		return "parameter"
	case errors.Is(err, ErrResponse):
		return "response"
	case errors.Is(err, ErrDb):
		return "db"
	case errors.Is(err, ErrDuplicateInitialization), errors.Is(err, ErrNotInitialized):
		return "lifecycle"
	default:
		return "internal"
	}
}
