package rastreader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is returned when the provider cannot be reached or answers
// with a non-success status. StatusCode is 0 for transport failures.
type NetworkError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetching %s: HTTP %d: %s", e.URL, e.StatusCode, e.Body)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Temporary reports whether a retry could succeed.
func (e *NetworkError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// DecodeError wraps a malformed raster container.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("decoding geotiff: %v", e.Err)
	}
	return fmt.Sprintf("decoding geotiff %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ProjectionError is returned for missing or unsupported geo keys.
type ProjectionError struct {
	URL string
	Err error
}

func (e *ProjectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("reprojecting bounds: %v", e.Err)
	}
	return fmt.Sprintf("reprojecting bounds of %s: %v", e.URL, e.Err)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient NetworkError. Explicit
// cancellation is never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nerr *NetworkError
	return errors.As(err, &nerr) && nerr.Temporary()
}
