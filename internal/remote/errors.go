package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned by FetchRecord when the remote record does not
// exist or is not shared with the integration.
var ErrNotFound = errors.New("record not found")

// ErrCursorSkipped is returned by the adaptive pager after repeated failures
// at the minimum page size. The cursor it wraps cannot be fetched; callers
// record it and stop paginating instead of looping forever.
var ErrCursorSkipped = errors.New("pagination cursor skipped")

// APIError is a non-2xx response from the workspace API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Transient reports whether the error is worth retrying: rate limiting or
// temporary unavailability. All other statuses are fatal to the current
// operation.
func (e *APIError) Transient() bool {
	switch e.Status {
	case 429, 503, 504:
		return true
	}
	return false
}

// IsTransient classifies an error per the retry taxonomy: 429/503/504
// responses and network timeouts retry; everything else propagates.
// A canceled context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Per-request deadline hit before the server answered.
	return errors.Is(err, context.DeadlineExceeded)
}
