package submit

import (
	"errors"
	"fmt"
)

// Error is a submission failure carrying the collector's HTTP status.
// StatusCode 0 means the request never produced a response (network
// failure, timeout).
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("submit: %s", e.Message)
	}
	return fmt.Sprintf("submit: collector returned %d: %s", e.StatusCode, e.Message)
}

// IsRetriable reports whether err is a transient failure worth retrying:
// 429, any 5xx, or a network-level error.
func IsRetriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTerminal reports whether err is a non-retriable collector rejection
// (a 4xx other than 429), such as a revoked API key.
func IsTerminal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
