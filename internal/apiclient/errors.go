package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// The closed set of client failures. Messages never include transport details.
var (
	ErrTimeout          = errors.New("request timed out")
	ErrTooLarge         = errors.New("response too large")
	ErrConnectionFailed = errors.New("connection failed")
	ErrNonSuccessStatus = errors.New("upstream returned an error status")
)

// Error is a normalized client failure.
type Error struct {
	Kind   error
	Status int
}

func (e *Error) Error() string {
	if e.Kind == ErrNonSuccessStatus {
		return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

// Retryable reports whether another attempt might succeed: timeouts, connection
// failures, 429 and 5xx. Oversized responses are deterministic and not retried.
func Retryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Kind {
	case ErrTimeout, ErrConnectionFailed:
		return true
	case ErrNonSuccessStatus:
		return ce.Status == http.StatusTooManyRequests || ce.Status >= 500
	}
	return false
}
