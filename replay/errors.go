package replay

import (
	"errors"
	"fmt"
	"net/http"
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}

// StatusError is returned when the remote API answers a replay with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote api answered %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// classifyStatus wraps a rejected replay. Client errors other than timeouts and rate limits
// will never succeed on a later attempt.
func classifyStatus(status int) error {
	err := &StatusError{StatusCode: status}
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
