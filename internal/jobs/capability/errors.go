package capability

import (
	"context"
	"errors"
	"fmt"
)

// RetryableError marks a transient failure: timeouts, 5xx, rate limits.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + errString(e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError marks a failure that repeating cannot fix: bad input,
// permanent quota denial, content-safety rejection.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + errString(e.Err) }
func (e *NonRetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

func Permanentf(format string, args ...any) error {
	return &NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports an explicit NonRetryableError anywhere in the chain.
// The outermost classification wins when both are present.
func IsPermanent(err error) bool {
	for err != nil {
		switch err.(type) {
		case *NonRetryableError:
			return true
		case *RetryableError:
			return false
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable is the complement of IsPermanent for non-nil errors, except a
// cancelled caller context which is neither.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
