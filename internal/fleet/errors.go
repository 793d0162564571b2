package fleet

import (
	"errors"
	"fmt"
)

// RetryableError tells the caller the request may succeed on a later
// delivery. Hint is the number of runners worth retrying for.
type RetryableError struct {
	Hint int
	Err  error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable (hint %d): %v", e.Hint, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a failure no retry can fix, typically a
// configuration defect or an unrecognized shortfall shape.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

func retryable(hint int, format string, args ...any) error {
	return &RetryableError{Hint: hint, Err: fmt.Errorf(format, args...)}
}

func fatal(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// AsRetryable reports whether err is retryable and returns its hint.
func AsRetryable(err error) (int, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Hint, true
	}
	return 0, false
}
