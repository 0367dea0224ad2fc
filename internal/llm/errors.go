package llm

import "errors"

// TransientError marks a failure that may succeed on retry, such as a
// throttle response or a dropped connection.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure that will not succeed on retry, such as an
// auth or bad-request response.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err should be retried. Throttled errors
// count as transient.
func IsTransient(err error) bool {
	var transient *TransientError
	var throttled *ThrottledError
	return errors.As(err, &transient) || errors.As(err, &throttled)
}

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsThrottled reports whether err came from a rate-limit response.
func IsThrottled(err error) bool {
	var throttled *ThrottledError
	return errors.As(err, &throttled)
}

// ThrottledError is a transient error caused specifically by rate
// limiting. Callers surface it differently from generic transience.
type ThrottledError struct {
	err error
}

func (e *ThrottledError) Error() string { return e.err.Error() }
func (e *ThrottledError) Unwrap() error { return e.err }

// NewThrottledError wraps a rate-limit failure.
func NewThrottledError(err error) error {
	return &ThrottledError{err: err}
}
