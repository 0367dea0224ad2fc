package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeThrottled         = "THROTTLED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeStepNotFound      = "STEP_NOT_FOUND"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeDispatch          = "DISPATCH_FAILED"
	ErrCodeStream            = "STREAM_ERROR"
	ErrCodeReconciliation    = "RECONCILIATION_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// BidcraftError is the structured error type for all bidcraft operations.
type BidcraftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *BidcraftError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BidcraftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new BidcraftError.
func NewError(code, message string) *BidcraftError {
	return &BidcraftError{Code: code, Message: message}
}

// NewErrorf creates a new BidcraftError with a formatted message.
func NewErrorf(code, format string, args ...any) *BidcraftError {
	return &BidcraftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *BidcraftError) WithStep(step string) *BidcraftError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *BidcraftError) WithCause(err error) *BidcraftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *BidcraftError) WithDetails(details map[string]any) *BidcraftError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code describes a transient
// condition worth retrying. Only throttling qualifies; everything else
// in the taxonomy is either a programmer error, an operator error, or a
// business failure that retrying cannot fix.
func (e *BidcraftError) IsRetryable() bool {
	return e.Code == ErrCodeThrottled
}
