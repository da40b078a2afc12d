package chatgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInvalidRequest      = errors.New("chatgate: invalid request")
	ErrUnknownFocusMode    = errors.New("chatgate: unknown focus mode")
	ErrConversationOwner   = errors.New("chatgate: conversation belongs to another owner")
	ErrQuotaExceeded       = errors.New("chatgate: quota exceeded")
	ErrMeteringUnavailable = errors.New("chatgate: usage metering unavailable")
	ErrPipelineFailed      = errors.New("chatgate: pipeline failed")
	ErrPipelineIncomplete  = errors.New("chatgate: pipeline ended without a terminal event")
	ErrPersistence         = errors.New("chatgate: persistence failed")
	ErrLedger              = errors.New("chatgate: usage ledger failed")
)

// AdmissionError is returned when a request is denied by the admission
// controller. It unwraps to ErrQuotaExceeded.
type AdmissionError struct {
	Result AdmissionResult
	Model  string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("chatgate: quota exceeded for model=%s bucket=%s usage=%d limit=%d remaining=%d estimated=%d",
		e.Model, e.Result.Bucket, e.Result.CurrentUsage, e.Result.Limit, e.Result.Remaining, e.Result.EstimatedCost)
}

func (e *AdmissionError) Unwrap() error {
	return ErrQuotaExceeded
}

// invalidf builds a validation error wrapping ErrInvalidRequest.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsValidation returns true if the error was caused by malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownFocusMode) ||
		errors.Is(err, ErrConversationOwner)
}

// IsDenied returns true if the error is an admission denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
