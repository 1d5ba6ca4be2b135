package domain

import "errors"

var (
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrNotFound           = errors.New("not found")
	ErrDecodeFailure      = errors.New("decode failure")
	ErrInternalEngine     = errors.New("internal engine error")
	ErrNotRunning         = errors.New("not running")
)

// ErrorCategory returns the machine-readable category for err, or "internal"
// when err does not wrap one of the sentinels above.
func ErrorCategory(err error) string {
	switch {
	case errors.Is(err, ErrFailedPrecondition):
		return "failed_precondition"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrInternalEngine):
		return "internal_engine"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	default:
		return "internal"
	}
}
