package alm

import (
	"github.com/r3fresh-alm/r3fresh/internal/classify"
	"github.com/r3fresh-alm/r3fresh/internal/enforce"
	"github.com/r3fresh-alm/r3fresh/internal/lifecycle"
)

// DeniedError is returned by Tool.Invoke when policy refuses the call. The
// tool function was not called.
type DeniedError = enforce.DeniedError

// MisuseError reports a run or task used out of order.
type MisuseError = lifecycle.MisuseError

// PanicError wraps a value recovered from a panicking tool, task or run body.
type PanicError = enforce.PanicError

// StatusError is an HTTP failure a tool can return so it is classified by
// status code.
type StatusError = classify.StatusError

// Error is a tool failure with an explicit category and optional code.
type Error = classify.Error

var (
	// ErrPermission matches every *DeniedError.
	ErrPermission = enforce.ErrPermission
	// ErrMisuse matches every *MisuseError.
	ErrMisuse = lifecycle.ErrMisuse
)

// Error categories treated as retryable.
const (
	ConnectionError         = classify.ConnectionError
	TimeoutError            = classify.TimeoutError
	TemporaryFailure        = classify.TemporaryFailure
	RateLimitError          = classify.RateLimitError
	ServiceUnavailableError = classify.ServiceUnavailableError
)

// NewError returns a tool error of the given category.
func NewError(category, message string) *Error {
	return classify.New(category, message)
}

// WrapError attaches a category to err.
func WrapError(category string, err error) *Error {
	return classify.Wrap(category, err)
}
