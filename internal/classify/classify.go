// Package classify maps Go errors onto the structured error taxonomy carried
// by tool.response, task.end and run.end events.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/r3fresh-alm/r3fresh/internal/model"
	"github.com/r3fresh-alm/r3fresh/internal/redact"
)

// Category names with a fixed meaning across SDK implementations.
const (
	ConnectionError         = "ConnectionError"
	TimeoutError            = "TimeoutError"
	TemporaryFailure        = "TemporaryFailure"
	RateLimitError          = "RateLimitError"
	ServiceUnavailableError = "ServiceUnavailableError"
	CanceledError           = "CanceledError"
	PermissionError         = "PermissionError"
	Panic                   = "panic"
)

// MaxMessageLength bounds StructuredError.Message.
const MaxMessageLength = 1000

// retryableCategories is the complete allow-list of retryable names. The
// "timeout" substring rule in Classify applies on top of it.
var retryableCategories = map[string]bool{
	ConnectionError:         true,
	TimeoutError:            true,
	TemporaryFailure:        true,
	RateLimitError:          true,
	ServiceUnavailableError: true,
}

// Categorized is implemented by errors that name their own category.
type Categorized interface {
	Category() string
}

// Coded is implemented by errors that carry a machine-readable code.
type Coded interface {
	Code() string
}

// Sourced is implemented by errors that know where they came from, such as
// a policy denial escaping a run.
type Sourced interface {
	Source() model.ErrorSource
}

// IsRetryableCategory reports whether name is in the retryable allow-list.
func IsRetryableCategory(name string) bool {
	return retryableCategories[name]
}

// Retryable applies the retry rule to a category and message.
func Retryable(category, message string) bool {
	return retryableCategories[category] || strings.Contains(strings.ToLower(message), "timeout")
}

// Classify converts err into a StructuredError attributed to source.
// A nil err yields nil.
func Classify(err error, source model.ErrorSource) *model.StructuredError {
	if err == nil {
		return nil
	}
	message := redact.Truncate(err.Error(), MaxMessageLength)
	category := CategoryOf(err)

	se := &model.StructuredError{
		Type:      category,
		Message:   message,
		Source:    source,
		Retryable: Retryable(category, message),
	}
	var coded Coded
	if errors.As(err, &coded) {
		se.Code = coded.Code()
	}
	return se
}

// ClassifyAs uses err's own Source when it has one, and fallback otherwise.
func ClassifyAs(err error, fallback model.ErrorSource) *model.StructuredError {
	var s Sourced
	if errors.As(err, &s) {
		return Classify(err, s.Source())
	}
	return Classify(err, fallback)
}

// CategoryOf resolves the category name of err.
func CategoryOf(err error) string {
	var c Categorized
	if errors.As(err, &c) {
		if name := c.Category(); name != "" {
			return name
		}
	}

	if errors.Is(err, context.Canceled) {
		return CanceledError
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return TimeoutError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TimeoutError
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return ConnectionError
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTemporary {
			return TemporaryFailure
		}
		return ConnectionError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ConnectionError
	}

	return typeName(err)
}

func typeName(err error) string {
	return strings.TrimLeft(fmt.Sprintf("%T", err), "*")
}

// Error is an error with an explicit category and optional code.
type Error struct {
	category string
	code     string
	msg      string
	err      error
}

// New creates a categorized error.
func New(category, message string) *Error {
	return &Error{category: category, msg: message}
}

// Wrap attaches a category to err. The message is err's message.
func Wrap(category string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{category: category, err: err}
}

// WithCode sets the error code reported in StructuredError.Code.
func (e *Error) WithCode(code string) *Error {
	e.code = code
	return e
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return e.msg + ": " + e.err.Error()
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error    { return e.err }
func (e *Error) Category() string { return e.category }
func (e *Error) Code() string     { return e.code }

// StatusError is an HTTP failure reported by a tool that calls a web API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Category maps the status code onto the retryable categories.
func (e *StatusError) Category() string {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return RateLimitError
	case http.StatusServiceUnavailable:
		return ServiceUnavailableError
	case http.StatusBadGateway:
		return TemporaryFailure
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return TimeoutError
	default:
		return "HTTPError"
	}
}

func (e *StatusError) Code() string {
	return strconv.Itoa(e.StatusCode)
}
