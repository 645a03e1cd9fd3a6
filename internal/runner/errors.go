package runner

import (
	"fmt"
	"net/http"
	"time"
)

// Kind classifies why an execution did not succeed.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindExecutionFailed     Kind = "execution_failed"
	KindInfrastructure      Kind = "infrastructure"
)

// Error is the typed failure returned by Service.Run.
type Error struct {
	Kind    Kind
	Message string

	// Result is set for KindExecutionFailed: the program ran and its exit
	// code and output are preserved.
	Result *Result

	// RetryAfter is set for KindQuotaExceeded.
	RetryAfter time.Duration

	// Err is the underlying cause, kept for logs and errors.Is.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindExecutionFailed, KindInfrastructure:
		return "Code execution failed: " + e.Message
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindInvalidRequest, KindUnsupportedLanguage:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}
