package diagnosis

import (
	"context"
	"errors"
	"fmt"

	"github.com/joelkehle/symptomatch/internal/normalizer"
	"github.com/joelkehle/symptomatch/internal/upstream"
)

const (
	CodeInvalidInput    = "invalid_input"
	CodeNormalization   = "normalization_failed"
	CodeUpstreamTimeout = "upstream_timeout"
	CodeUpstreamFailure = "upstream_failure"
	CodeNotFound        = "not_found"
	CodeUnavailable     = "unavailable"
	CodeInternal        = "internal"
)

// Error is the only error type the service returns. RawResponse is set for
// normalization failures and holds the upstream text verbatim.
type Error struct {
	Code        string
	Message     string
	Transient   bool
	Status      int
	RawResponse string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func statusForCode(code string) int {
	switch code {
	case CodeInvalidInput:
		return 400
	case CodeNotFound:
		return 404
	case CodeNormalization, CodeUpstreamFailure:
		return 502
	case CodeUnavailable:
		return 503
	case CodeUpstreamTimeout:
		return 504
	default:
		return 500
	}
}

func newError(code, message string, transient bool, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: transient,
		Status:    statusForCode(code),
		Err:       cause,
	}
}

func NewInvalidInputError(message string) error {
	return newError(CodeInvalidInput, message, false, nil)
}

func NewNotFoundError(message string) error {
	return newError(CodeNotFound, message, false, nil)
}

func NewInternalError(message string, cause error) error {
	return newError(CodeInternal, message, true, cause)
}

func errUnavailable() error {
	return newError(CodeUnavailable, "AI features are not configured", false, nil)
}

// fromUpstream maps a generator error. Pool errors carry their kind; raw
// generator errors fall back to context inspection.
func fromUpstream(err error) error {
	switch {
	case errors.Is(err, upstream.ErrTimeout):
		return newError(CodeUpstreamTimeout, "the AI service did not respond in time", true, err)
	case errors.Is(err, context.Canceled):
		return newError(CodeUpstreamFailure, "request cancelled", false, err)
	case !errors.Is(err, upstream.ErrFailure) && errors.Is(err, context.DeadlineExceeded):
		return newError(CodeUpstreamTimeout, "the AI service did not respond in time", true, err)
	default:
		return newError(CodeUpstreamFailure, "the AI service request failed", true, err)
	}
}

func fromNormalizer(err error, raw string) error {
	e := newError(CodeNormalization, "the AI response could not be understood", false, err)
	var nerr *normalizer.Error
	if errors.As(err, &nerr) {
		e.Message = fmt.Sprintf("the AI response could not be understood (%s)", nerr.Kind)
		raw = nerr.Raw
	}
	e.RawResponse = raw
	return e
}

// AsError returns err as an *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(CodeInternal, "internal error", true, err)
}
