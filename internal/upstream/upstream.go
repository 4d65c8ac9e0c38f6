// Package upstream wraps the hosted generative model behind a small
// interface and bounds how it is called: a fixed number of concurrent
// workers, an overall timeout per call, and a capped retry budget for
// transient failures.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

// FormatHint asks the model for machine-readable output. Schema is a human
// readable field list that gets embedded in the instructions.
type FormatHint struct {
	JSON   bool
	Schema string
}

// Generator produces raw text from ordered prompt parts. Implementations
// must be safe for concurrent use and make no promise about output shape.
type Generator interface {
	Generate(ctx context.Context, parts []string, hint *FormatHint) (string, error)
}

var (
	ErrTimeout = errors.New("upstream timeout")
	ErrFailure = errors.New("upstream failure")
)

// Error is returned by Pool.Generate. Kind is ErrTimeout or ErrFailure so
// callers can use errors.Is; Err is the last underlying cause.
type Error struct {
	Kind     error
	Class    FailureClass
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (%s) after %d attempt(s): %v", e.Kind, e.Class, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

type FailureClass int

const (
	FailureNone FailureClass = iota
	FailureTimeout
	FailureRateLimit
	FailureServer
	FailureClient
)

func (c FailureClass) String() string {
	switch c {
	case FailureTimeout:
		return "timeout"
	case FailureRateLimit:
		return "rate_limit"
	case FailureServer:
		return "server"
	case FailureClient:
		return "client"
	default:
		return "none"
	}
}

// Retryable reports whether another attempt could succeed.
func (c FailureClass) Retryable() bool {
	return c == FailureTimeout || c == FailureRateLimit || c == FailureServer
}

var statusCodeRe = regexp.MustCompile(`status(?:\s+code)?[:=\s]+(\d{3})`)

// Classify maps a transport error onto a failure class. API errors are read
// from their status code; anything unrecognised counts as a server failure.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return classifyStatus(apiErr.StatusCode)
	}
	msg := strings.ToLower(err.Error())
	if m := statusCodeRe.FindStringSubmatch(msg); len(m) == 2 {
		var code int
		_, _ = fmt.Sscanf(m[1], "%d", &code)
		return classifyStatus(code)
	}
	if strings.Contains(msg, "rate limit") {
		return FailureRateLimit
	}
	return FailureServer
}

func classifyStatus(code int) FailureClass {
	switch {
	case code == 429:
		return FailureRateLimit
	case code == 408:
		return FailureTimeout
	case code >= 500:
		return FailureServer
	case code >= 400:
		return FailureClient
	default:
		return FailureServer
	}
}
