package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified failure interface returned by backends. The executor
// propagates the most specific error on hard-fail routes, so callers can
// branch on auth vs generic failures with errors.As.
type Error interface {
	error
	Backend() string
	Retryable() bool
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Backend() string { return "" }
func (e *ConfigurationError) Retryable() bool { return false }

type errorBase struct {
	backend   string
	message   string
	retryable bool
}

func (e *errorBase) Backend() string { return e.backend }
func (e *errorBase) Retryable() bool { return e.retryable }

func (e *errorBase) text(kind string) string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s: %s: %s", e.backend, kind, msg)
}

type AuthenticationError struct{ errorBase }

func (e *AuthenticationError) Error() string { return e.text("authentication failed") }

type RateLimitError struct {
	errorBase
	RetryAfter *time.Duration
}

func (e *RateLimitError) Error() string { return e.text("rate limited") }

type TimeoutError struct{ errorBase }

func (e *TimeoutError) Error() string { return e.text("timed out") }

type ServerError struct {
	errorBase
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error (status=%d): %s", e.backend, e.StatusCode, strings.TrimSpace(e.message))
}

// InvocationError covers subprocess failures (non-zero exit, spawn errors)
// that do not classify more specifically.
type InvocationError struct {
	errorBase
	ExitCode int
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: invocation failed (exit=%d): %s", e.backend, e.ExitCode, strings.TrimSpace(e.message))
}

// InvalidOutputError marks output that ran to completion but failed the
// result contract. The executor treats it exactly like an execution failure.
type InvalidOutputError struct{ errorBase }

func (e *InvalidOutputError) Error() string { return e.text("invalid output") }

func NewAuthenticationError(backend, message string) error {
	return &AuthenticationError{errorBase{backend: backend, message: message, retryable: false}}
}

func NewRateLimitError(backend, message string, retryAfter *time.Duration) error {
	return &RateLimitError{errorBase: errorBase{backend: backend, message: message, retryable: true}, RetryAfter: retryAfter}
}

func NewTimeoutError(backend, message string) error {
	return &TimeoutError{errorBase{backend: backend, message: message, retryable: true}}
}

func NewServerError(backend string, status int, message string) error {
	return &ServerError{errorBase: errorBase{backend: backend, message: message, retryable: true}, StatusCode: status}
}

func NewInvocationError(backend string, exitCode int, message string) error {
	return &InvocationError{errorBase: errorBase{backend: backend, message: message, retryable: true}, ExitCode: exitCode}
}

func NewInvalidOutputError(backend, message string) error {
	return &InvalidOutputError{errorBase{backend: backend, message: message, retryable: true}}
}

// ErrorFromHTTPStatus maps a response status onto the failure taxonomy.
func ErrorFromHTTPStatus(backend string, status int, message string, retryAfter *time.Duration) error {
	switch status {
	case 401, 403:
		return NewAuthenticationError(backend, message)
	case 408:
		return NewTimeoutError(backend, message)
	case 429:
		return NewRateLimitError(backend, message, retryAfter)
	case 500, 502, 503, 504:
		return NewServerError(backend, status, message)
	default:
		return NewServerError(backend, status, message)
	}
}

// ClassifyStderr refines a subprocess failure using stderr hints, mirroring
// how provider CLIs tunnel auth and rate-limit failures through text.
func ClassifyStderr(backend string, exitCode int, stderr string, runErr error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "not logged in"):
		return NewAuthenticationError(backend, firstLine(stderr))
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return NewRateLimitError(backend, firstLine(stderr), nil)
	case strings.Contains(lower, "timed out"), strings.Contains(lower, "timeout"):
		return NewTimeoutError(backend, firstLine(stderr))
	}
	msg := firstLine(stderr)
	if msg == "" && runErr != nil {
		msg = runErr.Error()
	}
	return NewInvocationError(backend, exitCode, msg)
}

// ParseRetryAfter parses a Retry-After header (seconds or HTTP-date).
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func Retryable(err error) bool {
	var be Error
	if errors.As(err, &be) {
		return be.Retryable()
	}
	// Unknown errors default to retryable: failover is preferable to a hard
	// stop when the cause is unclassified.
	return err != nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
