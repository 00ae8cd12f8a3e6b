// Package errs defines the error kinds shared by adapters, policies and
// executors. Callers branch on kinds with errors.Is against the sentinels
// or on Retryable, never on message text.
package errs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindPermission        Kind = "permission"
	KindInvalidState      Kind = "invalid_state"
	KindRateLimited       Kind = "rate_limited"
	KindTimeout           Kind = "timeout"
	KindTransientDelivery Kind = "transient_delivery"
	KindWorkflowNotFound  Kind = "workflow_not_found"
	KindExecutionTimeout  Kind = "execution_timeout"
	KindExhausted         Kind = "exhausted"
	KindInternal          Kind = "internal"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrPermission        = errors.New("permission denied")
	ErrInvalidState      = errors.New("invalid state")
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("timeout")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrExhausted         = errors.New("retries exhausted")
	ErrInternal          = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindPermission:        ErrPermission,
	KindInvalidState:      ErrInvalidState,
	KindRateLimited:       ErrRateLimited,
	KindTimeout:           ErrTimeout,
	KindTransientDelivery: ErrTransientDelivery,
	KindWorkflowNotFound:  ErrWorkflowNotFound,
	KindExecutionTimeout:  ErrExecutionTimeout,
	KindExhausted:         ErrExhausted,
	KindInternal:          ErrInternal,
}

// Error is a classified failure. Op names the operation that failed
// (e.g. "assignment.assign"); StatusCode and RetryAfter are set when the
// failure came from an upstream HTTP response.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// E builds a classified error.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return E(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return E(KindNotFound, op, format, args...)
}

func InvalidState(op, format string, args ...any) *Error {
	return E(KindInvalidState, op, format, args...)
}

// RateLimited reports a limit hit; retryAfter is the earliest useful retry.
func RateLimited(op string, retryAfter time.Duration, reason string) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Message: reason, RetryAfter: retryAfter}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf returns the server-provided retry delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Retryable reports whether the failure is transient. Classified errors
// decide by kind; unclassified errors are retryable only for network
// timeouts and connection failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindRateLimited, KindTimeout, KindTransientDelivery, KindExecutionTimeout:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure")
}

// Exhausted marks err as final: Retryable reports false for the result
// so callers stop retrying at a higher level as well.
func Exhausted(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindExhausted, Message: "retries exhausted", Err: err}
}

// FromStatus classifies an upstream HTTP status. 2xx returns nil.
func FromStatus(op string, code int, retryAfter time.Duration, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	e := &Error{Op: op, StatusCode: code, Message: fmt.Sprintf("upstream status %d", code)}
	if body = strings.TrimSpace(body); body != "" {
		e.Message += ": " + body
	}
	switch {
	case code == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfter
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case code >= 500:
		e.Kind = KindTransientDelivery
	case code == http.StatusNotFound:
		e.Kind = KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e.Kind = KindPermission
	default:
		e.Kind = KindValidation
	}
	return e
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. Unparseable values yield zero.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Recover converts a panic in the calling function into a KindInternal
// error stored in *errp. Use as: defer errs.Recover("op", &err).
func Recover(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("panic recovered", "operation", op, "panic", r, "stack", string(debug.Stack()))
	if errp != nil {
		*errp = &Error{Kind: KindInternal, Op: op, Message: fmt.Sprintf("panic: %v", r)}
	}
}
