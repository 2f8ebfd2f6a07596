package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a transport failure for retry decisions.
type Kind int

const (
	KindFatal Kind = iota
	KindRetryable
	KindRateLimit
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "fatal"
	}
}

// Error is the structured failure adapters return.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (%s, retry after %s): %v", e.Op, e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient transport failure.
func Retryable(op string, err error) error { return &Error{Kind: KindRetryable, Op: op, Err: err} }

// RateLimited wraps err as server-side throttling.
func RateLimited(op string, err error, after time.Duration) error {
	return &Error{Kind: KindRateLimit, Op: op, RetryAfter: after, Err: err}
}

// Fatal wraps err as a failure that retrying will not fix.
func Fatal(op string, err error) error { return &Error{Kind: KindFatal, Op: op, Err: err} }

// rateLimitHints and retryableHints are matched against black-box errors
// that carry no structure. Adapters should return *Error instead.
var (
	rateLimitHints = []string{"rate limit", "too many requests", "flood", "retry after", "429"}
	retryableHints = []string{
		"timeout", "timed out", "connection", "network", "temporarily",
		"transfer failed", "eof", "reset by peer", "broken pipe", "bad gateway",
		"service unavailable", "send_group_msg", "eventchecker failed",
	}
)

// Classify maps err to a Kind. Structured errors win; context deadlines and
// net timeouts are retryable; anything else falls back to message matching
// and is fatal when nothing matches.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRetryable
	}
	return classifyText(err.Error())
}

func classifyText(msg string) Kind {
	low := strings.ToLower(msg)
	for _, h := range rateLimitHints {
		if strings.Contains(low, h) {
			return KindRateLimit
		}
	}
	for _, h := range retryableHints {
		if strings.Contains(low, h) {
			return KindRetryable
		}
	}
	return KindFatal
}

// RetryAfterHint returns the server-suggested delay carried by err, if any.
func RetryAfterHint(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
