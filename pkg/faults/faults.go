// Package faults classifies errors from external collaborators (code host,
// LLM providers, CI) into retry categories and carries per-category retry
// configuration.
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind represents the retry category of a failure.
type Kind int8

const (
	// KindTransient covers network errors, timeouts, rate limits, and 5xx
	// responses. Retried with backoff up to a bounded attempt count.
	KindTransient Kind = iota
	// KindContent covers unusable provider output (malformed change set,
	// unparseable verdict). Never retried; it consumes the iteration or
	// fails the lineage.
	KindContent
	// KindIntegration covers auth, permission, and not-found failures on the
	// host platform. Fatal for the lineage, no retry.
	KindIntegration
	// KindUnknown is the default for unclassified errors. Retried once.
	KindUnknown
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindContent:
		return "content"
	case KindIntegration:
		return "integration"
	case KindUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// RetryConfig defines exponential backoff behavior for one failure kind.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs provides the default retry policy per kind.
//
//nolint:gochecknoglobals // package-level policy defaults
var DefaultRetryConfigs = map[Kind]RetryConfig{
	KindTransient: {
		MaxRetries:    4,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	KindContent: {
		MaxRetries: 0,
	},
	KindIntegration: {
		MaxRetries: 0,
	},
	KindUnknown: {
		MaxRetries:    1,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error is a classified failure with the underlying cause attached.
type Error struct {
	Err     error
	Message string
	Kind    Kind
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err. Unwrapped classified errors take
// precedence; everything else falls back to pattern matching.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return classify(err.Error())
}

// IsRetryable reports whether errors of this kind are retried at all.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err should fail the lineage immediately.
func IsFatal(err error) bool {
	return KindOf(err) == KindIntegration
}

// classify pattern-matches an error string against known provider and host
// failure shapes. Status-code substrings cover the gh CLI's "HTTP 4xx"
// output as well as SDK error messages.
func classify(msg string) Kind {
	lower := strings.ToLower(msg)

	// Auth and permission problems are fatal for the lineage. The substring
	// must be a full word: "auth" alone would also catch "author" and
	// "oauth".
	if containsAny(lower, "401", "403", "unauthorized", "forbidden", "bad credentials", "permission denied", "authentication") {
		return KindIntegration
	}
	if containsAny(lower, "404", "not found", "could not resolve", "no such repository") {
		return KindIntegration
	}

	// Rate limits and server-side trouble are worth retrying.
	if containsAny(lower, "429", "rate limit", "quota", "too many requests") {
		return KindTransient
	}
	if containsAny(lower, "500", "502", "503", "504", "timeout", "timed out", "connection", "network", "temporarily", "unavailable", "eof") {
		return KindTransient
	}

	if containsAny(lower, "malformed", "unparseable", "empty response", "invalid json", "unusable") {
		return KindContent
	}

	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the given retry attempt (1-based) under
// the kind's retry config. Jitter is deterministic per call site enough for
// thundering-herd avoidance; precision does not matter here.
func Backoff(kind Kind, attempt int) time.Duration {
	cfg, ok := DefaultRetryConfigs[kind]
	if !ok || attempt <= 0 {
		return 0
	}

	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	if cfg.Jitter {
		jitter := time.Duration(float64(delay) * 0.1 * float64(time.Now().UnixNano()%2*2-1))
		delay += jitter
		if delay < 0 {
			delay = cfg.InitialDelay
		}
	}
	return delay
}
