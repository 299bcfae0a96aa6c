package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassifiedError(t *testing.T) {
	base := New(KindIntegration, errors.New("repository missing"))
	wrapped := fmt.Errorf("publish failed: %w", base)

	assert.Equal(t, KindIntegration, KindOf(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestKindOfPatternMatching(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"gh command failed: HTTP 403: Forbidden", KindIntegration},
		{"HTTP 404: Not Found", KindIntegration},
		{"bad credentials", KindIntegration},
		{"invalid authentication token", KindIntegration},
		// Messages merely containing "auth" as a fragment are not auth
		// failures.
		{"commit author mismatch", KindUnknown},
		{"oauth app restrictions enabled", KindUnknown},
		{"HTTP 429: too many requests", KindTransient},
		{"context deadline exceeded: timeout", KindTransient},
		{"connection reset by peer", KindTransient},
		{"HTTP 502 bad gateway", KindTransient},
		{"malformed change set in response", KindContent},
		{"empty response from provider", KindContent},
		{"something odd happened", KindUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(errors.New(tc.msg)), "msg=%q", tc.msg)
	}
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("timeout waiting for response")))
	assert.True(t, IsRetryable(errors.New("weird unclassified thing")))
	assert.False(t, IsRetryable(New(KindContent, errors.New("unparseable"))))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := DefaultRetryConfigs[KindTransient]

	first := Backoff(KindTransient, 1)
	assert.Greater(t, first, time.Duration(0))

	// A deep attempt must be capped near MaxDelay (jitter adds at most 10%).
	deep := Backoff(KindTransient, 20)
	assert.LessOrEqual(t, deep, cfg.MaxDelay+cfg.MaxDelay/10)
}

func TestBackoffZeroForNonRetryable(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(KindContent, 1))
	assert.Equal(t, time.Duration(0), Backoff(KindIntegration, 3))
}
