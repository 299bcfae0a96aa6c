package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prloop/pkg/config"
	"prloop/pkg/faults"
)

func testLimits() []config.ProviderLimit {
	return []config.ProviderLimit{
		{
			Name:               config.ProviderAnthropic,
			MaxTokensPerMinute: 1000,
			MaxConcurrent:      2,
			DailyBudgetUSD:     10.0,
			CostPerMTokensUSD:  5.0,
		},
	}
}

func TestReserveDrainsBucket(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	require.NoError(t, l.Reserve(config.ProviderAnthropic, 600))
	require.NoError(t, l.Reserve(config.ProviderAnthropic, 400))
	assert.ErrorIs(t, l.Reserve(config.ProviderAnthropic, 1), ErrRateLimit)
}

func TestReserveUnconfiguredProviderAdmits(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	assert.NoError(t, l.Reserve(config.ProviderOllama, 1_000_000))
}

func TestConcurrencySlots(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	require.NoError(t, l.ReserveSlot(config.ProviderAnthropic))
	require.NoError(t, l.ReserveSlot(config.ProviderAnthropic))
	assert.ErrorIs(t, l.ReserveSlot(config.ProviderAnthropic), ErrConcurrencyLimit)

	l.ReleaseSlot(config.ProviderAnthropic)
	assert.NoError(t, l.ReserveSlot(config.ProviderAnthropic))
}

func TestBudgetGateBlocksAcquire(t *testing.T) {
	// 1 USD per token makes the arithmetic visible: a 10 USD cap is spent
	// after 10 tokens of recorded usage.
	l := NewLimiter([]config.ProviderLimit{{
		Name:               config.ProviderAnthropic,
		MaxTokensPerMinute: 1000,
		MaxConcurrent:      2,
		DailyBudgetUSD:     10.0,
		CostPerMTokensUSD:  1_000_000,
	}})
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, config.ProviderAnthropic, 5))
	l.Release(config.ProviderAnthropic)
	require.NoError(t, l.Charge(config.ProviderAnthropic, 5))

	// The crossing charge still lands but flags exhaustion.
	assert.ErrorIs(t, l.Charge(config.ProviderAnthropic, 6), ErrBudgetExceeded)
	_, budget, _, err := l.Status(config.ProviderAnthropic)
	require.NoError(t, err)
	assert.InDelta(t, 11.0, budget, 0.001)

	// A spent cap rejects immediately instead of waiting for tokens.
	assert.ErrorIs(t, l.Acquire(ctx, config.ProviderAnthropic, 5), ErrBudgetExceeded)

	l.ResetDaily()
	assert.NoError(t, l.Acquire(ctx, config.ProviderAnthropic, 5))
	l.Release(config.ProviderAnthropic)
}

func TestChargeUnconfiguredProviderAdmits(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	assert.NoError(t, l.Charge(config.ProviderOllama, 1_000_000))
}

func TestAcquireOversizedReservationFailsFast(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	start := time.Now()
	err := l.Acquire(context.Background(), config.ProviderAnthropic, 2000)
	require.Error(t, err)
	assert.Equal(t, faults.KindContent, faults.KindOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The rejection must not leak a slot or tokens.
	require.NoError(t, l.Acquire(context.Background(), config.ProviderAnthropic, 100))
	l.Release(config.ProviderAnthropic)
}

func TestAcquireRelease(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, config.ProviderAnthropic, 100))
	require.NoError(t, l.Acquire(ctx, config.ProviderAnthropic, 100))
	l.Release(config.ProviderAnthropic)
	l.Release(config.ProviderAnthropic)

	_, _, slots, err := l.Status(config.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, 0, slots)
}

func TestAcquireCancellation(t *testing.T) {
	l := NewLimiter(testLimits())
	defer l.Close()

	// Exhaust all slots, then a third acquire must block until cancelled.
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, config.ProviderAnthropic, 1))
	require.NoError(t, l.Acquire(ctx, config.ProviderAnthropic, 1))

	blocked, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(blocked, config.ProviderAnthropic, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenCounterFallback(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 2, tc.Count("12345678"))
}

func TestTokenCounterCounts(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	count := tc.Count("hello world, this is a rate limit reservation")
	assert.Positive(t, count)

	total := tc.CountAll([]string{"a", "b"}, 100)
	assert.GreaterOrEqual(t, total, 100)
}
