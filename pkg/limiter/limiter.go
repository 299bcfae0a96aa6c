// Package limiter provides per-provider rate limiting for LLM and code host
// calls with token bucket and concurrency-slot enforcement.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"prloop/pkg/config"
	"prloop/pkg/faults"
)

// Limiter manages rate limits across all configured providers. Workers share
// one Limiter; reservations are per-provider so that one throttled provider
// never blocks calls to another.
type Limiter struct {
	providers  map[string]*ProviderLimiter
	resetTimer *time.Timer
	mu         sync.RWMutex
}

// ProviderLimiter enforces token, budget, and concurrency limits for one
// provider.
type ProviderLimiter struct {
	maxBudgetPerDayUSD float64
	costPerMTokensUSD  float64
	currentBudgetUSD   float64
	lastRefill         time.Time
	mu                 sync.Mutex
	name               string
	maxTokensPerMinute int
	maxConcurrent      int
	currentTokens      int
	currentSlots       int
}

var (
	// ErrRateLimit is returned when the token bucket is empty.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrBudgetExceeded is returned when the daily spend cap is reached.
	ErrBudgetExceeded = fmt.Errorf("daily budget exceeded")
	// ErrConcurrencyLimit is returned when all concurrency slots are taken.
	ErrConcurrencyLimit = fmt.Errorf("concurrency limit exceeded")
)

// NewLimiter creates a limiter configured with the given provider limits.
func NewLimiter(limits []config.ProviderLimit) *Limiter {
	l := &Limiter{
		providers: make(map[string]*ProviderLimiter),
	}

	for i := range limits {
		limit := &limits[i]
		l.providers[limit.Name] = &ProviderLimiter{
			name:               limit.Name,
			maxTokensPerMinute: limit.MaxTokensPerMinute,
			maxBudgetPerDayUSD: limit.DailyBudgetUSD,
			costPerMTokensUSD:  limit.CostPerMTokensUSD,
			maxConcurrent:      limit.MaxConcurrent,
			currentTokens:      limit.MaxTokensPerMinute, // start with full bucket
			lastRefill:         time.Now(),
		}
	}

	l.scheduleDailyReset()
	return l
}

// Reserve attempts to take tokens from the provider's bucket. Providers with
// no configured limit always admit.
func (l *Limiter) Reserve(provider string, tokens int) error {
	pl := l.lookup(provider)
	if pl == nil {
		return nil
	}
	return pl.Reserve(tokens)
}

// Charge records the actual spend of a completed provider call against the
// daily cap. The spend is recorded even when it crosses the cap, so Status
// reports the true total; ErrBudgetExceeded tells the caller that later
// Acquire calls will be rejected until the midnight reset.
func (l *Limiter) Charge(provider string, tokens int) error {
	pl := l.lookup(provider)
	if pl == nil {
		return nil
	}
	return pl.charge(float64(tokens) * pl.costPerMTokensUSD / 1e6)
}

// ReserveSlot takes a concurrency slot for the provider. Callers must pair a
// successful reservation with ReleaseSlot.
func (l *Limiter) ReserveSlot(provider string) error {
	pl := l.lookup(provider)
	if pl == nil {
		return nil
	}
	return pl.ReserveSlot()
}

// ReleaseSlot frees a concurrency slot for the provider.
func (l *Limiter) ReleaseSlot(provider string) {
	pl := l.lookup(provider)
	if pl == nil {
		return
	}
	pl.ReleaseSlot()
}

// Acquire blocks until both a concurrency slot and the requested tokens are
// available, or the context is cancelled. It is the entry point workers use
// before every provider call.
func (l *Limiter) Acquire(ctx context.Context, provider string, tokens int) error {
	pl := l.lookup(provider)
	if pl == nil {
		return nil
	}

	// A reservation larger than the bucket can never be satisfied; waiting
	// for refills would spin until the context expires.
	if pl.maxTokensPerMinute > 0 && tokens > pl.maxTokensPerMinute {
		return faults.Newf(faults.KindContent,
			"reservation of %d tokens exceeds the %s per-minute capacity of %d",
			tokens, pl.name, pl.maxTokensPerMinute)
	}

	for {
		if err := pl.checkBudget(); err != nil {
			return err
		}
		if err := pl.ReserveSlot(); err == nil {
			if err = pl.Reserve(tokens); err == nil {
				return nil
			}
			pl.ReleaseSlot()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("limiter acquire cancelled: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Release frees the concurrency slot taken by a successful Acquire.
func (l *Limiter) Release(provider string) {
	l.ReleaseSlot(provider)
}

// Status returns the current token, budget, and slot usage for a provider.
func (l *Limiter) Status(provider string) (tokens int, budgetUSD float64, slots int, err error) {
	pl := l.lookup(provider)
	if pl == nil {
		return 0, 0, 0, fmt.Errorf("provider %s not configured", provider)
	}
	return pl.Status()
}

// ResetDaily resets daily budgets and refills buckets for all providers.
func (l *Limiter) ResetDaily() {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, pl := range l.providers {
		pl.ResetDaily()
	}
}

// Close stops the daily reset timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (l *Limiter) lookup(provider string) *ProviderLimiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.providers[provider]
}

// Reserve takes tokens from the bucket, refilling for elapsed time first.
func (pl *ProviderLimiter) Reserve(tokens int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.refillTokens()

	if pl.maxTokensPerMinute > 0 && pl.currentTokens < tokens {
		return ErrRateLimit
	}
	pl.currentTokens -= tokens
	return nil
}

// charge records spend against the daily cap. The spend always lands, even
// when it crosses the cap; the error only flags that the cap is now spent.
func (pl *ProviderLimiter) charge(costUSD float64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.currentBudgetUSD += costUSD
	if pl.maxBudgetPerDayUSD > 0 && pl.currentBudgetUSD >= pl.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}
	return nil
}

// checkBudget rejects new work once the daily cap has been spent.
func (pl *ProviderLimiter) checkBudget() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.maxBudgetPerDayUSD > 0 && pl.currentBudgetUSD >= pl.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}
	return nil
}

// ReserveSlot takes a concurrency slot.
func (pl *ProviderLimiter) ReserveSlot() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.maxConcurrent > 0 && pl.currentSlots >= pl.maxConcurrent {
		return ErrConcurrencyLimit
	}
	pl.currentSlots++
	return nil
}

// ReleaseSlot frees a concurrency slot.
func (pl *ProviderLimiter) ReleaseSlot() {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.currentSlots > 0 {
		pl.currentSlots--
	}
}

// Status returns current usage after refilling the bucket.
func (pl *ProviderLimiter) Status() (tokens int, budgetUSD float64, slots int, err error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.refillTokens()
	return pl.currentTokens, pl.currentBudgetUSD, pl.currentSlots, nil
}

// ResetDaily clears the spend counter and refills the bucket.
func (pl *ProviderLimiter) ResetDaily() {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.currentBudgetUSD = 0
	pl.currentTokens = pl.maxTokensPerMinute
	pl.lastRefill = time.Now()
}

func (pl *ProviderLimiter) refillTokens() {
	if pl.maxTokensPerMinute <= 0 {
		return
	}

	now := time.Now()
	elapsed := now.Sub(pl.lastRefill)
	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed / time.Minute)
	pl.currentTokens += minutes * pl.maxTokensPerMinute
	if pl.currentTokens > pl.maxTokensPerMinute {
		pl.currentTokens = pl.maxTokensPerMinute
	}
	pl.lastRefill = pl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.resetTimer = time.AfterFunc(time.Until(nextMidnight), func() {
		l.ResetDaily()

		l.mu.Lock()
		l.resetTimer = time.AfterFunc(24*time.Hour, func() {
			l.scheduleDailyReset()
		})
		l.mu.Unlock()
	})
}
