// Package limiter enforces per-minute token rates, a daily token budget and a cap on
// concurrent completions for a reasoning provider.
package limiter

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimit is returned when the per-minute token bucket is empty.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrBudgetExceeded is returned when the daily token budget is spent.
	ErrBudgetExceeded = errors.New("daily budget exceeded")
	// ErrConcurrencyLimit is returned when every completion slot is taken.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
)

// Config sets the limits. A zero field disables that limit.
type Config struct {
	TokensPerMinute  int
	DailyTokenBudget int
	MaxConcurrent    int
}

// Enabled reports whether any limit is set.
func (c Config) Enabled() bool {
	return c.TokensPerMinute > 0 || c.DailyTokenBudget > 0 || c.MaxConcurrent > 0
}

// Status is a snapshot of the remaining capacity.
type Status struct {
	Tokens     int
	SpentToday int
	InFlight   int
}

// Limiter is safe for concurrent use.
type Limiter struct {
	now        func() time.Time
	lastRefill time.Time
	day        time.Time
	cfg        Config
	tokens     int
	spentToday int
	inFlight   int
	mu         sync.Mutex
}

// New creates a limiter with a full bucket.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	t := now()
	return &Limiter{
		now:        now,
		lastRefill: t,
		day:        midnight(t),
		cfg:        cfg,
		tokens:     cfg.TokensPerMinute,
	}
}

// Reserve takes tokens from the bucket and the daily budget, or neither.
func (l *Limiter) Reserve(tokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.cfg.DailyTokenBudget > 0 && l.spentToday+tokens > l.cfg.DailyTokenBudget {
		return ErrBudgetExceeded
	}
	if l.cfg.TokensPerMinute > 0 {
		if l.tokens < min(tokens, l.cfg.TokensPerMinute) {
			return ErrRateLimit
		}
		// A request larger than the bucket drains it rather than never passing.
		l.tokens = max(l.tokens-tokens, 0)
	}
	l.spentToday += tokens
	return nil
}

// Acquire takes a completion slot. The returned release must be called exactly once.
func (l *Limiter) Acquire() (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxConcurrent > 0 && l.inFlight >= l.cfg.MaxConcurrent {
		return nil, ErrConcurrencyLimit
	}
	l.inFlight++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.inFlight--
			l.mu.Unlock()
		})
	}, nil
}

// Status returns the current capacity.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	return Status{Tokens: l.tokens, SpentToday: l.spentToday, InFlight: l.inFlight}
}

// refill adds a full bucket per elapsed minute and clears the budget at local midnight.
func (l *Limiter) refill() {
	now := l.now()
	if today := midnight(now); today.After(l.day) {
		l.day = today
		l.spentToday = 0
	}

	elapsed := now.Sub(l.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	l.tokens = min(l.tokens+minutes*l.cfg.TokensPerMinute, l.cfg.TokensPerMinute)
	l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
