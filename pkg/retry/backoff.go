// Package retry implements bounded exponential backoff as an explicit state machine.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config defines bounded exponential backoff.
type Config struct {
	MaxAttempts   int           // Total attempts including the first
	InitialDelay  time.Duration // Delay before the second attempt
	MaxDelay      time.Duration // Cap for any single delay
	BackoffFactor float64       // Multiplier per attempt
	Jitter        bool          // Spread delays by up to ±10%
}

// DefaultConfig is three attempts starting at 100ms.
//
//nolint:gochecknoglobals // package default
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Delay returns the wait before the given retry (1-based).
func (c Config) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(retry-1)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		spread := float64(delay) * 0.1
		delay += time.Duration((rand.Float64()*2 - 1) * spread) //nolint:gosec // jitter only
		if delay < 0 {
			delay = c.InitialDelay
		}
	}
	return delay
}

// Backoff tracks attempts against a Config. It is not safe for concurrent use.
type Backoff struct {
	cfg      Config
	failures int
	delays   []time.Duration
}

// NewBackoff starts a fresh schedule.
func NewBackoff(cfg Config) *Backoff {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Backoff{cfg: cfg}
}

// Failures is the number of failed attempts recorded so far.
func (b *Backoff) Failures() int {
	return b.failures
}

// Attempt is the 1-based number of the attempt about to run.
func (b *Backoff) Attempt() int {
	return b.failures + 1
}

// MaxAttempts returns the configured attempt bound.
func (b *Backoff) MaxAttempts() int {
	return b.cfg.MaxAttempts
}

// Exhausted reports whether no further attempt is allowed.
func (b *Backoff) Exhausted() bool {
	return b.failures >= b.cfg.MaxAttempts
}

// Fail records a failed attempt. It returns the delay before the next attempt and
// false once the attempt bound is reached.
func (b *Backoff) Fail() (time.Duration, bool) {
	b.failures++
	if b.Exhausted() {
		return 0, false
	}
	d := b.cfg.Delay(b.failures)
	b.delays = append(b.delays, d)
	return d, true
}

// Schedule returns the delays handed out so far.
func (b *Backoff) Schedule() []time.Duration {
	out := make([]time.Duration, len(b.delays))
	copy(out, b.delays)
	return out
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.failures = 0
	b.delays = nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, shouldRetry rejects the error, or attempts run out.
// onFailure, if set, observes every failed attempt before the wait.
func Do(ctx context.Context, cfg Config, shouldRetry func(error) bool, onFailure func(attempt int, err error), fn func(ctx context.Context) error) error {
	b := NewBackoff(cfg)
	for {
		attempt := b.Attempt()
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		delay, ok := b.Fail()
		if !ok {
			return fmt.Errorf("failed after %d attempts: %w", b.Failures(), err)
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", b.Failures(), err)
		}
	}
}
