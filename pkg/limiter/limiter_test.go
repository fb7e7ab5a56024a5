package limiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestReserveRefillsPerMinute(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := newWithClock(Config{TokensPerMinute: 100}, c.Now)

	require.NoError(t, l.Reserve(60))
	require.NoError(t, l.Reserve(40))
	assert.ErrorIs(t, l.Reserve(1), ErrRateLimit)

	c.Advance(59 * time.Second)
	assert.ErrorIs(t, l.Reserve(1), ErrRateLimit)

	c.Advance(time.Second)
	require.NoError(t, l.Reserve(100))
	assert.Equal(t, 0, l.Status().Tokens)

	c.Advance(5 * time.Minute)
	assert.Equal(t, 100, l.Status().Tokens, "bucket is capped")
}

func TestOversizedRequestDrainsFullBucket(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := newWithClock(Config{TokensPerMinute: 100}, c.Now)

	require.NoError(t, l.Reserve(250))
	assert.ErrorIs(t, l.Reserve(250), ErrRateLimit)
}

func TestDailyBudgetResetsAtMidnight(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)}
	l := newWithClock(Config{DailyTokenBudget: 500}, c.Now)

	require.NoError(t, l.Reserve(400))
	assert.ErrorIs(t, l.Reserve(200), ErrBudgetExceeded)
	assert.Equal(t, 400, l.Status().SpentToday, "a rejected reservation spends nothing")

	c.Advance(time.Hour)
	require.NoError(t, l.Reserve(200))
	assert.Equal(t, 200, l.Status().SpentToday)
}

func TestAcquireCapsConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrent: 2})

	r1, err := l.Acquire()
	require.NoError(t, err)
	r2, err := l.Acquire()
	require.NoError(t, err)
	_, err = l.Acquire()
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	r1()
	r1()
	assert.Equal(t, 1, l.Status().InFlight, "release is idempotent")
	r2()
	assert.Equal(t, 0, l.Status().InFlight)
}

func TestZeroConfigIsUnlimited(t *testing.T) {
	l := New(Config{})
	assert.False(t, Config{}.Enabled())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Reserve(1_000_000))
		_, err := l.Acquire()
		require.NoError(t, err)
	}
}
