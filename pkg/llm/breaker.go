package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentcore/pkg/corerr"
	"agentcore/pkg/limiter"
)

// CircuitState is the state of a Breaker.
type CircuitState int

// Circuit states.
const (
	CircuitClosed   CircuitState = iota // calls pass
	CircuitOpen                         // calls are refused
	CircuitHalfOpen                     // one probe is let through
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// ErrCircuitOpen is returned, wrapped, while the breaker refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker opens after Threshold consecutive provider failures and lets a single probe
// through once Cooldown has passed. A successful probe closes it again.
type Breaker struct {
	now       func() time.Time
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	failures  int
	state     CircuitState
	probing   bool
	mu        sync.Mutex
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{now: time.Now, threshold: threshold, cooldown: cooldown}
}

// State returns the current state, moving OPEN to HALF_OPEN when the cool-down is over.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

func (b *Breaker) advance() {
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = CircuitHalfOpen
		b.probing = false
	}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if success {
		b.state = CircuitClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = b.now()
	}
}

// abstain frees a probe slot without counting the call either way.
func (b *Breaker) abstain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// localRefusal reports errors raised before the provider was reached.
func localRefusal(err error) bool {
	return errors.Is(err, limiter.ErrRateLimit) ||
		errors.Is(err, limiter.ErrBudgetExceeded) ||
		errors.Is(err, limiter.ErrConcurrencyLimit)
}

// WithBreaker refuses completions while b is open. Cancellation by the caller and
// limiter refusals are not counted as provider failures.
func WithBreaker(b *Breaker) Middleware {
	return func(next Reasoner) Reasoner {
		return ReasonerFunc{
			Label: next.Name(),
			Fn: func(ctx context.Context, prompt string, opts Options) (string, error) {
				if !b.allow() {
					return "", corerr.Wrap(KindReasoning, "llm.breaker", ErrCircuitOpen, fmt.Sprintf("%s unavailable", next.Name()))
				}
				out, err := next.Complete(ctx, prompt, opts)
				if err != nil && (ctx.Err() != nil || localRefusal(err)) {
					b.abstain()
					return "", err
				}
				b.record(err == nil)
				return out, err
			},
		}
	}
}
