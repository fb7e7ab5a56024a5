package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

// MockReasoner is a scripted Reasoner for tests and the mock provider.
type MockReasoner struct {
	// Fn, when set, produces the response.
	Fn func(ctx context.Context, prompt string, opts Options) (string, error)
	// Delay is waited before responding, honoring cancellation.
	Delay time.Duration

	failErr   error
	responses []string
	prompts   []string
	failNext  int
	calls     int
	mu        sync.Mutex
}

// NewMockReasoner replies with responses in order, repeating the last one.
func NewMockReasoner(responses ...string) *MockReasoner {
	return &MockReasoner{responses: responses}
}

// FailNext makes the next n calls return err.
func (m *MockReasoner) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// Calls returns how many completions were requested.
func (m *MockReasoner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns every prompt received.
func (m *MockReasoner) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Name implements Reasoner.
func (m *MockReasoner) Name() string { return "mock" }

// Complete implements Reasoner.
func (m *MockReasoner) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.prompts = append(m.prompts, prompt)
	var failErr error
	if m.failNext > 0 {
		m.failNext--
		failErr = m.failErr
	}
	delay := m.Delay
	fn := m.Fn
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if failErr != nil {
		return "", failErr
	}
	if fn != nil {
		return fn(ctx, prompt, opts)
	}
	if len(m.responses) == 0 {
		return "ok", nil
	}
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

// HashEmbedder derives deterministic bag-of-words vectors by feature hashing.
// Texts sharing words score higher; identical texts score 1.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder creates a HashEmbedder of the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{Dims: dims}
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.Dims }

// Embed implements Embedder. The result is unit length and never zero.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.Dims)
	if h.Dims == 0 {
		return vec, nil
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}
	for _, w := range words {
		hasher := fnv.New64a()
		_, _ = hasher.Write([]byte(w))
		sum := hasher.Sum64()
		idx := int(sum % uint64(h.Dims))
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Opposite signs cancelled out.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
