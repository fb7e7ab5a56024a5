package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/config"
	"agentcore/pkg/corerr"
	"agentcore/pkg/limiter"
	"agentcore/pkg/persistence"
)

func TestMockReasonerScript(t *testing.T) {
	ctx := context.Background()
	m := NewMockReasoner("first", "second")

	out, err := m.Complete(ctx, "p1", Options{})
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	m.FailNext(1, errors.New("boom"))
	_, err = m.Complete(ctx, "p2", Options{})
	require.EqualError(t, err, "boom")

	out, err = m.Complete(ctx, "p3", Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", out, "responses are indexed by call number")

	out, err = m.Complete(ctx, "p4", Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", out, "last response repeats")

	assert.Equal(t, 4, m.Calls())
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, m.Prompts())
}

func TestMockReasonerHonorsCancellation(t *testing.T) {
	m := NewMockReasoner("late")
	m.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Complete(ctx, "p", Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutClassifiesFailures(t *testing.T) {
	slow := NewMockReasoner("late")
	slow.Delay = time.Second
	r := Chain(slow, WithTimeout(10*time.Millisecond))

	_, err := r.Complete(context.Background(), "p", Options{})
	require.Error(t, err)
	assert.True(t, corerr.IsKind(err, corerr.KindReasoning), "outer timeout is a retryable reasoning failure")
	assert.True(t, corerr.Retryable(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Complete(ctx, "p", Options{})
	assert.True(t, corerr.IsKind(err, corerr.KindCancelled))

	fast := Chain(NewMockReasoner("ok"), WithTimeout(time.Second))
	out, err := fast.Complete(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "mock", fast.Name())
}

func TestWithTimeoutZeroIsPassthrough(t *testing.T) {
	base := NewMockReasoner()
	assert.Same(t, base, Chain(base, WithTimeout(0)))
}

func TestWithLimiterRefusesAsRetryable(t *testing.T) {
	base := NewMockReasoner("ok")
	r := Chain(base, WithLimiter(limiter.New(limiter.Config{TokensPerMinute: 60})))

	out, err := r.Complete(context.Background(), "short prompt", Options{MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = r.Complete(context.Background(), "short prompt", Options{MaxTokens: 50})
	require.Error(t, err)
	assert.True(t, corerr.Retryable(err))
	assert.ErrorIs(t, err, limiter.ErrRateLimit)
	assert.Equal(t, 1, base.Calls(), "a refused call never reaches the provider")
}

func TestWithLimiterReleasesSlot(t *testing.T) {
	l := limiter.New(limiter.Config{MaxConcurrent: 1})
	r := Chain(NewMockReasoner("ok"), WithLimiter(l))
	for i := 0; i < 3; i++ {
		_, err := r.Complete(context.Background(), "p", Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, l.Status().InFlight)
}

func TestLimiterRefusalsDoNotOpenBreaker(t *testing.T) {
	orders := map[string]func(b *Breaker, l *limiter.Limiter) []Middleware{
		"breaker outside": func(b *Breaker, l *limiter.Limiter) []Middleware { return []Middleware{WithBreaker(b), WithLimiter(l)} },
		"limiter outside": func(b *Breaker, l *limiter.Limiter) []Middleware { return []Middleware{WithLimiter(l), WithBreaker(b)} },
	}
	for name, mws := range orders {
		t.Run(name, func(t *testing.T) {
			mock := NewMockReasoner("ok")
			b := NewBreaker(3, time.Hour)
			r := Chain(mock, mws(b, limiter.New(limiter.Config{DailyTokenBudget: 1}))...)

			for range 3 {
				_, err := r.Complete(context.Background(), "a prompt well over the budget", Options{MaxTokens: 10})
				require.ErrorIs(t, err, limiter.ErrBudgetExceeded)
			}
			assert.Zero(t, mock.Calls())
			assert.Equal(t, CircuitClosed, b.State(), "local throttling is not a provider failure")
		})
	}
}

func TestChainOrderAndDefaults(t *testing.T) {
	var seen Options
	base := ReasonerFunc{Label: "probe", Fn: func(_ context.Context, _ string, opts Options) (string, error) {
		seen = opts
		return "done", nil
	}}
	var order []string
	tag := func(name string) Middleware {
		return func(next Reasoner) Reasoner {
			return ReasonerFunc{Label: next.Name(), Fn: func(ctx context.Context, p string, o Options) (string, error) {
				order = append(order, name)
				return next.Complete(ctx, p, o)
			}}
		}
	}

	r := Chain(base, tag("outer"), tag("inner"), WithDefaults(Options{Model: "m", MaxTokens: 100, Temperature: 0.5}))
	_, err := r.Complete(context.Background(), "p", Options{MaxTokens: 7})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, Options{Model: "m", MaxTokens: 7, Temperature: 0.5}, seen)
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)

	a, err := e.Embed(ctx, "design review notes")
	require.NoError(t, err)
	require.Len(t, a, 64)

	again, err := e.Embed(ctx, "Design, review notes!")
	require.NoError(t, err)
	assert.Equal(t, a, again, "case and punctuation do not matter")

	related, err := e.Embed(ctx, "design notes")
	require.NoError(t, err)
	unrelated, err := e.Embed(ctx, "kafka broker outage")
	require.NoError(t, err)

	assert.InDelta(t, 1.0, persistence.CosineSimilarity(a, a), 1e-5)
	assert.Greater(t, persistence.CosineSimilarity(a, related), persistence.CosineSimilarity(a, unrelated))

	empty, err := e.Embed(ctx, "")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, persistence.CosineSimilarity(empty, empty), 1e-5, "empty text still yields a unit vector")
}

type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, f.err }
func (f failingEmbedder) Dimensions() int                                  { return 3 }

func TestEmbedderWithTimeout(t *testing.T) {
	e := EmbedderWithTimeout(failingEmbedder{err: errors.New("unavailable")}, time.Second)
	_, err := e.Embed(context.Background(), "x")
	assert.True(t, corerr.IsKind(err, corerr.KindEmbedding))
	assert.Equal(t, 3, e.Dimensions())

	ok := EmbedderWithTimeout(NewHashEmbedder(8), 0)
	vec, err := ok.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
}

func TestFactory(t *testing.T) {
	t.Setenv(config.SecretAnthropicKey, "")
	t.Setenv(config.SecretOpenAIKey, "")
	t.Setenv(config.SecretGeminiKey, "")
	secrets := config.NewSecrets(t.TempDir())

	r, err := NewReasoner(config.LLMConfig{Provider: config.ProviderMock}, secrets)
	require.NoError(t, err)
	out, err := r.Complete(context.Background(), "hi", Options{})
	require.NoError(t, err)
	assert.JSONEq(t, defaultMockReasonerMessage, out)

	for _, provider := range []string{config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGemini} {
		t.Run(provider+" without key", func(t *testing.T) {
			_, err := NewReasoner(config.LLMConfig{Provider: provider, Model: "m"}, secrets)
			assert.Error(t, err)
		})
	}

	secrets.Set(config.SecretAnthropicKey, "sk-test")
	r, err = NewReasoner(config.LLMConfig{Provider: config.ProviderAnthropic, Model: "claude-x"}, secrets)
	require.NoError(t, err)
	assert.Equal(t, "anthropic:claude-x", r.Name())

	r, err = NewReasoner(config.LLMConfig{Provider: config.ProviderOllama}, secrets)
	require.NoError(t, err)
	assert.Equal(t, "ollama:"+DefaultOllamaModel, r.Name())

	_, err = NewReasoner(config.LLMConfig{Provider: "nope"}, secrets)
	assert.Error(t, err)

	e, err := NewEmbedder(config.LLMConfig{EmbeddingProvider: config.ProviderMock}, config.MemoryConfig{Dimensions: 16}, secrets)
	require.NoError(t, err)
	assert.Equal(t, 16, e.Dimensions())

	_, err = NewEmbedder(config.LLMConfig{EmbeddingProvider: config.ProviderOpenAI}, config.MemoryConfig{Dimensions: 16}, secrets)
	assert.Error(t, err)

	_, err = NewEmbedder(config.LLMConfig{EmbeddingProvider: "nope"}, config.MemoryConfig{Dimensions: 16}, secrets)
	assert.Error(t, err)
}

func TestOllamaAgainstStubServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/chat":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model":   req["model"],
				"message": map[string]any{"role": "assistant", "content": "pong"},
				"done":    true,
			})
		case "/api/embed":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"model":      "embed",
				"embeddings": [][]float32{{0.25, 0.5, 0.75}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	out, err := NewOllamaReasoner(server.URL, "llama").Complete(ctx, "ping", Options{System: "be brief", MaxTokens: 8})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	vec, err := NewOllamaEmbedder(server.URL, "embed", 3).Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 0.5, 0.75}, vec)
}
