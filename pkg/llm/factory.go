package llm

import (
	"fmt"

	"agentcore/pkg/config"
	"agentcore/pkg/limiter"
)

// Default models per provider, used when the configuration leaves them empty.
const (
	DefaultAnthropicModel      = "claude-sonnet-4-5"
	DefaultOpenAIModel         = "gpt-4.1-mini"
	DefaultOllamaModel         = "llama3.2"
	DefaultGeminiModel         = "gemini-2.5-flash"
	DefaultOpenAIEmbedModel    = "text-embedding-3-small"
	DefaultOllamaEmbedModel    = "nomic-embed-text"
	DefaultGeminiEmbedModel    = "gemini-embedding-001"
	defaultMockReasonerMessage = `{"summary":"acknowledged"}`
)

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// NewReasoner builds the configured completion capability with option defaults applied.
func NewReasoner(cfg config.LLMConfig, secrets *config.Secrets) (Reasoner, error) {
	var base Reasoner
	switch cfg.Provider {
	case config.ProviderMock, "":
		base = NewMockReasoner(defaultMockReasonerMessage)
	case config.ProviderAnthropic:
		key, err := secrets.Get(config.SecretAnthropicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve anthropic key: %w", err)
		}
		base = NewAnthropicReasoner(key, orDefault(cfg.Model, DefaultAnthropicModel))
	case config.ProviderOpenAI:
		key, err := secrets.Get(config.SecretOpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve openai key: %w", err)
		}
		base = NewOpenAIReasoner(key, orDefault(cfg.Model, DefaultOpenAIModel))
	case config.ProviderOllama:
		base = NewOllamaReasoner(cfg.BaseURL, orDefault(cfg.Model, DefaultOllamaModel))
	case config.ProviderGemini:
		key, err := secrets.Get(config.SecretGeminiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve gemini key: %w", err)
		}
		base = NewGeminiReasoner(key, orDefault(cfg.Model, DefaultGeminiModel))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}

	mws := []Middleware{WithDefaults(Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
	})}
	// The limiter sits outside the breaker so the breaker only sees calls that reach the provider.
	if limits := cfg.Limits(); limits.Enabled() {
		mws = append(mws, WithLimiter(limiter.New(limits)))
	}
	if cfg.BreakerThreshold > 0 {
		mws = append(mws, WithBreaker(NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown.Std())))
	}
	return Chain(base, mws...), nil
}

// NewEmbedder builds the configured embedding capability, bounded by the embed timeout.
func NewEmbedder(cfg config.LLMConfig, mem config.MemoryConfig, secrets *config.Secrets) (Embedder, error) {
	var base Embedder
	switch cfg.EmbeddingProvider {
	case config.ProviderMock, "":
		base = NewHashEmbedder(mem.Dimensions)
	case config.ProviderOpenAI:
		key, err := secrets.Get(config.SecretOpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve openai key: %w", err)
		}
		base = NewOpenAIEmbedder(key, orDefault(cfg.EmbeddingModel, DefaultOpenAIEmbedModel), mem.Dimensions)
	case config.ProviderOllama:
		base = NewOllamaEmbedder(cfg.BaseURL, orDefault(cfg.EmbeddingModel, DefaultOllamaEmbedModel), mem.Dimensions)
	case config.ProviderGemini:
		key, err := secrets.Get(config.SecretGeminiKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve gemini key: %w", err)
		}
		base = NewGeminiEmbedder(key, orDefault(cfg.EmbeddingModel, DefaultGeminiEmbedModel), mem.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
	return EmbedderWithTimeout(base, mem.EmbedTimeout.Std()), nil
}
