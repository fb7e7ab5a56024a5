package llm

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/genai"
)

// geminiClient lazily creates the SDK client on first use.
type geminiClient struct {
	client *genai.Client
	err    error
	apiKey string
	once   sync.Once
}

func (g *geminiClient) get(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		g.client, g.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return g.client, g.err
}

// GeminiReasoner completes prompts with the Gemini API.
type GeminiReasoner struct {
	client *geminiClient
	model  string
}

// NewGeminiReasoner creates a reasoner for model.
func NewGeminiReasoner(apiKey, model string) *GeminiReasoner {
	return &GeminiReasoner{client: &geminiClient{apiKey: apiKey}, model: model}
}

// Name implements Reasoner.
func (g *GeminiReasoner) Name() string { return "gemini:" + g.model }

// Complete implements Reasoner.
func (g *GeminiReasoner) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	client, err := g.client.get(ctx)
	if err != nil {
		return "", classify(ctx, KindReasoning, "llm.gemini", err, "failed to create gemini client")
	}
	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}

	temperature := opts.Temperature
	//nolint:gosec // bounded by configuration validation
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(opts.MaxTokens),
	}
	if opts.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.System}}}
	}

	result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classify(ctx, KindReasoning, "llm.gemini", err, "gemini generate failed")
	}
	if result == nil {
		return "", classify(ctx, KindReasoning, "llm.gemini", errors.New("empty response"), "no response returned")
	}
	return result.Text(), nil
}

// GeminiEmbedder embeds text with the Gemini API.
type GeminiEmbedder struct {
	client *geminiClient
	model  string
	dims   int
}

// NewGeminiEmbedder creates an embedder that requests dims-sized vectors.
func NewGeminiEmbedder(apiKey, model string, dims int) *GeminiEmbedder {
	return &GeminiEmbedder{client: &geminiClient{apiKey: apiKey}, model: model, dims: dims}
}

// Dimensions implements Embedder.
func (g *GeminiEmbedder) Dimensions() int { return g.dims }

// Embed implements Embedder.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := g.client.get(ctx)
	if err != nil {
		return nil, classify(ctx, KindEmbedding, "llm.gemini_embed", err, "failed to create gemini client")
	}
	//nolint:gosec // bounded by configuration validation
	dims := int32(g.dims)
	resp, err := client.Models.EmbedContent(ctx, g.model, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, classify(ctx, KindEmbedding, "llm.gemini_embed", err, "gemini embed failed")
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, classify(ctx, KindEmbedding, "llm.gemini_embed", errors.New("empty response"), "no embedding returned")
	}
	return resp.Embeddings[0].Values, nil
}
