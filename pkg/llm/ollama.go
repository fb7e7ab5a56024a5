package llm

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

func newOllamaClient(baseURL string) *api.Client {
	parsed, err := url.Parse(baseURL)
	if err != nil || baseURL == "" {
		parsed, _ = url.Parse(DefaultOllamaURL)
	}
	return api.NewClient(parsed, http.DefaultClient)
}

// OllamaReasoner completes prompts with a local Ollama server.
type OllamaReasoner struct {
	client *api.Client
	model  string
}

// NewOllamaReasoner creates a reasoner talking to baseURL.
func NewOllamaReasoner(baseURL, model string) *OllamaReasoner {
	return &OllamaReasoner{client: newOllamaClient(baseURL), model: model}
}

// Name implements Reasoner.
func (o *OllamaReasoner) Name() string { return "ollama:" + o.model }

// Complete implements Reasoner.
func (o *OllamaReasoner) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	messages := make([]api.Message, 0, 2)
	if opts.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: opts.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return "", classify(ctx, KindReasoning, "llm.ollama", err, "ollama chat failed")
	}
	return response.Message.Content, nil
}

// OllamaEmbedder embeds text with a local Ollama server.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dims   int
}

// NewOllamaEmbedder creates an embedder talking to baseURL.
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{client: newOllamaClient(baseURL), model: model, dims: dims}
}

// Dimensions implements Embedder.
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed implements Embedder.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embed(ctx, &api.EmbedRequest{Model: o.model, Input: text})
	if err != nil {
		return nil, classify(ctx, KindEmbedding, "llm.ollama_embed", err, "ollama embed failed")
	}
	if len(resp.Embeddings) == 0 {
		return nil, classify(ctx, KindEmbedding, "llm.ollama_embed", errors.New("empty response"), "no embedding returned")
	}
	return resp.Embeddings[0], nil
}
