package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIReasoner completes prompts with the OpenAI Responses API.
type OpenAIReasoner struct {
	client openai.Client
	model  string
}

// NewOpenAIReasoner creates a reasoner for model.
func NewOpenAIReasoner(apiKey, model string) *OpenAIReasoner {
	return &OpenAIReasoner{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Reasoner.
func (o *OpenAIReasoner) Name() string { return "openai:" + o.model }

// Complete implements Reasoner.
func (o *OpenAIReasoner) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	model := o.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := responses.ResponseNewParams{
		Model: model,
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	}
	if opts.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.System != "" {
		params.Instructions = openai.String(opts.System)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", classify(ctx, KindReasoning, "llm.openai", err, openaiDetail(err))
	}
	if resp == nil {
		return "", classify(ctx, KindReasoning, "llm.openai", errors.New("empty response"), "no response returned")
	}
	return resp.OutputText(), nil
}

// OpenAIEmbedder embeds text with the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder creates an embedder that requests dims-sized vectors.
func NewOpenAIEmbedder(apiKey, model string, dims int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		dims:   dims,
	}
}

// Dimensions implements Embedder.
func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

// Embed implements Embedder.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(o.model),
		Dimensions: openai.Int(int64(o.dims)),
	})
	if err != nil {
		return nil, classify(ctx, KindEmbedding, "llm.openai_embed", err, openaiDetail(err))
	}
	if len(resp.Data) == 0 {
		return nil, classify(ctx, KindEmbedding, "llm.openai_embed", errors.New("empty response"), "no embedding returned")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

func openaiDetail(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("openai returned status %d", apiErr.StatusCode)
	}
	return "openai request failed"
}
