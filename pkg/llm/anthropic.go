package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicReasoner completes prompts with the Anthropic Messages API.
type AnthropicReasoner struct {
	client anthropic.Client
	model  string
}

// NewAnthropicReasoner creates a reasoner for model.
func NewAnthropicReasoner(apiKey, model string) *AnthropicReasoner {
	return &AnthropicReasoner{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Reasoner.
func (a *AnthropicReasoner) Name() string { return "anthropic:" + a.model }

// Complete implements Reasoner.
func (a *AnthropicReasoner) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(opts.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(float64(opts.Temperature)),
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(ctx, KindReasoning, "llm.anthropic", err, anthropicDetail(err))
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", classify(ctx, KindReasoning, "llm.anthropic", errors.New("empty response"), "no content returned")
	}

	var sb strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String(), nil
}

func anthropicDetail(err error) string {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("anthropic returned status %d", apiErr.StatusCode)
	}
	return "anthropic request failed"
}
