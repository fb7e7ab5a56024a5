// Package llm is the boundary to the external reasoning and embedding capabilities.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentcore/pkg/corerr"
	"agentcore/pkg/limiter"
	"agentcore/pkg/utils"
)

// Options tune a completion.
type Options struct {
	System      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Reasoner turns a prompt into a text continuation.
type Reasoner interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	Name() string
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Middleware decorates a Reasoner.
type Middleware func(next Reasoner) Reasoner

// Chain applies middlewares so that the first one is outermost.
func Chain(r Reasoner, mws ...Middleware) Reasoner {
	for i := len(mws) - 1; i >= 0; i-- {
		r = mws[i](r)
	}
	return r
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc struct {
	Fn    func(ctx context.Context, prompt string, opts Options) (string, error)
	Label string
}

// Complete implements Reasoner.
func (f ReasonerFunc) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return f.Fn(ctx, prompt, opts)
}

// Name implements Reasoner.
func (f ReasonerFunc) Name() string { return f.Label }

// WithTimeout bounds each completion by d. A zero duration disables the bound.
func WithTimeout(d time.Duration) Middleware {
	return func(next Reasoner) Reasoner {
		if d <= 0 {
			return next
		}
		return ReasonerFunc{
			Label: next.Name(),
			Fn: func(ctx context.Context, prompt string, opts Options) (string, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				out, err := next.Complete(timeoutCtx, prompt, opts)
				if err != nil {
					return "", classify(ctx, KindReasoning, "llm.complete", err, fmt.Sprintf("%s completion failed", next.Name()))
				}
				return out, nil
			},
		}
	}
}

// WithDefaults fills unset options from defaults.
func WithDefaults(defaults Options) Middleware {
	return func(next Reasoner) Reasoner {
		return ReasonerFunc{
			Label: next.Name(),
			Fn: func(ctx context.Context, prompt string, opts Options) (string, error) {
				if opts.Model == "" {
					opts.Model = defaults.Model
				}
				if opts.MaxTokens <= 0 {
					opts.MaxTokens = defaults.MaxTokens
				}
				if opts.Temperature == 0 {
					opts.Temperature = defaults.Temperature
				}
				if opts.System == "" {
					opts.System = defaults.System
				}
				return next.Complete(ctx, prompt, opts)
			},
		}
	}
}

// WithLimiter takes a completion slot and reserves the prompt plus the requested output
// tokens before each call. A refusal is a Reasoning error, so callers back off and retry.
func WithLimiter(l *limiter.Limiter) Middleware {
	counter := utils.DefaultTokenCounter()
	return func(next Reasoner) Reasoner {
		return ReasonerFunc{
			Label: next.Name(),
			Fn: func(ctx context.Context, prompt string, opts Options) (string, error) {
				const op = "llm.limit"
				release, err := l.Acquire()
				if err != nil {
					return "", corerr.Wrap(KindReasoning, op, err, next.Name())
				}
				defer release()

				tokens := counter.CountTokens(opts.System) + counter.CountTokens(prompt) + opts.MaxTokens
				if err := l.Reserve(tokens); err != nil {
					return "", corerr.Wrap(KindReasoning, op, err, fmt.Sprintf("%s: %d tokens", next.Name(), tokens))
				}
				return next.Complete(ctx, prompt, opts)
			},
		}
	}
}

// Kinds used when classifying provider failures.
const (
	KindReasoning = corerr.KindReasoning
	KindEmbedding = corerr.KindEmbedding
)

// classify maps a provider failure to a typed error. The caller's own cancellation
// becomes Cancelled; anything else, including the outer timeout, is retryable.
func classify(parent context.Context, kind corerr.Kind, op string, err error, detail string) error {
	var typed *corerr.Error
	if errors.As(err, &typed) {
		return err
	}
	if parent != nil && errors.Is(parent.Err(), context.Canceled) {
		return corerr.Wrap(corerr.KindCancelled, op, err, detail)
	}
	return corerr.Wrap(kind, op, err, detail)
}

type timeoutEmbedder struct {
	next    Embedder
	timeout time.Duration
}

// EmbedderWithTimeout bounds each embedding call by d and types its failures.
func EmbedderWithTimeout(e Embedder, d time.Duration) Embedder {
	return &timeoutEmbedder{next: e, timeout: d}
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	vec, err := t.next.Embed(callCtx, text)
	if err != nil {
		return nil, classify(ctx, KindEmbedding, "llm.embed", err, "embedding failed")
	}
	return vec, nil
}

func (t *timeoutEmbedder) Dimensions() int { return t.next.Dimensions() }

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
