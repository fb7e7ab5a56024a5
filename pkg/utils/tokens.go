// Package utils provides text measurement shared by context-window selection.
package utils

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Measurer reports the size of text in some unit.
type Measurer interface {
	Measure(text string) int
}

// TokenCounter counts tokens with a tiktoken encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter for the named encoding. Unknown or empty names use cl100k_base.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	enc := tokenizer.Encoding(encoding)
	switch enc {
	case tokenizer.Cl100kBase, tokenizer.O200kBase, tokenizer.P50kBase, tokenizer.R50kBase:
	default:
		enc = tokenizer.Cl100kBase
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec %s: %w", enc, err)
	}
	return &TokenCounter{codec: codec}, nil
}

var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultTokenCounter returns a shared cl100k_base counter. It is nil-safe to use when the codec fails to load.
func DefaultTokenCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter("")
		if err != nil {
			defaultCounter = &TokenCounter{}
			return
		}
		defaultCounter = counter
	})
	return defaultCounter
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return estimateTokens(text)
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return estimateTokens(text)
	}
	return count
}

// Measure implements Measurer.
func (tc *TokenCounter) Measure(text string) int {
	return tc.CountTokens(text)
}

// estimateTokens approximates 4 characters per token, rounding up.
func estimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// CharCounter measures text in runes.
type CharCounter struct{}

// Measure implements Measurer.
func (CharCounter) Measure(text string) int {
	return utf8.RuneCountInString(text)
}

// TruncateToTokenLimit cuts text so that it fits within limit tokens, marking the cut with "...".
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}

	runes := []rune(text)
	keep := int(float64(len(runes)) * float64(limit) / float64(current))
	for keep > 0 && tc.CountTokens(string(runes[:keep])+"...") > limit {
		keep--
	}
	return string(runes[:keep]) + "..."
}
