package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCounter(t *testing.T) {
	for _, enc := range []string{"", "cl100k_base", "o200k_base", "unknown-encoding"} {
		t.Run(enc, func(t *testing.T) {
			counter, err := NewTokenCounter(enc)
			require.NoError(t, err)
			require.NotNil(t, counter)
		})
	}
}

func TestCountTokens(t *testing.T) {
	counter := DefaultTokenCounter()

	tests := []struct {
		text      string
		minTokens int
		maxTokens int
	}{
		{"", 0, 0},
		{"Hello", 1, 2},
		{"Hello world", 2, 3},
		{"This is a longer sentence with more words.", 8, 12},
		{strings.Repeat("word ", 100), 90, 110},
	}
	for _, tt := range tests {
		name := tt.text
		if len(name) > 20 {
			name = name[:20]
		}
		t.Run(name, func(t *testing.T) {
			tokens := counter.Measure(tt.text)
			assert.GreaterOrEqual(t, tokens, tt.minTokens)
			assert.LessOrEqual(t, tokens, tt.maxTokens)
		})
	}
}

func TestNilCounterEstimates(t *testing.T) {
	var counter *TokenCounter
	assert.Equal(t, 0, counter.CountTokens(""))
	assert.Equal(t, 1, counter.CountTokens("abc"))
	assert.Equal(t, 2, counter.CountTokens("abcde"))
}

func TestCharCounter(t *testing.T) {
	assert.Equal(t, 5, CharCounter{}.Measure("héllo"))
	assert.Equal(t, 0, CharCounter{}.Measure(""))
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter := DefaultTokenCounter()
	text := strings.Repeat("alpha beta gamma ", 50)

	assert.Equal(t, "short", counter.TruncateToTokenLimit("short", 10))
	assert.Empty(t, counter.TruncateToTokenLimit(text, 0))

	cut := counter.TruncateToTokenLimit(text, 20)
	assert.True(t, strings.HasSuffix(cut, "..."))
	assert.LessOrEqual(t, counter.CountTokens(cut), 20)
}
