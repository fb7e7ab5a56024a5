package corerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindValidation, "validation"},
		{KindAuthorization, "authorization"},
		{KindNotFound, "not_found"},
		{KindDecode, "decode"},
		{KindBrokenThread, "broken_thread"},
		{KindEmbedding, "embedding"},
		{KindReasoning, "reasoning"},
		{KindDelivery, "delivery"},
		{KindPersistence, "persistence"},
		{KindCancelled, "cancelled"},
		{Kind(99), "invalid"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindNotFound, "conversation.append", "conversation c-1 is closed")
	assert.Equal(t, "conversation.append: not_found: conversation c-1 is closed", err.Error())

	cause := errors.New("disk I/O error")
	wrapped := Wrap(KindPersistence, "router.send", cause, "commit failed")
	assert.Equal(t, "router.send: persistence: commit failed: disk I/O error", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)

	assert.NoError(t, Wrap(KindPersistence, "noop", nil, "ignored"))
}

func TestIsKindThroughWrapping(t *testing.T) {
	base := Newf(KindAuthorization, "conversation.resolve", "worker %s is not a participant", "w9")
	err := fmt.Errorf("failed to send: %w", base)

	assert.True(t, IsKind(err, KindAuthorization))
	assert.False(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(errors.New("plain"), KindValidation))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindAuthorization, kind)
}

func TestKindOfContext(t *testing.T) {
	kind, ok := KindOf(fmt.Errorf("think: %w", context.Canceled))
	require.True(t, ok)
	assert.Equal(t, KindCancelled, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"embedding", New(KindEmbedding, "", "down"), true},
		{"reasoning", New(KindReasoning, "", "timeout"), true},
		{"delivery", New(KindDelivery, "", "inbox full"), true},
		{"validation", New(KindValidation, "", "bad"), false},
		{"broken thread", New(KindBrokenThread, "", "dangling"), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "validation: REQUEST requires action", Describe(New(KindValidation, "proto.create", "REQUEST requires action")))
	assert.Equal(t, "embedding: no route", Describe(Wrap(KindEmbedding, "memory.store", errors.New("no route"), "")))
	assert.Equal(t, "plain", Describe(errors.New("plain")))
}
