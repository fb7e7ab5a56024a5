package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/logx"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateThinking, true},
		{StateThinking, StateActing, true},
		{StateActing, StateIdle, true},
		{StateThinking, StateRecovering, true},
		{StateRecovering, StateThinking, true},
		{StateRecovering, StateActing, true},
		{StateRecovering, StateFailed, true},
		{StateFailed, StateIdle, true},
		{StateActing, StateError, true},
		{StateError, StateIdle, true},
		{StateIdle, StateActing, false},
		{StateIdle, StateFailed, false},
		{StateFailed, StateThinking, false},
		{StateThinking, StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidTransitions.Allows(tt.from, tt.to))
		})
	}
}

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine(logx.NewLogger("test"), nil, nil)
	assert.Equal(t, StateIdle, sm.Current())

	require.NoError(t, sm.TransitionTo(StateThinking))
	require.NoError(t, sm.TransitionTo(StateThinking), "same state is a no-op")

	err := sm.TransitionTo(StateFailed)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateThinking, sm.Current())

	require.NoError(t, sm.TransitionTo(StateActing))
	require.NoError(t, sm.TransitionTo(StateIdle))

	trail := sm.Transitions()
	require.Len(t, trail, 3)
	assert.Equal(t, StateIdle, trail[0].FromState)
	assert.Equal(t, StateIdle, trail[2].ToState)
}

func TestTransitionHistoryIsBounded(t *testing.T) {
	sm := NewStateMachine(logx.NewLogger("test"), nil, TransitionTable{
		StateIdle:     {StateThinking},
		StateThinking: {StateIdle},
	})
	for i := 0; i < maxTransitionHistory; i++ {
		require.NoError(t, sm.TransitionTo(StateThinking))
		require.NoError(t, sm.TransitionTo(StateIdle))
	}
	assert.Len(t, sm.Transitions(), maxTransitionHistory)
}
