package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
)

// State is a worker execution state.
type State string

// Worker states.
const (
	StateIdle       State = "IDLE"
	StateThinking   State = "THINKING"
	StateActing     State = "ACTING"
	StateRecovering State = "RECOVERING"
	StateError      State = "ERROR"
	StateFailed     State = "FAILED"
)

func (s State) String() string { return string(s) }

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionTable maps a state to the states reachable from it.
type TransitionTable map[State][]State

// ValidTransitions is the worker lifecycle. ERROR is reachable from every working state;
// RECOVERING retries the stage that failed or escalates to FAILED.
//
//nolint:gochecknoglobals // immutable lifecycle table
var ValidTransitions = TransitionTable{
	StateIdle:       {StateThinking, StateError},
	StateThinking:   {StateActing, StateRecovering, StateError, StateIdle},
	StateActing:     {StateIdle, StateRecovering, StateError},
	StateRecovering: {StateThinking, StateActing, StateFailed, StateError, StateIdle},
	StateError:      {StateIdle, StateRecovering, StateFailed},
	StateFailed:     {StateIdle},
}

// Allows reports whether from → to is in the table.
func (t TransitionTable) Allows(from, to State) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition records one state change.
type StateTransition struct {
	Timestamp time.Time
	FromState State
	ToState   State
}

// maxTransitionHistory bounds the in-memory transition trail.
const maxTransitionHistory = 64

// StateMachine holds a worker's current state and validates every change against its table.
type StateMachine struct {
	table       TransitionTable
	logger      *logx.Logger
	metrics     *metrics.Recorder
	current     State
	transitions []StateTransition
	mu          sync.Mutex
}

// NewStateMachine starts in IDLE. A nil table uses ValidTransitions.
func NewStateMachine(logger *logx.Logger, rec *metrics.Recorder, table TransitionTable) *StateMachine {
	if table == nil {
		table = ValidTransitions
	}
	return &StateMachine{
		table:   table,
		logger:  logger,
		metrics: rec,
		current: StateIdle,
	}
}

// Current returns the current state.
func (sm *StateMachine) Current() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// TransitionTo moves to newState. A transition to the current state is a no-op.
func (sm *StateMachine) TransitionTo(newState State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	old := sm.current
	if old == newState {
		return nil
	}
	if !sm.table.Allows(old, newState) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, old, newState)
	}

	sm.current = newState
	sm.transitions = append(sm.transitions, StateTransition{
		FromState: old,
		ToState:   newState,
		Timestamp: time.Now().UTC(),
	})
	if len(sm.transitions) > maxTransitionHistory {
		sm.transitions = sm.transitions[len(sm.transitions)-maxTransitionHistory:]
	}
	sm.logger.Debug("🔄 State transition: %s → %s", old, newState)
	sm.metrics.WorkerTransition(old.String(), newState.String())
	return nil
}

// Transitions returns the recent transition trail, oldest first.
func (sm *StateMachine) Transitions() []StateTransition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]StateTransition, len(sm.transitions))
	copy(out, sm.transitions)
	return out
}
