// Package supervisor receives the alerts raised by FAILED workers and applies a restart
// policy per worker type: reset after a cool-down, hold for an operator, or shut down.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentcore/pkg/activity"
	"agentcore/pkg/config"
	"agentcore/pkg/logx"
	"agentcore/pkg/persistence"
	"agentcore/pkg/proto"
)

// Action is what happens to a FAILED worker.
type Action int

const (
	// ActionReset resets the worker after the cool-down.
	ActionReset Action = iota
	// ActionHold leaves the worker FAILED until reset by hand.
	ActionHold
	// ActionShutdown stops the runtime.
	ActionShutdown
)

func (a Action) String() string {
	switch a {
	case ActionReset:
		return config.ActionReset
	case ActionHold:
		return config.ActionHold
	case ActionShutdown:
		return config.ActionShutdown
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func parseAction(s string) (Action, error) {
	switch s {
	case config.ActionReset, "":
		return ActionReset, nil
	case config.ActionHold:
		return ActionHold, nil
	case config.ActionShutdown:
		return ActionShutdown, nil
	}
	return 0, fmt.Errorf("unknown supervisor action %q", s)
}

// RestartPolicy maps worker types to actions.
type RestartPolicy struct {
	OnFailure map[string]Action
	Default   Action
	Cooldown  time.Duration
}

// PolicyFromConfig parses the configured actions.
func PolicyFromConfig(cfg config.SupervisorConfig) (RestartPolicy, error) {
	def, err := parseAction(cfg.DefaultAction)
	if err != nil {
		return RestartPolicy{}, err
	}
	p := RestartPolicy{OnFailure: make(map[string]Action, len(cfg.Actions)), Default: def, Cooldown: cfg.ResetCooldown.Std()}
	for workerType, s := range cfg.Actions {
		a, err := parseAction(s)
		if err != nil {
			return RestartPolicy{}, err
		}
		p.OnFailure[workerType] = a
	}
	return p, nil
}

// ActionFor returns the action for a worker type.
func (p RestartPolicy) ActionFor(workerType string) Action {
	if a, ok := p.OnFailure[workerType]; ok {
		return a
	}
	return p.Default
}

// Resettable is a worker that can leave FAILED.
type Resettable interface {
	Reset(ctx context.Context) error
}

// Directory resolves worker types.
type Directory interface {
	Get(ctx context.Context, id string) (*persistence.Worker, error)
}

// ShutdownFunc stops the runtime with a reason.
type ShutdownFunc func(reason string)

// Supervisor is the inbox of the supervisor id. Alerts are handled without blocking delivery.
type Supervisor struct {
	directory Directory
	activity  *activity.Log
	shutdown  ShutdownFunc
	logger    *logx.Logger
	workers   map[string]Resettable
	pending   map[string]*time.Timer
	policy    RestartPolicy
	id        string
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

// New creates a supervisor answering as id. shutdown may be nil.
func New(id string, policy RestartPolicy, directory Directory, log *activity.Log, shutdown ShutdownFunc) *Supervisor {
	return &Supervisor{
		directory: directory,
		activity:  log,
		shutdown:  shutdown,
		logger:    logx.NewLogger("supervisor"),
		workers:   make(map[string]Resettable),
		pending:   make(map[string]*time.Timer),
		policy:    policy,
		id:        id,
	}
}

// ID returns the worker id the supervisor receives under.
func (s *Supervisor) ID() string { return s.id }

// Track makes a worker eligible for automatic reset.
func (s *Supervisor) Track(workerID string, w Resettable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = w
}

// Deliver implements the router inbox. Only failure alerts trigger an action; anything else
// is logged.
func (s *Supervisor) Deliver(ctx context.Context, m *proto.Message) error {
	if m.Type != proto.MsgTypeALERT {
		s.logger.Debug("Ignoring %s from %s", m.Type, m.Sender)
		return nil
	}
	source, _ := m.GetMetadata(proto.KeyAlertSource)
	failedMsg, failed := m.GetMetadata(proto.KeyFailedMessage)
	if !failed {
		s.logger.Warn("⚠️ Alert from %s: %s", source, m.Text())
		s.record(ctx, m, "alert from "+source, activity.OutcomeSkipped)
		return nil
	}
	return s.handleFailure(ctx, m, source, failedMsg)
}

func (s *Supervisor) handleFailure(ctx context.Context, m *proto.Message, workerID, failedMsg string) error {
	action := s.policy.Default
	if w, err := s.directory.Get(ctx, workerID); err == nil {
		action = s.policy.ActionFor(w.Type)
	} else {
		s.logger.Warn("Cannot resolve type of %s, using default action: %v", workerID, err)
	}
	s.logger.Error("🚨 Worker %s failed on %s; action %s", workerID, failedMsg, action)

	switch action {
	case ActionReset:
		if s.scheduleReset(workerID) {
			s.record(ctx, m, fmt.Sprintf("reset of %s scheduled in %s", workerID, s.policy.Cooldown), activity.OutcomeOK)
		} else {
			s.record(ctx, m, "reset of "+workerID+" already scheduled or worker untracked", activity.OutcomeSkipped)
		}
	case ActionHold:
		s.record(ctx, m, "holding "+workerID+" in FAILED", activity.OutcomeSkipped)
	case ActionShutdown:
		s.record(ctx, m, "shutdown after failure of "+workerID, activity.OutcomeOK)
		if s.shutdown != nil {
			s.shutdown(fmt.Sprintf("worker %s failed on %s", workerID, failedMsg))
		}
	}
	return nil
}

// scheduleReset arms one reset timer per worker. Redelivered alerts find it armed.
func (s *Supervisor) scheduleReset(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok || s.closed {
		return false
	}
	if _, armed := s.pending[workerID]; armed {
		return false
	}
	s.wg.Add(1)
	s.pending[workerID] = time.AfterFunc(s.policy.Cooldown, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, workerID)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if err := w.Reset(context.Background()); err != nil {
			s.logger.Warn("Reset of %s skipped: %v", workerID, err)
			return
		}
		s.logger.Info("🔁 Reset %s after cool-down", workerID)
	})
	return true
}

// Pending reports whether a reset is armed for workerID.
func (s *Supervisor) Pending(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[workerID]
	return ok
}

// Close cancels armed resets and waits for running ones.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) record(ctx context.Context, m *proto.Message, description, outcome string) {
	if s.activity == nil {
		return
	}
	err := s.activity.Append(context.WithoutCancel(ctx), &activity.Record{
		WorkerID:       s.id,
		Category:       activity.CategoryAlert,
		Description:    description,
		Input:          m.Text(),
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Outcome:        outcome,
	})
	if err != nil {
		s.logger.Error("Failed to record alert %s: %v", m.ID, err)
	}
}
