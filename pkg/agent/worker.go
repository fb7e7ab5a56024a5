// Package agent implements the generic worker execution loop: receive a message, gather
// memory and conversation context, reason through a pluggable policy, act by sending
// messages, and recover from failures with bounded retries.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"agentcore/pkg/activity"
	"agentcore/pkg/config"
	"agentcore/pkg/corerr"
	"agentcore/pkg/llm"
	"agentcore/pkg/logx"
	"agentcore/pkg/memory"
	"agentcore/pkg/metrics"
	"agentcore/pkg/persistence"
	"agentcore/pkg/proto"
	"agentcore/pkg/retry"
)

// Defaults for zero Config fields.
const (
	DefaultInboxSize       = 64
	DefaultDedupeCacheSize = 1024
	DefaultHistoryLimit    = 20
	DefaultSearchK         = 5
)

// Router sends messages on behalf of a worker.
type Router interface {
	Send(ctx context.Context, m *proto.Message) (string, error)
}

// Memory is the part of the vector store a worker reads and writes.
type Memory interface {
	Search(ctx context.Context, q memory.Query) ([]memory.Scored, error)
	Store(ctx context.Context, text string, tags []string, metadata map[string]string, opts ...memory.StoreOption) (string, error)
}

// History reads recent conversation messages.
type History interface {
	History(ctx context.Context, conversationID string, limit int) ([]*proto.Message, error)
}

// StatusWriter records the worker's status in the registry.
type StatusWriter interface {
	SetStatus(ctx context.Context, id, status string) error
}

// Deps are the shared collaborators injected into every worker. Memory and Registry are optional.
type Deps struct {
	Router        Router
	Conversations History
	Memory        Memory
	Activity      *activity.Log
	Registry      StatusWriter
	Reasoner      llm.Reasoner
	Metrics       *metrics.Recorder
}

// Config tunes one worker.
type Config struct {
	ID              string
	SupervisorID    string
	Budget          memory.Budget
	Retry           retry.Config
	ThinkTimeout    time.Duration
	InboxSize       int
	DedupeCacheSize int64
	HistoryLimit    int
	SearchK         int
}

// ConfigFrom derives a worker configuration from the application config.
func ConfigFrom(id string, cfg *config.Config) Config {
	return Config{
		ID:              id,
		SupervisorID:    cfg.Worker.SupervisorID,
		Budget:          memory.BudgetFromConfig(cfg.Memory),
		Retry:           cfg.Worker.Retry.Policy(),
		ThinkTimeout:    cfg.Worker.ThinkTimeout.Std(),
		InboxSize:       cfg.Worker.InboxSize,
		DedupeCacheSize: cfg.Worker.DedupeCacheSize,
		HistoryLimit:    cfg.Worker.HistoryLimit,
		SearchK:         cfg.Memory.SearchK,
	}
}

// cycle carries the progress of one message through think and act so a retry
// resumes at the stage that failed and never re-sends an intent.
type cycle struct {
	trigger   *proto.Message
	decision  *Decision
	stage     string
	sentIDs   []string
	memorized int
}

// BaseAgent runs the execution loop for one worker. Messages are processed strictly one
// at a time.
type BaseAgent struct {
	deps        Deps
	policy      Policy
	reasoner    llm.Reasoner
	logger      *logx.Logger
	sm          *StateMachine
	inbox       chan *proto.Message
	resetCh     chan struct{}
	processed   *ristretto.Cache
	now         func() time.Time
	cancelCycle context.CancelFunc
	cfg         Config
	mu          sync.Mutex
	running     bool
}

// New builds an idle worker. A nil policy uses EchoPolicy.
func New(deps Deps, policy Policy, cfg Config) (*BaseAgent, error) {
	const op = "agent.new"
	switch {
	case cfg.ID == "":
		return nil, corerr.New(corerr.KindValidation, op, "worker id is required")
	case deps.Router == nil, deps.Conversations == nil, deps.Activity == nil:
		return nil, corerr.Newf(corerr.KindValidation, op, "worker %s needs a router, conversations and an activity log", cfg.ID)
	case deps.Reasoner == nil:
		return nil, corerr.Newf(corerr.KindValidation, op, "worker %s needs a reasoner", cfg.ID)
	}
	if policy == nil {
		policy = EchoPolicy{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.DedupeCacheSize <= 0 {
		cfg.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.SearchK <= 0 {
		cfg.SearchK = DefaultSearchK
	}

	processed, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.DedupeCacheSize * 10,
		MaxCost:            cfg.DedupeCacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processed-id cache: %w", err)
	}

	logger := logx.NewLogger(cfg.ID)
	return &BaseAgent{
		deps:      deps,
		policy:    policy,
		reasoner:  llm.Chain(deps.Reasoner, llm.WithTimeout(cfg.ThinkTimeout)),
		logger:    logger,
		sm:        NewStateMachine(logger, deps.Metrics, nil),
		inbox:     make(chan *proto.Message, cfg.InboxSize),
		resetCh:   make(chan struct{}, 1),
		processed: processed,
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       cfg,
	}, nil
}

// ID returns the worker id.
func (a *BaseAgent) ID() string { return a.cfg.ID }

// State returns the current execution state.
func (a *BaseAgent) State() State { return a.sm.Current() }

// Transitions returns the recent state trail.
func (a *BaseAgent) Transitions() []StateTransition { return a.sm.Transitions() }

// Deliver implements the router's Inbox. It never blocks: a full inbox or a FAILED worker
// rejects the message with a Delivery error and the router retries.
func (a *BaseAgent) Deliver(ctx context.Context, m *proto.Message) error {
	const op = "agent.deliver"
	if a.sm.Current() == StateFailed {
		return corerr.Newf(corerr.KindDelivery, op, "worker %s is FAILED", a.cfg.ID)
	}
	select {
	case a.inbox <- m:
		return nil
	case <-ctx.Done():
		return corerr.Wrap(corerr.KindCancelled, op, ctx.Err(), "deliver cancelled")
	default:
		return corerr.Newf(corerr.KindDelivery, op, "inbox of %s is full", a.cfg.ID)
	}
}

// OnMessage enqueues m for processing.
func (a *BaseAgent) OnMessage(ctx context.Context, m *proto.Message) error {
	return a.Deliver(ctx, m)
}

// Run consumes the inbox until ctx ends. A FAILED worker waits for Reset before taking
// the next message.
func (a *BaseAgent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("worker %s is already running", a.cfg.ID)
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	ctx = logx.WithWorkerID(ctx, a.cfg.ID)
	a.logger.Info("🚀 Worker %s running with %s policy", a.cfg.ID, a.policy.Name())

	for {
		if a.sm.Current() == StateFailed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.resetCh:
				continue
			}
		}
		select {
		case <-ctx.Done():
			a.logger.Info("Worker %s stopping", a.cfg.ID)
			return ctx.Err()
		case <-a.resetCh:
		case m := <-a.inbox:
			if err := a.Handle(ctx, m); err != nil {
				a.logger.Warn("Message %s: %s", m.ID, corerr.Describe(err))
			}
		}
	}
}

// Handle processes one message synchronously: dedupe, RECEIVED marker, then think and act
// with bounded retries. A duplicate leaves exactly one DEDUPE record.
func (a *BaseAgent) Handle(ctx context.Context, m *proto.Message) error {
	const op = "agent.handle"
	if m == nil {
		return corerr.New(corerr.KindValidation, op, "message is nil")
	}
	if a.sm.Current() == StateFailed {
		return corerr.Newf(corerr.KindDelivery, op, "worker %s is FAILED", a.cfg.ID)
	}

	dup, err := a.seen(ctx, m.ID)
	if err != nil {
		return err
	}
	if dup {
		a.logger.Debug("Duplicate delivery of %s ignored", m.ID)
		return a.record(ctx, &activity.Record{
			Category:       activity.CategoryDedupe,
			Description:    "duplicate delivery ignored",
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Outcome:        activity.OutcomeSkipped,
		})
	}

	if err := a.record(ctx, &activity.Record{
		Category:       activity.CategoryReceived,
		Description:    fmt.Sprintf("received %s from %s", m.Type, m.Sender),
		Input:          m.Text(),
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Outcome:        activity.OutcomeOK,
	}); err != nil {
		return err
	}
	a.processed.Set(m.ID, struct{}{}, 1)
	a.processed.Wait()

	cycleCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelCycle = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancelCycle = nil
		a.mu.Unlock()
		cancel()
	}()

	a.setStatus(ctx, persistence.WorkerBusy)
	return a.process(cycleCtx, m)
}

// seen consults the processed-id cache, then the activity log, which is authoritative.
func (a *BaseAgent) seen(ctx context.Context, messageID string) (bool, error) {
	if _, ok := a.processed.Get(messageID); ok {
		return true, nil
	}
	ok, err := a.deps.Activity.HasProcessed(ctx, a.cfg.ID, messageID)
	if err != nil {
		return false, err
	}
	if ok {
		a.processed.Set(messageID, struct{}{}, 1)
	}
	return ok, nil
}

func (a *BaseAgent) process(ctx context.Context, m *proto.Message) error {
	b := retry.NewBackoff(a.cfg.Retry)
	c := &cycle{trigger: m}

	for {
		err := a.runCycle(ctx, c)
		if err == nil {
			a.transition(StateIdle)
			a.setStatus(ctx, persistence.WorkerActive)
			return nil
		}
		if ctx.Err() != nil {
			return a.cancelled(ctx, c, err)
		}
		if !corerr.Retryable(err) {
			return a.abandon(ctx, c, err)
		}

		a.transition(StateRecovering)
		a.recordQuiet(ctx, &activity.Record{
			Category:       activity.CategoryError,
			Description:    fmt.Sprintf("%s attempt %d of %d failed", c.stage, b.Attempt(), b.MaxAttempts()),
			Output:         err.Error(),
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Outcome:        activity.OutcomeError,
		})

		delay, ok := b.Fail()
		if !ok {
			return a.fail(ctx, m, b.Failures(), err)
		}
		a.logger.Warn("⚠️  %s of %s failed (attempt %d/%d), retrying in %v: %v",
			c.stage, m.ID, b.Failures(), b.MaxAttempts(), delay, err)
		a.recordQuiet(ctx, &activity.Record{
			Category:       activity.CategoryRecovery,
			Description:    fmt.Sprintf("retrying %s as attempt %d after %v", c.stage, b.Attempt(), delay),
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Outcome:        activity.OutcomeOK,
		})

		c.stage = "backoff"
		if err := retry.Sleep(ctx, delay); err != nil {
			return a.cancelled(ctx, c, err)
		}
	}
}

// runCycle thinks unless a decision already exists, then acts on the remaining intents.
func (a *BaseAgent) runCycle(ctx context.Context, c *cycle) error {
	if c.decision == nil {
		c.stage = "think"
		a.transition(StateThinking)
		d, err := a.Think(ctx, c.trigger)
		if err != nil {
			return err
		}
		c.decision = d
	}
	c.stage = "act"
	a.transition(StateActing)
	return a.act(ctx, c)
}

// cancelled records the interruption and returns the worker to IDLE. A cancelled think
// already carries its own cancelled THINKING record.
func (a *BaseAgent) cancelled(ctx context.Context, c *cycle, cause error) error {
	if c.stage != "think" {
		a.recordQuiet(ctx, &activity.Record{
			Category:       activity.CategoryCancelled,
			Description:    fmt.Sprintf("%s cancelled", c.stage),
			Output:         cause.Error(),
			ConversationID: c.trigger.ConversationID,
			MessageID:      c.trigger.ID,
			Outcome:        activity.OutcomeCancelled,
		})
	}
	a.logger.Info("Processing of %s cancelled during %s", c.trigger.ID, c.stage)
	a.transition(StateIdle)
	a.setStatus(ctx, persistence.WorkerActive)
	return corerr.Wrap(corerr.KindCancelled, "agent.process", cause, c.trigger.ID)
}

// abandon handles a failure that retrying cannot fix. The worker logs it and moves on.
func (a *BaseAgent) abandon(ctx context.Context, c *cycle, cause error) error {
	a.transition(StateError)
	if corerr.IsKind(cause, corerr.KindBrokenThread) {
		a.logger.Error("🚨 Broken thread while processing %s: %v", c.trigger.ID, cause)
	} else {
		a.logger.Error("❌ %s of %s failed permanently: %s", c.stage, c.trigger.ID, corerr.Describe(cause))
	}
	a.recordQuiet(ctx, &activity.Record{
		Category:       activity.CategoryError,
		Description:    fmt.Sprintf("%s failed without retry", c.stage),
		Output:         cause.Error(),
		ConversationID: c.trigger.ConversationID,
		MessageID:      c.trigger.ID,
		Outcome:        activity.OutcomeError,
	})
	a.transition(StateIdle)
	a.setStatus(ctx, persistence.WorkerActive)
	return cause
}

// fail enters FAILED, marks the registry entry and raises exactly one ALERT.
func (a *BaseAgent) fail(ctx context.Context, m *proto.Message, attempts int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	a.transition(StateFailed)
	a.deps.Metrics.WorkerFailed(a.cfg.ID)
	a.setStatus(ctx, persistence.WorkerError)
	a.logger.Error("💥 Worker %s FAILED on %s after %d attempts: %v", a.cfg.ID, m.ID, attempts, cause)

	supervisor := a.cfg.SupervisorID
	if supervisor == "" {
		supervisor = a.cfg.ID
	}
	alert, err := proto.NewAlert(a.cfg.ID, supervisor, proto.SeverityError,
		fmt.Sprintf("worker %s failed processing %s after %d attempts", a.cfg.ID, m.ID, attempts),
		map[string]any{
			"worker_id":  a.cfg.ID,
			"message_id": m.ID,
			"attempts":   attempts,
			"error":      cause.Error(),
		},
		proto.WithMetadata(proto.KeyFailedMessage, m.ID),
		proto.WithMetadata(proto.KeyAlertSource, a.cfg.ID),
	)
	alertID := ""
	if err == nil {
		alertID, err = a.deps.Router.Send(ctx, alert)
	}
	outcome := activity.OutcomeOK
	if err != nil {
		outcome = activity.OutcomeError
		a.logger.Error("Failed to raise alert for %s: %v", m.ID, err)
	}
	a.recordQuiet(ctx, &activity.Record{
		Category:       activity.CategoryAlert,
		Description:    fmt.Sprintf("alerted %s: worker failed", supervisor),
		Input:          cause.Error(),
		Output:         alertID,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Outcome:        outcome,
	})
	return fmt.Errorf("worker %s failed: %w", a.cfg.ID, cause)
}

// Think gathers memory and history, asks the reasoner and parses a decision. It always
// leaves one THINKING record with outcome ok, error or cancelled and the elapsed time.
func (a *BaseAgent) Think(ctx context.Context, m *proto.Message) (*Decision, error) {
	start := a.now()
	in := &Input{Message: m, WorkerID: a.cfg.ID}

	d, prompt, output, err := a.reason(ctx, in)

	outcome := activity.OutcomeOK
	switch {
	case err == nil:
	case ctx.Err() != nil || corerr.IsKind(err, corerr.KindCancelled):
		outcome = activity.OutcomeCancelled
	default:
		outcome = activity.OutcomeError
	}
	elapsed := a.now().Sub(start)
	a.deps.Metrics.ObserveThink(a.cfg.ID, outcome, elapsed)

	if err != nil {
		output = err.Error()
	}
	rec := &activity.Record{
		Category:       activity.CategoryThinking,
		Description:    fmt.Sprintf("%s policy via %s with %d memories", a.policy.Name(), a.reasoner.Name(), len(in.Memories)),
		Input:          prompt,
		Output:         output,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Outcome:        outcome,
		Duration:       elapsed,
	}
	if rerr := a.record(context.WithoutCancel(ctx), rec); rerr != nil && err == nil {
		return nil, rerr
	}
	return d, err
}

func (a *BaseAgent) reason(ctx context.Context, in *Input) (*Decision, string, string, error) {
	m := in.Message
	if a.deps.Memory != nil {
		if text := strings.TrimSpace(m.Text()); text != "" {
			found, err := a.deps.Memory.Search(ctx, memory.Query{Text: text, K: a.cfg.SearchK})
			if err != nil {
				return nil, "", "", err
			}
			in.Memories = memory.ContextWindow(found, a.cfg.Budget)
		}
	}
	if m.ConversationID != "" {
		history, err := a.deps.Conversations.History(ctx, m.ConversationID, a.cfg.HistoryLimit)
		if err != nil {
			return nil, "", "", err
		}
		in.History = history
	}

	prompt, opts := a.policy.BuildPrompt(in)
	output, err := a.reasoner.Complete(ctx, prompt, opts)
	if err != nil {
		return nil, prompt, "", asReasoning(ctx, err)
	}
	d, err := a.policy.ParseDecision(in, output)
	if err != nil {
		return nil, prompt, output, asReasoning(ctx, err)
	}
	return d, prompt, output, nil
}

// asReasoning classifies an untyped reasoner failure so the retry policy sees it as transient.
func asReasoning(ctx context.Context, err error) error {
	var ce *corerr.Error
	if errors.As(err, &ce) {
		return err
	}
	if ctx.Err() != nil {
		return corerr.Wrap(corerr.KindCancelled, "agent.think", err, "think cancelled")
	}
	return corerr.Wrap(corerr.KindReasoning, "agent.think", err, "completion failed")
}

// Act carries out d for the message that triggered it.
func (a *BaseAgent) Act(ctx context.Context, trigger *proto.Message, d *Decision) error {
	return a.act(ctx, &cycle{trigger: trigger, decision: d, stage: "act"})
}

// act sends the intents not yet sent, stores pending notes and writes one DECISION record.
func (a *BaseAgent) act(ctx context.Context, c *cycle) error {
	d := c.decision
	for len(c.sentIDs) < len(d.Intents) {
		msg, err := a.buildIntent(c.trigger, d.Intents[len(c.sentIDs)])
		if err != nil {
			return err
		}
		id, err := a.deps.Router.Send(ctx, msg)
		if err != nil {
			return err
		}
		logx.Debug(ctx, "agent", "sent %s %s to %s", msg.Type, id, msg.Receiver)
		c.sentIDs = append(c.sentIDs, id)
	}

	if a.deps.Memory != nil {
		for c.memorized < len(d.Memorize) {
			note := d.Memorize[c.memorized]
			meta := make(map[string]string, len(note.Metadata)+2)
			for k, v := range note.Metadata {
				meta[k] = v
			}
			meta["source_message_id"] = c.trigger.ID
			meta["worker_id"] = a.cfg.ID
			var opts []memory.StoreOption
			if note.Importance > 0 {
				opts = append(opts, memory.WithImportance(note.Importance))
			}
			if _, err := a.deps.Memory.Store(ctx, note.Text, note.Tags, meta, opts...); err != nil {
				return err
			}
			c.memorized++
		}
	}

	summary, err := json.Marshal(map[string]any{
		"chosen":       d.Chosen,
		"alternatives": d.Alternatives,
		"sent":         c.sentIDs,
		"memorized":    c.memorized,
	})
	if err != nil {
		return fmt.Errorf("failed to encode decision summary: %w", err)
	}
	return a.record(context.WithoutCancel(ctx), &activity.Record{
		Category:       activity.CategoryDecision,
		Description:    fmt.Sprintf("chose %q over %d alternatives", d.Chosen, len(d.Alternatives)),
		Input:          d.Content,
		Output:         string(summary),
		ConversationID: c.trigger.ConversationID,
		MessageID:      c.trigger.ID,
		Outcome:        activity.OutcomeOK,
	})
}

// buildIntent turns an intent into a message from this worker. Replies to the sender reuse
// the trigger's thread; replies to others join it through the parent link.
func (a *BaseAgent) buildIntent(trigger *proto.Message, in Intent) (*proto.Message, error) {
	receiver := in.Receiver
	if receiver == "" {
		receiver = trigger.Sender
	}
	opts := make([]proto.Option, 0, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		opts = append(opts, proto.WithMetadata(k, v))
	}

	switch {
	case in.Reply && receiver == trigger.Sender && trigger.Receiver == a.cfg.ID:
		return proto.Reply(trigger, in.Type, in.Content, opts...)
	case in.Reply:
		opts = append(opts, proto.WithParent(trigger.ID))
	}
	return proto.Create(in.Type, a.cfg.ID, receiver, in.Content, opts...)
}

// Cancel interrupts the message in flight. It reports whether anything was running.
func (a *BaseAgent) Cancel() bool {
	a.mu.Lock()
	cancel := a.cancelCycle
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	a.logger.Info("Cancelling in-flight work of %s", a.cfg.ID)
	cancel()
	return true
}

// Reset returns a FAILED worker to IDLE and its registry status to active.
func (a *BaseAgent) Reset(ctx context.Context) error {
	if cur := a.sm.Current(); cur != StateFailed {
		return corerr.Newf(corerr.KindValidation, "agent.reset", "worker %s is %s, not FAILED", a.cfg.ID, cur)
	}
	a.transition(StateIdle)
	a.setStatus(ctx, persistence.WorkerActive)
	a.recordQuiet(ctx, &activity.Record{
		Category:    activity.CategoryRecovery,
		Description: "reset from FAILED",
		Outcome:     activity.OutcomeOK,
	})
	a.logger.Info("🔁 Worker %s reset", a.cfg.ID)
	select {
	case a.resetCh <- struct{}{}:
	default:
	}
	return nil
}

// Close releases the processed-id cache.
func (a *BaseAgent) Close() {
	a.processed.Close()
}

func (a *BaseAgent) transition(to State) {
	if err := a.sm.TransitionTo(to); err != nil {
		a.logger.Error("%v", err)
	}
}

func (a *BaseAgent) setStatus(ctx context.Context, status string) {
	if a.deps.Registry == nil {
		return
	}
	if err := a.deps.Registry.SetStatus(context.WithoutCancel(ctx), a.cfg.ID, status); err != nil {
		a.logger.Warn("Failed to set status %s: %v", status, err)
	}
}

func (a *BaseAgent) record(ctx context.Context, rec *activity.Record) error {
	rec.WorkerID = a.cfg.ID
	return a.deps.Activity.Append(ctx, rec)
}

// recordQuiet writes a record that must survive cancellation and only logs a failure.
func (a *BaseAgent) recordQuiet(ctx context.Context, rec *activity.Record) {
	if err := a.record(context.WithoutCancel(ctx), rec); err != nil {
		a.logger.Error("Failed to record %s activity: %v", rec.Category, err)
	}
}
