// Package dispatch routes messages between workers: it persists every message with its
// audit record in one transaction, then delivers it to the receiver's inbox with
// bounded retries. Delivery is at-least-once; receivers dedupe by message id.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/activity"
	"agentcore/pkg/config"
	"agentcore/pkg/conversation"
	"agentcore/pkg/corerr"
	"agentcore/pkg/eventlog"
	"agentcore/pkg/logx"
	"agentcore/pkg/metrics"
	"agentcore/pkg/persistence"
	"agentcore/pkg/proto"
	"agentcore/pkg/retry"
)

// RouterID is the worker id under which the router records delivery activity and raises alerts.
const RouterID = "router"

// Inbox accepts delivered messages. Implementations return an error to request a retry.
type Inbox interface {
	Deliver(ctx context.Context, m *proto.Message) error
}

// InboxFunc adapts a function to Inbox.
type InboxFunc func(ctx context.Context, m *proto.Message) error

// Deliver calls f.
func (f InboxFunc) Deliver(ctx context.Context, m *proto.Message) error { return f(ctx, m) }

// Directory reports whether a receiver is a registered, non-removed worker.
type Directory interface {
	Exists(ctx context.Context, workerID string) (bool, error)
}

// Options tunes a Router. Zero values fall back to defaults.
type Options struct {
	Events         *eventlog.Writer
	Metrics        *metrics.Recorder
	SupervisorID   string
	Sinks          []AlertSink
	Delivery       retry.Config
	Workers        int
	QueueSize      int
	PersistTimeout time.Duration
}

// OptionsFromConfig maps the configuration onto router options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SupervisorID:   cfg.Worker.SupervisorID,
		Delivery:       cfg.Router.Delivery.Policy(),
		Workers:        cfg.Router.DeliveryWorkers,
		QueueSize:      cfg.Router.QueueSize,
		PersistTimeout: cfg.Storage.PersistTimeout.Std(),
	}
}

// Outcome is the per-recipient result of a broadcast.
type Outcome struct {
	Err       error  `json:"-"`
	Recipient string `json:"recipient"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type job struct {
	messageID string
	force     bool
}

// Router is the single entry and exit point for message traffic.
type Router struct {
	db            *persistence.DB
	conversations *conversation.Manager
	activity      *activity.Log
	directory     Directory
	logger        *logx.Logger
	now           func() time.Time
	inboxes       map[string]Inbox
	queue         chan job
	cancel        context.CancelFunc
	runCtx        context.Context //nolint:containedctx // lifetime of the delivery workers
	opts          Options
	wg            sync.WaitGroup
	inboxMu       sync.RWMutex
	mu            sync.Mutex
	running       bool
}

// NewRouter creates a stopped router. directory may be nil, in which case only workers
// with a registered inbox are valid receivers.
func NewRouter(db *persistence.DB, conversations *conversation.Manager, log *activity.Log, directory Directory, opts Options) *Router {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Delivery.MaxAttempts <= 0 {
		opts.Delivery = retry.DefaultConfig
	}
	return &Router{
		db:            db,
		conversations: conversations,
		activity:      log,
		directory:     directory,
		logger:        logx.NewLogger("router"),
		now:           func() time.Time { return time.Now().UTC() },
		inboxes:       make(map[string]Inbox),
		queue:         make(chan job, opts.QueueSize),
		opts:          opts,
	}
}

// RegisterInbox attaches a receiver. A later registration replaces the earlier one.
func (r *Router) RegisterInbox(workerID string, inbox Inbox) error {
	if workerID == "" {
		return fmt.Errorf("worker id cannot be empty")
	}
	if inbox == nil {
		return fmt.Errorf("inbox for %s cannot be nil", workerID)
	}
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	r.inboxes[workerID] = inbox
	r.logger.Info("Attached inbox for worker %s", workerID)
	return nil
}

// UnregisterInbox detaches a receiver. Pending deliveries to it retry and eventually fail.
func (r *Router) UnregisterInbox(workerID string) {
	r.inboxMu.Lock()
	defer r.inboxMu.Unlock()
	delete(r.inboxes, workerID)
	r.logger.Info("Detached inbox for worker %s", workerID)
}

func (r *Router) inbox(workerID string) Inbox {
	r.inboxMu.RLock()
	defer r.inboxMu.RUnlock()
	return r.inboxes[workerID]
}

// Start launches the delivery workers and re-enqueues pending messages.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("router is already running")
	}
	r.runCtx, r.cancel = context.WithCancel(ctx)
	r.running = true
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.deliveryWorker(r.runCtx)
	}
	r.mu.Unlock()

	r.logger.Info("Starting router with %d delivery workers", r.opts.Workers)

	n, err := r.RecoverPending(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("Re-enqueued %d pending messages", n)
	}
	return nil
}

// Stop cancels in-flight deliveries and waits for the workers. Interrupted messages stay pending.
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.logger.Info("Stopping router")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Router stopped successfully")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Router stop timed out")
		return ctx.Err()
	}
}

// Close stops the router and closes the alert sinks.
func (r *Router) Close(ctx context.Context) error {
	err := r.Stop(ctx)
	for _, sink := range r.opts.Sinks {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Send validates, persists and enqueues m, returning its id. The message, its conversation
// placement, its delivery row and the sender's COMMUNICATION record commit together.
func (r *Router) Send(ctx context.Context, m *proto.Message) (string, error) {
	start := r.now()

	msg, rec, err := r.persist(ctx, m)
	if err != nil {
		r.opts.Metrics.SendFailed(r.now().Sub(start))
		return "", err
	}

	r.activity.Mirror(rec)
	if err := r.opts.Events.WriteMessage(msg); err != nil {
		r.logger.Warn("Failed to mirror message %s to event log: %v", msg.ID, err)
	}
	r.opts.Metrics.MessageSent(string(msg.Type), r.now().Sub(start))
	logx.Debug(ctx, "router", "%s persisted in %s", msg, msg.ConversationID)

	if msg.Type == proto.MsgTypeALERT {
		r.publishAlert(ctx, msg)
	}
	r.schedule(job{messageID: msg.ID})
	return msg.ID, nil
}

func (r *Router) persist(ctx context.Context, m *proto.Message) (*proto.Message, *activity.Record, error) {
	const op = "router.Send"
	if m == nil {
		return nil, nil, corerr.New(corerr.KindValidation, op, "message is nil")
	}
	if err := proto.Validate(m); err != nil {
		return nil, nil, err
	}
	if err := r.checkReceiver(ctx, m.Receiver); err != nil {
		return nil, nil, err
	}

	txCtx := ctx
	if r.opts.PersistTimeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(ctx, r.opts.PersistTimeout)
		defer cancel()
	}

	msg := m.Clone()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	var rec *activity.Record
	err := r.db.WithTx(txCtx, func(ops *persistence.Ops) error {
		convID, err := r.conversations.ResolveConversation(txCtx, ops, msg)
		if err != nil {
			return err
		}
		msg.ConversationID = convID
		if _, err := r.conversations.Append(txCtx, ops, convID, msg); err != nil {
			return err
		}
		if err := ops.InsertDelivery(txCtx, msg.ID, msg.Receiver, r.now()); err != nil {
			return err
		}
		rec = &activity.Record{
			WorkerID:       msg.Sender,
			Category:       activity.CategoryCommunication,
			Description:    fmt.Sprintf("sent %s to %s", msg.Type, msg.Receiver),
			Input:          msg.Text(),
			ConversationID: convID,
			MessageID:      msg.ID,
			Outcome:        activity.OutcomeOK,
		}
		return r.activity.AppendTx(txCtx, ops, rec)
	})
	if err != nil {
		var ce *corerr.Error
		if errors.As(err, &ce) {
			return nil, nil, err
		}
		if errors.Is(err, context.Canceled) {
			return nil, nil, corerr.Wrap(corerr.KindCancelled, op, err, "send cancelled")
		}
		return nil, nil, corerr.Wrap(corerr.KindPersistence, op, err, "failed to persist message "+msg.ID)
	}
	return msg, rec, nil
}

func (r *Router) checkReceiver(ctx context.Context, receiver string) error {
	const op = "router.Send"
	if r.directory == nil {
		if r.inbox(receiver) == nil {
			return corerr.Newf(corerr.KindNotFound, op, "receiver %s is not registered", receiver)
		}
		return nil
	}
	ok, err := r.directory.Exists(ctx, receiver)
	if err != nil {
		return err
	}
	if !ok {
		return corerr.Newf(corerr.KindNotFound, op, "receiver %s is not registered", receiver)
	}
	return nil
}

// Broadcast sends an independent copy of template to each recipient. The copies share a
// correlation id; each recipient gets its own outcome.
func (r *Router) Broadcast(ctx context.Context, template *proto.Message, recipients []string) []Outcome {
	correlation := uuid.New().String()
	outcomes := make([]Outcome, 0, len(recipients))

	for _, recipient := range recipients {
		out := Outcome{Recipient: recipient}
		if template == nil {
			out.Err = corerr.New(corerr.KindValidation, "router.Broadcast", "message template is required")
			out.Error = corerr.Describe(out.Err)
			outcomes = append(outcomes, out)
			continue
		}
		m := template.Clone()
		m.ID = uuid.New().String()
		m.Receiver = recipient
		m.Timestamp = r.now()
		if m.Metadata == nil {
			m.Metadata = make(map[string]string)
		}
		m.Metadata[proto.KeyCorrelationID] = correlation

		id, err := r.Send(ctx, m)
		if err != nil {
			out.Err = err
			out.Error = corerr.Describe(err)
			r.logger.Warn("Broadcast %s to %s failed: %v", correlation, recipient, err)
		} else {
			out.MessageID = id
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// Redeliver re-enqueues a persisted message regardless of its delivery status.
func (r *Router) Redeliver(ctx context.Context, messageID string) error {
	const op = "router.Redeliver"
	if _, err := r.db.Reads().GetMessage(ctx, messageID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return corerr.Wrap(corerr.KindNotFound, op, err, "message "+messageID)
		}
		return corerr.Wrap(corerr.KindPersistence, op, err, "message "+messageID)
	}
	return r.enqueue(ctx, job{messageID: messageID, force: true})
}

// RecoverPending re-enqueues every message whose delivery is still pending.
func (r *Router) RecoverPending(ctx context.Context) (int, error) {
	pending, err := r.db.Reads().MessagesByDeliveryStatus(ctx, persistence.DeliveryPending)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindPersistence, "router.RecoverPending", err, "failed to list pending messages")
	}
	for i, m := range pending {
		if err := r.enqueue(ctx, job{messageID: m.ID}); err != nil {
			return i, err
		}
	}
	return len(pending), nil
}

// DeliveryStatus returns the delivery row of a message.
func (r *Router) DeliveryStatus(ctx context.Context, messageID string) (*persistence.Delivery, error) {
	d, err := r.db.Reads().GetDelivery(ctx, messageID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, corerr.Wrap(corerr.KindNotFound, "router.DeliveryStatus", err, "message "+messageID)
		}
		return nil, corerr.Wrap(corerr.KindPersistence, "router.DeliveryStatus", err, "message "+messageID)
	}
	return d, nil
}

// Stats reports queue depth and attached inboxes.
func (r *Router) Stats() map[string]any {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	r.inboxMu.RLock()
	inboxes := make([]string, 0, len(r.inboxes))
	for id := range r.inboxes {
		inboxes = append(inboxes, id)
	}
	r.inboxMu.RUnlock()
	sort.Strings(inboxes)

	return map[string]any{
		"running":        running,
		"inboxes":        inboxes,
		"queue_length":   len(r.queue),
		"queue_capacity": cap(r.queue),
	}
}

// enqueue blocks until the job is queued, the router stops, or ctx ends.
func (r *Router) enqueue(ctx context.Context, j job) error {
	r.mu.Lock()
	running, runCtx := r.running, r.runCtx
	r.mu.Unlock()
	if !running {
		return corerr.New(corerr.KindDelivery, "router.enqueue", "router is not running")
	}

	select {
	case r.queue <- j:
		return nil
	case <-runCtx.Done():
		return corerr.New(corerr.KindDelivery, "router.enqueue", "router stopped")
	case <-ctx.Done():
		return corerr.Wrap(corerr.KindCancelled, "router.enqueue", ctx.Err(), "enqueue cancelled")
	}
}

// schedule queues a freshly persisted message without blocking the sender. When the queue
// is full a goroutine retries with backoff; a stopped router leaves the message pending.
func (r *Router) schedule(j job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		r.logger.Debug("Router not running; message %s stays pending", j.messageID)
		return
	}
	select {
	case r.queue <- j:
		return
	default:
	}
	r.wg.Add(1)
	go r.enqueueWithBackoff(r.runCtx, j)
}

func (r *Router) enqueueWithBackoff(ctx context.Context, j job) {
	defer r.wg.Done()
	b := retry.NewBackoff(r.opts.Delivery)
	for {
		delay, ok := b.Fail()
		if !ok {
			r.logger.Warn("Delivery queue stayed full; giving up on %s", j.messageID)
			msg, err := r.db.Ops().GetMessage(ctx, j.messageID)
			if err != nil {
				r.logger.Error("Failed to load message %s: %v", j.messageID, err)
				return
			}
			r.markUndelivered(ctx, msg, b.Failures(), 0, corerr.New(corerr.KindDelivery, "router.enqueue", "delivery queue full"))
			return
		}
		timer := time.NewTimer(delay)
		select {
		case r.queue <- j:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Router) deliveryWorker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.deliver(ctx, j)
		}
	}
}

func (r *Router) deliver(ctx context.Context, j job) {
	msg, err := r.db.Ops().GetMessage(ctx, j.messageID)
	if err != nil {
		r.logger.Error("Failed to load message %s for delivery: %v", j.messageID, err)
		return
	}
	d, err := r.db.Ops().GetDelivery(ctx, j.messageID)
	if err != nil {
		r.logger.Error("Failed to load delivery of %s: %v", j.messageID, err)
		return
	}
	if d.Status != persistence.DeliveryPending && !j.force {
		logx.Debug(ctx, "router", "skip %s: already %s", msg.ID, d.Status)
		return
	}

	b := retry.NewBackoff(r.opts.Delivery)
	for {
		err := r.attempt(ctx, msg)
		if err == nil {
			r.markDelivered(ctx, msg, d.Attempts+b.Attempt(), d.Status == persistence.DeliveryDelivered)
			return
		}
		if ctx.Err() != nil {
			r.logger.Warn("Delivery of %s interrupted; left pending", msg.ID)
			return
		}
		logx.Debug(ctx, "router", "delivery attempt %d of %s failed: %v", b.Attempt(), msg.ID, err)

		delay, ok := b.Fail()
		if !ok {
			r.markUndelivered(ctx, msg, b.Failures(), d.Attempts, err)
			return
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			r.logger.Warn("Delivery of %s interrupted; left pending", msg.ID)
			return
		}
	}
}

func (r *Router) attempt(ctx context.Context, msg *proto.Message) error {
	inbox := r.inbox(msg.Receiver)
	if inbox == nil {
		return corerr.Newf(corerr.KindDelivery, "router.deliver", "no inbox attached for %s", msg.Receiver)
	}
	return inbox.Deliver(ctx, msg.Clone())
}

// markDelivered records the first successful delivery of a message. A forced redelivery
// of a delivered message only updates the attempt count.
func (r *Router) markDelivered(ctx context.Context, msg *proto.Message, attempts int, redelivery bool) {
	now := r.now()
	if err := r.db.Ops().UpdateDelivery(ctx, msg.ID, persistence.DeliveryDelivered, attempts, "", now); err != nil {
		r.logger.Error("Failed to mark %s delivered: %v", msg.ID, err)
	}
	r.opts.Metrics.MessageDelivered(msg.Receiver)
	if redelivery {
		logx.Debug(ctx, "router", "redelivered %s to %s", msg.ID, msg.Receiver)
		return
	}
	if err := r.activity.Append(ctx, &activity.Record{
		WorkerID:       RouterID,
		Category:       activity.CategoryDelivery,
		Description:    fmt.Sprintf("delivered %s to %s", msg.Type, msg.Receiver),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Outcome:        activity.OutcomeOK,
	}); err != nil {
		r.logger.Error("Failed to record delivery of %s: %v", msg.ID, err)
	}
}

func (r *Router) markUndelivered(ctx context.Context, msg *proto.Message, attempts, previous int, cause error) {
	ctx = context.WithoutCancel(ctx)
	r.logger.Error("Message %s to %s undelivered after %d attempts: %v", msg.ID, msg.Receiver, attempts, cause)

	if err := r.db.Ops().UpdateDelivery(ctx, msg.ID, persistence.DeliveryUndelivered, previous+attempts, cause.Error(), r.now()); err != nil {
		r.logger.Error("Failed to mark %s undelivered: %v", msg.ID, err)
	}
	if err := r.activity.Append(ctx, &activity.Record{
		WorkerID:       RouterID,
		Category:       activity.CategoryError,
		Description:    fmt.Sprintf("undelivered %s to %s after %d attempts", msg.Type, msg.Receiver, attempts),
		Output:         cause.Error(),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Outcome:        activity.OutcomeError,
	}); err != nil {
		r.logger.Error("Failed to record undelivered %s: %v", msg.ID, err)
	}
	r.opts.Metrics.MessageUndelivered(msg.Receiver)
	r.raiseUndeliveredAlert(ctx, msg, attempts, cause)
}

// raiseUndeliveredAlert tells the supervisor about a lost message. An alert that was itself
// addressed to the supervisor is not alerted on again; the sinks already have it.
func (r *Router) raiseUndeliveredAlert(ctx context.Context, msg *proto.Message, attempts int, cause error) {
	supervisor := r.opts.SupervisorID
	if msg.Type == proto.MsgTypeALERT && (supervisor == "" || msg.Receiver == supervisor) {
		r.logger.Error("Supervisor alert %s could not be delivered", msg.ID)
		return
	}

	receiver := supervisor
	if receiver == "" {
		receiver = RouterID
	}
	alert, err := proto.NewAlert(RouterID, receiver, proto.SeverityError,
		fmt.Sprintf("message %s to %s undelivered after %d attempts", msg.ID, msg.Receiver, attempts),
		map[string]any{
			"message_id": msg.ID,
			"receiver":   msg.Receiver,
			"attempts":   attempts,
			"error":      cause.Error(),
		},
		proto.WithMetadata(proto.KeyUndeliveredMessage, msg.ID),
		proto.WithMetadata(proto.KeyAlertSource, RouterID),
	)
	if err != nil {
		r.logger.Error("Failed to build alert for %s: %v", msg.ID, err)
		return
	}

	if supervisor != "" {
		_, err := r.Send(ctx, alert)
		if err == nil {
			return
		}
		r.logger.Error("Failed to send alert to supervisor %s: %v", supervisor, err)
	}
	r.publishAlert(ctx, alert)
}

func (r *Router) publishAlert(ctx context.Context, alert *proto.Message) {
	severity, _ := alert.Content[proto.KeySeverity].(string)
	r.opts.Metrics.AlertRaised(severity)
	for _, sink := range r.opts.Sinks {
		if err := sink.Publish(ctx, alert); err != nil {
			r.logger.Warn("Alert sink failed for %s: %v", alert.ID, err)
		}
	}
}
