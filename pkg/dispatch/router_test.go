package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/activity"
	"agentcore/pkg/conversation"
	"agentcore/pkg/corerr"
	"agentcore/pkg/persistence"
	"agentcore/pkg/proto"
	"agentcore/pkg/registry"
	"agentcore/pkg/retry"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type testEnv struct {
	db            *persistence.DB
	router        *Router
	registry      *registry.Registry
	conversations *conversation.Manager
	log           *activity.Log
	sink          *MemoryAlertSink
}

func newTestEnv(t *testing.T, supervisor string, workers ...string) *testEnv {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New(db)
	ctx := context.Background()
	for _, id := range workers {
		_, err := reg.Register(ctx, registry.Spec{ID: id, Type: "test"})
		require.NoError(t, err)
	}

	env := &testEnv{
		db:            db,
		registry:      reg,
		conversations: conversation.NewManager(db),
		log:           activity.New(db, nil),
		sink:          NewMemoryAlertSink(),
	}
	env.router = NewRouter(db, env.conversations, env.log, reg, Options{
		SupervisorID: supervisor,
		Sinks:        []AlertSink{env.sink},
		Delivery: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2,
		},
		Workers: 2,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = env.router.Close(ctx)
	})
	return env
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.router.Start(context.Background()))
}

// chanInbox buffers delivered messages for inspection.
type chanInbox chan *proto.Message

func (c chanInbox) Deliver(_ context.Context, m *proto.Message) error {
	select {
	case c <- m:
		return nil
	default:
		return errors.New("inbox full")
	}
}

func (e *testEnv) attach(t *testing.T, workerID string) chanInbox {
	t.Helper()
	inbox := make(chanInbox, 64)
	require.NoError(t, e.router.RegisterInbox(workerID, inbox))
	return inbox
}

func receive(t *testing.T, inbox chanInbox) *proto.Message {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func (e *testEnv) waitStatus(t *testing.T, messageID, status string) *persistence.Delivery {
	t.Helper()
	var last *persistence.Delivery
	require.Eventually(t, func() bool {
		d, err := e.router.DeliveryStatus(context.Background(), messageID)
		if err != nil {
			return false
		}
		last = d
		return d.Status == status
	}, waitFor, tick, "message %s never reached %s", messageID, status)
	return last
}

func TestSendPersistsThenDelivers(t *testing.T) {
	env := newTestEnv(t, "", "planner", "coder")
	env.start(t)
	inbox := env.attach(t, "coder")
	ctx := context.Background()

	req, err := proto.NewRequest("planner", "coder", "summarize", map[string]any{"doc": "readme"})
	require.NoError(t, err)
	id, err := env.router.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, id)

	got := receive(t, inbox)
	assert.Equal(t, id, got.ID)
	assert.NotEmpty(t, got.ConversationID, "delivered copy carries its conversation")
	assert.Empty(t, req.ConversationID, "caller's message is not mutated")

	d := env.waitStatus(t, id, persistence.DeliveryDelivered)
	assert.Equal(t, 1, d.Attempts)

	stored, err := env.db.Ops().GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, got.ConversationID, stored.ConversationID)

	sent, err := env.log.ByMessage(ctx, "planner", id)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, activity.CategoryCommunication, sent[0].Category)
	assert.Equal(t, got.ConversationID, sent[0].ConversationID)

	require.Eventually(t, func() bool {
		recs, err := env.log.ByMessage(ctx, RouterID, id)
		return err == nil && len(recs) == 1 && recs[0].Category == activity.CategoryDelivery
	}, waitFor, tick)
}

func TestSendRejectsWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t, "", "planner", "coder", "outsider")
	env.start(t)
	ctx := context.Background()

	conv, err := env.conversations.Create(ctx, []string{"planner", "coder"}, "review")
	require.NoError(t, err)
	closed, err := env.conversations.Create(ctx, []string{"planner", "coder"}, "done")
	require.NoError(t, err)
	require.NoError(t, env.conversations.Close(ctx, closed.ID))
	require.NoError(t, env.registry.Remove(ctx, "outsider"))

	build := func(receiver string, opts ...proto.Option) *proto.Message {
		m, err := proto.NewInform("planner", receiver, "ok", opts...)
		require.NoError(t, err)
		return m
	}
	selfRequest := build("coder")
	selfRequest.Type = proto.MsgTypeREQUEST
	selfRequest.Receiver = "planner"
	selfRequest.Content = proto.Content{proto.KeyAction: "loop"}

	tests := []struct {
		name string
		msg  *proto.Message
		kind corerr.Kind
	}{
		{"nil message", nil, corerr.KindValidation},
		{"self addressed request", selfRequest, corerr.KindValidation},
		{"unknown receiver", build("ghost"), corerr.KindNotFound},
		{"removed receiver", build("outsider"), corerr.KindNotFound},
		{"unknown conversation", build("coder", proto.WithConversation("nope")), corerr.KindNotFound},
		{"closed conversation", build("coder", proto.WithConversation(closed.ID)), corerr.KindNotFound},
		{"missing parent", build("coder", proto.WithParent("nope")), corerr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.router.Send(ctx, tt.msg)
			require.Error(t, err)
			assert.True(t, corerr.IsKind(err, tt.kind), "got %v", err)
		})
	}

	// A participant outside the conversation is not authorized.
	_, err = env.registry.Register(ctx, registry.Spec{ID: "reviewer", Type: "test"})
	require.NoError(t, err)
	_, err = env.router.Send(ctx, build("reviewer", proto.WithConversation(conv.ID)))
	assert.True(t, corerr.IsKind(err, corerr.KindAuthorization), "got %v", err)

	recs, err := env.log.ByWorker(ctx, "planner", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs, "rejected sends leave no activity")

	history, err := env.conversations.History(ctx, closed.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	pending, err := env.db.Ops().MessagesByDeliveryStatus(ctx, persistence.DeliveryPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConversationOrderFollowsSendOrder(t *testing.T) {
	env := newTestEnv(t, "", "a", "b", "c", "d")
	env.start(t)
	for _, id := range []string{"b", "d"} {
		env.attach(t, id)
	}
	ctx := context.Background()

	first, err := proto.NewInform("a", "b", 0)
	require.NoError(t, err)
	_, err = env.router.Send(ctx, first)
	require.NoError(t, err)
	stored, err := env.db.Ops().GetMessage(ctx, first.ID)
	require.NoError(t, err)
	convID := stored.ConversationID

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			m, err := proto.NewInform("c", "d", i)
			if err != nil {
				return
			}
			_, _ = env.router.Send(ctx, m)
		}
	}()

	ids := []string{first.ID}
	for i := 1; i < 10; i++ {
		m, err := proto.NewInform("a", "b", i, proto.WithConversation(convID))
		require.NoError(t, err)
		_, err = env.router.Send(ctx, m)
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	wg.Wait()

	history, err := env.conversations.History(ctx, convID, 0)
	require.NoError(t, err)
	got := make([]string, 0, len(history))
	for _, m := range history {
		got = append(got, m.ID)
	}
	assert.Equal(t, ids, got)
}

func TestBroadcastOutcomes(t *testing.T) {
	env := newTestEnv(t, "", "lead", "w1", "w2")
	env.start(t)
	in1 := env.attach(t, "w1")
	in2 := env.attach(t, "w2")
	ctx := context.Background()

	tmpl, err := proto.NewRequest("lead", "w1", "standup", nil)
	require.NoError(t, err)
	outcomes := env.router.Broadcast(ctx, tmpl, []string{"w1", "ghost", "w2", "lead"})
	require.Len(t, outcomes, 4)

	assert.NoError(t, outcomes[0].Err)
	assert.NoError(t, outcomes[2].Err)
	assert.True(t, corerr.IsKind(outcomes[1].Err, corerr.KindNotFound))
	assert.NotEmpty(t, outcomes[1].Error)
	assert.True(t, corerr.IsKind(outcomes[3].Err, corerr.KindValidation), "self-addressed request")
	assert.NotEqual(t, outcomes[0].MessageID, outcomes[2].MessageID)

	m1, m2 := receive(t, in1), receive(t, in2)
	c1, ok := m1.GetMetadata(proto.KeyCorrelationID)
	require.True(t, ok)
	c2, _ := m2.GetMetadata(proto.KeyCorrelationID)
	assert.Equal(t, c1, c2)
	assert.NotEqual(t, m1.ConversationID, m2.ConversationID, "each copy opens its own conversation")
}

func TestUndeliveredRaisesSupervisorAlert(t *testing.T) {
	env := newTestEnv(t, "supervisor", "supervisor", "planner", "coder")
	env.start(t)
	alerts := env.attach(t, "supervisor")
	failing := 0
	var mu sync.Mutex
	require.NoError(t, env.router.RegisterInbox("coder", InboxFunc(func(context.Context, *proto.Message) error {
		mu.Lock()
		defer mu.Unlock()
		failing++
		return errors.New("busy")
	})))
	ctx := context.Background()

	m, err := proto.NewInform("planner", "coder", "done")
	require.NoError(t, err)
	id, err := env.router.Send(ctx, m)
	require.NoError(t, err)

	d := env.waitStatus(t, id, persistence.DeliveryUndelivered)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, "busy", d.LastError)

	alert := receive(t, alerts)
	assert.Equal(t, proto.MsgTypeALERT, alert.Type)
	assert.Equal(t, RouterID, alert.Sender)
	undelivered, ok := alert.GetMetadata(proto.KeyUndeliveredMessage)
	require.True(t, ok)
	assert.Equal(t, id, undelivered)
	assert.Equal(t, string(proto.SeverityError), alert.Content[proto.KeySeverity])

	recs, err := env.log.ByMessage(ctx, RouterID, id)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, activity.CategoryError, recs[0].Category)

	require.Len(t, env.sink.Alerts(), 1, "the supervisor alert is published to the sinks")
	mu.Lock()
	assert.Equal(t, 3, failing)
	mu.Unlock()
}

func TestUndeliverableSupervisorAlertDoesNotRecurse(t *testing.T) {
	env := newTestEnv(t, "supervisor", "supervisor", "planner", "coder")
	env.start(t)
	ctx := context.Background()

	m, err := proto.NewInform("planner", "coder", "done")
	require.NoError(t, err)
	id, err := env.router.Send(ctx, m)
	require.NoError(t, err)
	env.waitStatus(t, id, persistence.DeliveryUndelivered)

	require.Eventually(t, func() bool {
		lost, err := env.db.Ops().MessagesByDeliveryStatus(ctx, persistence.DeliveryUndelivered)
		return err == nil && len(lost) == 2
	}, waitFor, tick)

	// Give a runaway alert loop time to show itself.
	time.Sleep(50 * time.Millisecond)
	lost, err := env.db.Ops().MessagesByDeliveryStatus(ctx, persistence.DeliveryUndelivered)
	require.NoError(t, err)
	assert.Len(t, lost, 2)
	assert.Len(t, env.sink.Alerts(), 1)
}

func TestNoSupervisorPublishesToSinks(t *testing.T) {
	env := newTestEnv(t, "", "planner", "coder")
	env.start(t)
	ctx := context.Background()

	m, err := proto.NewInform("planner", "coder", "done")
	require.NoError(t, err)
	id, err := env.router.Send(ctx, m)
	require.NoError(t, err)
	env.waitStatus(t, id, persistence.DeliveryUndelivered)

	require.Eventually(t, func() bool { return len(env.sink.Alerts()) == 1 }, waitFor, tick)
	undelivered, _ := env.sink.Alerts()[0].GetMetadata(proto.KeyUndeliveredMessage)
	assert.Equal(t, id, undelivered)
}

func TestRedeliverIsAtLeastOnce(t *testing.T) {
	env := newTestEnv(t, "", "planner", "coder")
	env.start(t)
	inbox := env.attach(t, "coder")
	ctx := context.Background()

	m, err := proto.NewInform("planner", "coder", "done")
	require.NoError(t, err)
	id, err := env.router.Send(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, id, receive(t, inbox).ID)
	env.waitStatus(t, id, persistence.DeliveryDelivered)
	deliveries := persistence.ActivityFilter{MessageID: id, Category: activity.CategoryDelivery}
	require.Eventually(t, func() bool {
		recs, err := env.log.Query(ctx, deliveries)
		return err == nil && len(recs) == 1
	}, waitFor, tick)

	require.NoError(t, env.router.Redeliver(ctx, id))
	assert.Equal(t, id, receive(t, inbox).ID)
	require.Eventually(t, func() bool {
		d, err := env.router.DeliveryStatus(ctx, id)
		return err == nil && d.Attempts == 2
	}, waitFor, tick)

	err = env.router.Redeliver(ctx, "missing")
	assert.True(t, corerr.IsKind(err, corerr.KindNotFound))

	stopCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, env.router.Stop(stopCtx))
	recs, err := env.log.Query(ctx, deliveries)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "redelivery does not record a second delivery")
}

func TestBroadcastWithoutTemplate(t *testing.T) {
	env := newTestEnv(t, "", "w1", "w2")
	env.start(t)

	outcomes := env.router.Broadcast(context.Background(), nil, []string{"w1", "w2"})
	require.Len(t, outcomes, 2)
	for i, recipient := range []string{"w1", "w2"} {
		assert.Equal(t, recipient, outcomes[i].Recipient)
		assert.True(t, corerr.IsKind(outcomes[i].Err, corerr.KindValidation))
		assert.NotEmpty(t, outcomes[i].Error)
		assert.Empty(t, outcomes[i].MessageID)
	}
}

func TestPendingMessagesRecoveredOnStart(t *testing.T) {
	env := newTestEnv(t, "", "planner", "coder")
	inbox := env.attach(t, "coder")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := proto.NewInform("planner", "coder", i)
		require.NoError(t, err)
		id, err := env.router.Send(ctx, m)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	d, err := env.router.DeliveryStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, persistence.DeliveryPending, d.Status)
	assert.Empty(t, inbox)

	env.start(t)
	got := map[string]bool{}
	for range ids {
		got[receive(t, inbox).ID] = true
	}
	for _, id := range ids {
		assert.True(t, got[id], id)
	}

	err = env.router.Start(ctx)
	assert.Error(t, err, "double start")
}

func TestRouterWithoutDirectoryUsesInboxes(t *testing.T) {
	db, err := persistence.Open(filepath.Join(t.TempDir(), "router.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	r := NewRouter(db, conversation.NewManager(db), activity.New(db, nil), nil, Options{})
	inbox := make(chanInbox, 1)
	require.NoError(t, r.RegisterInbox("coder", inbox))
	assert.Error(t, r.RegisterInbox("", inbox))

	ctx := context.Background()
	m, err := proto.NewInform("planner", "coder", "ok")
	require.NoError(t, err)
	_, err = r.Send(ctx, m)
	require.NoError(t, err)

	r.UnregisterInbox("coder")
	m, err = proto.NewInform("planner", "coder", "again")
	require.NoError(t, err)
	_, err = r.Send(ctx, m)
	assert.True(t, corerr.IsKind(err, corerr.KindNotFound))

	stats := r.Stats()
	assert.Equal(t, false, stats["running"])
	assert.Equal(t, 0, stats["queue_length"], "a stopped router leaves messages pending")
	assert.Equal(t, []string{}, stats["inboxes"])
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaAlertSink(t *testing.T) {
	_, err := NewKafkaAlertSink(nil, "alerts")
	assert.Error(t, err)
	_, err = NewKafkaAlertSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	fake := &fakeKafkaWriter{}
	sink := &KafkaAlertSink{writer: fake, topic: "alerts"}
	alert, err := proto.NewAlert("coder", "supervisor", proto.SeverityCritical, "disk full", map[string]any{"free": 0})
	require.NoError(t, err)

	require.NoError(t, sink.Publish(context.Background(), alert))
	require.Len(t, fake.msgs, 1)
	assert.Equal(t, "coder", string(fake.msgs[0].Key))
	decoded, err := proto.Deserialize(fake.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, decoded.ID)

	fake.err = fmt.Errorf("broker down")
	assert.ErrorContains(t, sink.Publish(context.Background(), alert), "broker down")

	require.NoError(t, sink.Close())
	assert.True(t, fake.closed)
}
