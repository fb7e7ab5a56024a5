package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/proto"
)

func insertMessages(t *testing.T, db *DB, convID string, n int) []*proto.Message {
	t.Helper()
	ctx := context.Background()
	var out []*proto.Message
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		m, err := proto.NewInform("a", "b", i, proto.WithConversation(convID))
		require.NoError(t, err)
		m.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, db.Ops().InsertMessage(ctx, m, int64(i)))
		out = append(out, m)
	}
	return out
}

func TestConversationMessagesOrderAndLimit(t *testing.T) {
	db := createTestDB(t)
	seedConversation(t, db, "c1")
	msgs := insertMessages(t, db, "c1", 5)
	ctx := context.Background()

	tests := []struct {
		name  string
		limit int
		want  []*proto.Message
	}{
		{"all with zero limit", 0, msgs},
		{"all with negative limit", -1, msgs},
		{"latest two oldest first", 2, msgs[3:]},
		{"limit beyond size", 10, msgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Ops().ConversationMessages(ctx, "c1", tt.limit)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].ID, got[i].ID)
			}
		})
	}

	n, err := db.Ops().CountConversationMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSameTimestampOrdersBySequence(t *testing.T) {
	db := createTestDB(t)
	seedConversation(t, db, "c1")
	ctx := context.Background()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := proto.NewInform("a", "b", i, proto.WithConversation("c1"))
		require.NoError(t, err)
		m.Timestamp = ts
		require.NoError(t, db.Ops().InsertMessage(ctx, m, int64(i)))
		ids = append(ids, m.ID)
	}

	got, err := db.Ops().ConversationMessages(ctx, "c1", 0)
	require.NoError(t, err)
	for i, m := range got {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	db := createTestDB(t)
	_, err := db.Ops().GetMessage(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryLifecycle(t *testing.T) {
	db := createTestDB(t)
	seedConversation(t, db, "c1")
	msgs := insertMessages(t, db, "c1", 2)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, m := range msgs {
		require.NoError(t, db.Ops().InsertDelivery(ctx, m.ID, m.Receiver, now))
	}
	require.NoError(t, db.Ops().UpdateDelivery(ctx, msgs[0].ID, DeliveryUndelivered, 5, "inbox full", now))

	d, err := db.Ops().GetDelivery(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryUndelivered, d.Status)
	assert.Equal(t, 5, d.Attempts)
	assert.Equal(t, "inbox full", d.LastError)

	pending, err := db.Ops().MessagesByDeliveryStatus(ctx, DeliveryPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msgs[1].ID, pending[0].ID)

	err = db.Ops().UpdateDelivery(ctx, "missing", DeliveryDelivered, 1, "", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationStatusAndParticipants(t *testing.T) {
	db := createTestDB(t)
	seedConversation(t, db, "c1")
	ctx := context.Background()
	ops := db.Ops()
	now := time.Now().UTC()

	require.NoError(t, ops.AddParticipant(ctx, "c1", "w1", now))
	require.NoError(t, ops.AddParticipant(ctx, "c1", "w2", now.Add(time.Millisecond)))
	require.NoError(t, ops.SetParticipantActive(ctx, "c1", "w1", false))

	parts, err := ops.Participants(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "w1", parts[0].WorkerID)
	assert.False(t, parts[0].Active)
	assert.True(t, parts[1].Active)

	// Re-adding reactivates without duplicating.
	require.NoError(t, ops.AddParticipant(ctx, "c1", "w1", now.Add(time.Second)))
	parts, err = ops.Participants(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.True(t, parts[0].Active)

	require.NoError(t, ops.SetConversationStatus(ctx, "c1", ConversationClosed, now))
	closed, err := ops.ListConversations(ctx, ConversationClosed)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	active, err := ops.ListConversations(ctx, ConversationActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, ops.SetConversationStatus(ctx, "nope", ConversationClosed, now), ErrNotFound)
	assert.ErrorIs(t, ops.SetParticipantActive(ctx, "c1", "nobody", false), ErrNotFound)
}

func TestActivityQueries(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	ops := db.Ops()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	records := []*Activity{
		{ID: "a1", WorkerID: "w1", Timestamp: base, Category: "THINKING", MessageID: "m1", Outcome: "success", Duration: 10 * time.Millisecond},
		{ID: "a2", WorkerID: "w1", Timestamp: base.Add(time.Second), Category: "THINKING", MessageID: "m2", Outcome: "failure", Duration: 30 * time.Millisecond},
		{ID: "a3", WorkerID: "w1", Timestamp: base.Add(2 * time.Second), Category: "COMMUNICATION", ConversationID: "c1", MessageID: "m3", Outcome: "success"},
		{ID: "a4", WorkerID: "w2", Timestamp: base.Add(3 * time.Second), Category: "THINKING", ConversationID: "c1", MessageID: "m1", Outcome: "success"},
	}
	for _, a := range records {
		require.NoError(t, ops.InsertActivity(ctx, a))
	}

	byWorker, err := ops.ListActivities(ctx, ActivityFilter{WorkerID: "w1"})
	require.NoError(t, err)
	require.Len(t, byWorker, 3)
	assert.Equal(t, records[0], byWorker[0])

	since, err := ops.ListActivities(ctx, ActivityFilter{WorkerID: "w1", Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	byConv, err := ops.ListActivities(ctx, ActivityFilter{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Len(t, byConv, 2)

	limited, err := ops.ListActivities(ctx, ActivityFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := ops.CountActivities(ctx, "w1", "m1", "THINKING")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := ops.ActivityStats(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, stats, 3)

	durations, err := ops.ActivityDurations(ctx, "w1", "THINKING")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond}, durations)
}

func TestMemoryItems(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	ops := db.Ops()
	now := time.Now().UTC()

	items := []*MemoryItem{
		{ID: "m1", Text: "north", Embedding: []float32{1, 0}, Tags: []string{"geo"}, Metadata: map[string]string{"k": "v"}, CreatedAt: now, Importance: 0.5},
		{ID: "m2", Text: "east", Embedding: []float32{0, 1}, Tags: []string{}, Metadata: map[string]string{}, CreatedAt: now.Add(time.Millisecond), ExpiresAt: now.Add(time.Hour)},
		{ID: "m3", Text: "wide", Embedding: []float32{1, 0, 0}, Tags: []string{}, Metadata: map[string]string{}, CreatedAt: now.Add(2 * time.Millisecond)},
	}
	for _, item := range items {
		require.NoError(t, ops.InsertMemoryItem(ctx, item))
	}

	got, err := ops.GetMemoryItem(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, items[0], got)

	got, err = ops.GetMemoryItem(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(items[1].ExpiresAt))

	nearest, err := ops.NearestMemoryItems(ctx, []float32{0.9, 0.1}, 5)
	require.NoError(t, err)
	require.Len(t, nearest, 2, "mismatched dimensions are skipped")
	assert.Equal(t, "m1", nearest[0].Item.ID)

	require.NoError(t, ops.MarkMemorySuperseded(ctx, "m1", "m2", []string{"geo", "superseded"}))
	got, err = ops.GetMemoryItem(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m2", got.SupersededBy)
	assert.Contains(t, got.Tags, "superseded")

	n, err := ops.DeleteMemoryItems(ctx, "m1", "m3", "missing")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	all, err := ops.ListMemoryItems(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "m2", all[0].ID)

	_, err = ops.GetMemoryItem(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkers(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	ops := db.Ops()
	now := time.Now().UTC()

	w := &Worker{ID: "w1", Type: "echo", Name: "Echo", Status: WorkerActive, Capabilities: []string{"echo"}, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, ops.InsertWorker(ctx, w))
	require.Error(t, ops.InsertWorker(ctx, w), "duplicate id")

	got, err := ops.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, w, got)

	require.NoError(t, ops.UpdateWorkerStatus(ctx, "w1", WorkerBusy, now))
	list, err := ops.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, WorkerBusy, list[0].Status)

	assert.ErrorIs(t, ops.UpdateWorkerStatus(ctx, "ghost", WorkerBusy, now), ErrNotFound)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	assert.Equal(t, v, DecodeVector(EncodeVector(v)))
	assert.Nil(t, DecodeVector([]byte{1, 2, 3}))

	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, CosineSimilarity([]float32{1}, []float32{1, 0}))
}
