package activity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/corerr"
	"agentcore/pkg/eventlog"
	"agentcore/pkg/persistence"
)

func newTestLog(t *testing.T) (*Log, *eventlog.Writer) {
	t.Helper()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "activity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	events, err := eventlog.NewWriter(filepath.Join(dir, "events"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	return New(db, events), events
}

func TestAppendAssignsIdentityAndMirrors(t *testing.T) {
	log, events := newTestLog(t)
	ctx := context.Background()

	rec := &Record{WorkerID: "w1", Category: CategoryReceived, MessageID: "m1"}
	require.NoError(t, log.Append(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())

	mirrored, err := eventlog.ReadActivities(events.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, rec.ID, mirrored[0].ID)
}

func TestAppendValidation(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *Record
	}{
		{"missing worker", &Record{Category: CategoryThinking}},
		{"missing category", &Record{WorkerID: "w1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := log.Append(ctx, tt.rec)
			assert.True(t, corerr.IsKind(err, corerr.KindValidation))
		})
	}
}

func TestAppendTxRollsBackWithTransaction(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	err := log.db.WithTx(ctx, func(ops *persistence.Ops) error {
		if err := log.AppendTx(ctx, ops, &Record{WorkerID: "w1", Category: CategoryCommunication, MessageID: "m1"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	recs, err := log.ByMessage(ctx, "w1", "m1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestQueries(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, rec := range []*Record{
		{WorkerID: "w1", Category: CategoryReceived, MessageID: "m1", ConversationID: "c1"},
		{WorkerID: "w1", Category: CategoryThinking, MessageID: "m1", ConversationID: "c1", Outcome: OutcomeOK},
		{WorkerID: "w2", Category: CategoryReceived, MessageID: "m2", ConversationID: "c2"},
	} {
		rec.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, log.Append(ctx, rec))
	}

	byWorker, err := log.ByWorker(ctx, "w1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, byWorker, 2)
	assert.Equal(t, CategoryReceived, byWorker[0].Category)

	recent, err := log.ByWorker(ctx, "w1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	byConv, err := log.ByConversation(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, byConv, 1)

	anyWorker, err := log.ByMessage(ctx, "", "m1")
	require.NoError(t, err)
	assert.Len(t, anyWorker, 2)

	processed, err := log.HasProcessed(ctx, "w1", "m1")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = log.HasProcessed(ctx, "w1", "m2")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPerformance(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	durations := []time.Duration{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	for i, d := range durations {
		outcome := OutcomeOK
		if i%5 == 0 {
			outcome = OutcomeError
		}
		require.NoError(t, log.Append(ctx, &Record{
			WorkerID: "w1", Category: CategoryThinking, Outcome: outcome, Duration: d * time.Millisecond,
		}))
	}
	require.NoError(t, log.Append(ctx, &Record{WorkerID: "w1", Category: CategoryError, Outcome: OutcomeError}))

	perf, err := log.Performance(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 10, perf.ThinkCount)
	assert.Equal(t, 55*time.Millisecond, perf.ThinkAvg)
	assert.Equal(t, 100*time.Millisecond, perf.ThinkP95)
	assert.Equal(t, 2, perf.ThinkErrors)
	assert.InDelta(t, 0.2, perf.ErrorRate, 1e-9)
	assert.Equal(t, 8, perf.Counts[CategoryThinking][OutcomeOK])
	assert.Equal(t, 1, perf.ErrorRecords)
	assert.Equal(t, 11, perf.TotalRecords)
	assert.Contains(t, perf.String(), "worker=w1")

	empty, err := log.Performance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.ThinkCount)
	assert.Zero(t, empty.ErrorRate)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		name string
		in   []time.Duration
		p    float64
		want time.Duration
	}{
		{"empty", nil, 0.95, 0},
		{"single", []time.Duration{7}, 0.95, 7},
		{"median of four", []time.Duration{1, 2, 3, 4}, 0.5, 2},
		{"p95 of twenty", func() []time.Duration {
			var out []time.Duration
			for i := 1; i <= 20; i++ {
				out = append(out, time.Duration(i))
			}
			return out
		}(), 0.95, 19},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentile(tt.in, tt.p))
		})
	}
}
