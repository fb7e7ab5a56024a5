// Package activity is the write-once audit log of worker actions.
package activity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/corerr"
	"agentcore/pkg/eventlog"
	"agentcore/pkg/logx"
	"agentcore/pkg/persistence"
)

// Categories.
const (
	CategoryThinking      = "THINKING"
	CategoryCommunication = "COMMUNICATION"
	CategoryDecision      = "DECISION"
	CategoryError         = "ERROR"
	CategoryReceived      = "RECEIVED"
	CategoryDedupe        = "DEDUPE"
	CategoryRecovery      = "RECOVERY"
	CategoryCancelled     = "CANCELLED"
	CategoryDelivery      = "DELIVERY"
	CategoryAlert         = "ALERT"
)

// Outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeSkipped   = "skipped"
)

// Record is an activity entry.
type Record = persistence.Activity

// Log appends records to SQLite and mirrors committed records to the event log.
type Log struct {
	db     *persistence.DB
	events *eventlog.Writer
	logger *logx.Logger
	now    func() time.Time
}

// New creates a Log. events may be nil.
func New(db *persistence.DB, events *eventlog.Writer) *Log {
	return &Log{
		db:     db,
		events: events,
		logger: logx.NewLogger("activity"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Log) prepare(rec *Record) error {
	if rec.WorkerID == "" {
		return corerr.New(corerr.KindValidation, "activity.append", "worker id is required")
	}
	if rec.Category == "" {
		return corerr.New(corerr.KindValidation, "activity.append", "category is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	return nil
}

// Append writes a record in its own statement and mirrors it.
func (l *Log) Append(ctx context.Context, rec *Record) error {
	if err := l.prepare(rec); err != nil {
		return err
	}
	if err := l.db.Ops().InsertActivity(ctx, rec); err != nil {
		return corerr.Wrap(corerr.KindPersistence, "activity.append", err, rec.Category)
	}
	l.Mirror(rec)
	return nil
}

// AppendTx writes a record inside a caller-owned transaction.
// The caller calls Mirror once the transaction commits.
func (l *Log) AppendTx(ctx context.Context, ops *persistence.Ops, rec *Record) error {
	if err := l.prepare(rec); err != nil {
		return err
	}
	if err := ops.InsertActivity(ctx, rec); err != nil {
		return corerr.Wrap(corerr.KindPersistence, "activity.append", err, rec.Category)
	}
	return nil
}

// Mirror copies a committed record to the event log. Failures are logged, not returned.
func (l *Log) Mirror(rec *Record) {
	if l.events == nil {
		return
	}
	if err := l.events.WriteActivity(rec); err != nil {
		l.logger.Warn("failed to mirror activity %s: %v", rec.ID, err)
	}
}

// ByWorker returns a worker's records since the given time, oldest first.
func (l *Log) ByWorker(ctx context.Context, workerID string, since time.Time) ([]*Record, error) {
	return l.list(ctx, persistence.ActivityFilter{WorkerID: workerID, Since: since})
}

// ByConversation returns every record linked to a conversation.
func (l *Log) ByConversation(ctx context.Context, conversationID string) ([]*Record, error) {
	return l.list(ctx, persistence.ActivityFilter{ConversationID: conversationID})
}

// ByMessage returns a worker's records linked to a message. Empty workerID matches any worker.
func (l *Log) ByMessage(ctx context.Context, workerID, messageID string) ([]*Record, error) {
	return l.list(ctx, persistence.ActivityFilter{WorkerID: workerID, MessageID: messageID})
}

// Query runs an arbitrary filter.
func (l *Log) Query(ctx context.Context, f persistence.ActivityFilter) ([]*Record, error) {
	return l.list(ctx, f)
}

func (l *Log) list(ctx context.Context, f persistence.ActivityFilter) ([]*Record, error) {
	out, err := l.db.Reads().ListActivities(ctx, f)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindPersistence, "activity.query", err, "activity query failed")
	}
	return out, nil
}

// HasProcessed reports whether the worker already took a message in.
// The RECEIVED record is the authoritative marker.
func (l *Log) HasProcessed(ctx context.Context, workerID, messageID string) (bool, error) {
	n, err := l.db.Reads().CountActivities(ctx, workerID, messageID, CategoryReceived)
	if err != nil {
		return false, corerr.Wrap(corerr.KindPersistence, "activity.has_processed", err, messageID)
	}
	return n > 0, nil
}

// Performance summarizes a worker's log.
type Performance struct {
	Counts       map[string]map[string]int `json:"counts"`
	WorkerID     string                    `json:"worker_id"`
	ThinkCount   int                       `json:"think_count"`
	ThinkAvg     time.Duration             `json:"think_avg"`
	ThinkP95     time.Duration             `json:"think_p95"`
	ThinkErrors  int                       `json:"think_errors"`
	ErrorRate    float64                   `json:"error_rate"`
	TotalRecords int                       `json:"total_records"`
	ErrorRecords int                       `json:"error_records"`
}

// Performance aggregates counts by category and outcome and THINKING timings.
func (l *Log) Performance(ctx context.Context, workerID string) (*Performance, error) {
	ops := l.db.Reads()
	stats, err := ops.ActivityStats(ctx, workerID)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindPersistence, "activity.performance", err, workerID)
	}
	durations, err := ops.ActivityDurations(ctx, workerID, CategoryThinking)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindPersistence, "activity.performance", err, workerID)
	}

	perf := &Performance{WorkerID: workerID, Counts: make(map[string]map[string]int)}
	for _, s := range stats {
		if perf.Counts[s.Category] == nil {
			perf.Counts[s.Category] = make(map[string]int)
		}
		perf.Counts[s.Category][s.Outcome] += s.Count
		perf.TotalRecords += s.Count
		if s.Category == CategoryError {
			perf.ErrorRecords += s.Count
		}
		if s.Category == CategoryThinking && s.Outcome != OutcomeOK {
			perf.ThinkErrors += s.Count
		}
	}

	perf.ThinkCount = len(durations)
	if perf.ThinkCount > 0 {
		var total time.Duration
		for _, d := range durations {
			total += d
		}
		perf.ThinkAvg = total / time.Duration(perf.ThinkCount)
		perf.ThinkP95 = percentile(durations, 0.95)
		perf.ErrorRate = float64(perf.ThinkErrors) / float64(perf.ThinkCount)
	}
	return perf, nil
}

// percentile uses nearest-rank over an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// String renders a one-line summary.
func (p *Performance) String() string {
	return fmt.Sprintf("worker=%s records=%d think=%d avg=%s p95=%s error_rate=%.2f",
		p.WorkerID, p.TotalRecords, p.ThinkCount, p.ThinkAvg, p.ThinkP95, p.ErrorRate)
}
