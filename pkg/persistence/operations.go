package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentcore/pkg/proto"
)

// Ops runs typed statements against a pool or a transaction.
type Ops struct {
	q Querier
}

// NewOps binds operations to q.
func NewOps(q Querier) *Ops {
	return &Ops{q: q}
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(b), nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}

// ---- messages ----

const messageColumns = `id, sender, receiver, type, content, parent_message_id, conversation_id, created_at, metadata`

// InsertMessage stores an immutable message at the given conversation sequence.
func (o *Ops) InsertMessage(ctx context.Context, m *proto.Message, seq int64) error {
	content, err := proto.MarshalContent(m.Content)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(m.Metadata)
	if err != nil {
		return err
	}
	_, err = o.q.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`, seq) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Sender, m.Receiver, string(m.Type), string(content), m.ParentMessageID, m.ConversationID,
		toNanos(m.Timestamp), metadata, seq)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*proto.Message, error) {
	var (
		m                 proto.Message
		msgType           string
		content, metadata string
		createdAt         int64
	)
	if err := row.Scan(&m.ID, &m.Sender, &m.Receiver, &msgType, &content, &m.ParentMessageID,
		&m.ConversationID, &createdAt, &metadata); err != nil {
		return nil, err
	}
	m.Type = proto.MsgType(msgType)
	m.Timestamp = fromNanos(createdAt)

	c, err := proto.UnmarshalContent([]byte(content))
	if err != nil {
		return nil, err
	}
	m.Content = c
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of message %s: %w", m.ID, err)
	}
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*proto.Message, error) {
	defer rows.Close()
	var out []*proto.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

// GetMessage loads one message.
func (o *Ops) GetMessage(ctx context.Context, id string) (*proto.Message, error) {
	row := o.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err, "message", id)
	}
	return m, nil
}

// ConversationMessages returns the newest limit messages in conversation order, oldest first.
// A non-positive limit returns every message.
func (o *Ops) ConversationMessages(ctx context.Context, conversationID string, limit int) ([]*proto.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := o.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, seq FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation %s: %w", conversationID, err)
	}
	return collectMessages(rows)
}

// CountConversationMessages returns the number of messages in a conversation.
func (o *Ops) CountConversationMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// ---- deliveries ----

// InsertDelivery records a pending hand-off.
func (o *Ops) InsertDelivery(ctx context.Context, messageID, receiver string, at time.Time) error {
	_, err := o.q.ExecContext(ctx, `INSERT INTO deliveries (message_id, receiver, status, updated_at) VALUES (?, ?, ?, ?)`,
		messageID, receiver, DeliveryPending, toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to insert delivery for %s: %w", messageID, err)
	}
	return nil
}

// UpdateDelivery records the outcome of delivery attempts.
func (o *Ops) UpdateDelivery(ctx context.Context, messageID, status string, attempts int, lastErr string, at time.Time) error {
	res, err := o.q.ExecContext(ctx, `UPDATE deliveries SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE message_id = ?`,
		status, attempts, lastErr, toNanos(at), messageID)
	if err != nil {
		return fmt.Errorf("failed to update delivery for %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// GetDelivery loads the delivery state of a message.
func (o *Ops) GetDelivery(ctx context.Context, messageID string) (*Delivery, error) {
	var (
		d  Delivery
		at int64
	)
	err := o.q.QueryRowContext(ctx, `SELECT message_id, receiver, status, attempts, last_error, updated_at FROM deliveries WHERE message_id = ?`, messageID).
		Scan(&d.MessageID, &d.Receiver, &d.Status, &d.Attempts, &d.LastError, &at)
	if err != nil {
		return nil, notFound(err, "delivery", messageID)
	}
	d.UpdatedAt = fromNanos(at)
	return &d, nil
}

// MessagesByDeliveryStatus returns messages whose delivery has the given status, oldest first.
func (o *Ops) MessagesByDeliveryStatus(ctx context.Context, status string) ([]*proto.Message, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT m.id, m.sender, m.receiver, m.type, m.content, m.parent_message_id, m.conversation_id, m.created_at, m.metadata
		FROM messages m JOIN deliveries d ON d.message_id = m.id
		WHERE d.status = ?
		ORDER BY m.created_at ASC, m.seq ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s deliveries: %w", status, err)
	}
	return collectMessages(rows)
}

// ---- conversations ----

// InsertConversation creates a conversation row.
func (o *Ops) InsertConversation(ctx context.Context, c *Conversation) error {
	_, err := o.q.ExecContext(ctx, `INSERT INTO conversations (id, status, topic, created_at, updated_at, next_seq) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, c.Topic, toNanos(c.CreatedAt), toNanos(c.UpdatedAt), c.NextSeq)
	if err != nil {
		return fmt.Errorf("failed to insert conversation %s: %w", c.ID, err)
	}
	return nil
}

const conversationColumns = `id, status, topic, created_at, updated_at, next_seq`

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                    Conversation
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.Status, &c.Topic, &createdAt, &updatedAt, &c.NextSeq); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

// GetConversation loads one conversation.
func (o *Ops) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(o.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "conversation", id)
	}
	return c, nil
}

// ListConversations returns conversations, most recently updated first. Empty status lists all.
func (o *Ops) ListConversations(ctx context.Context, status string) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConversationStatus changes the lifecycle state.
func (o *Ops) SetConversationStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := o.q.ExecContext(ctx, `UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`, status, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to set conversation %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// AdvanceConversation stores the derived fields recomputed after an append.
func (o *Ops) AdvanceConversation(ctx context.Context, id, status, topic string, nextSeq int64, at time.Time) error {
	_, err := o.q.ExecContext(ctx, `UPDATE conversations SET status = ?, topic = ?, next_seq = ?, updated_at = ? WHERE id = ?`,
		status, topic, nextSeq, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to advance conversation %s: %w", id, err)
	}
	return nil
}

// AddParticipant records a worker in a conversation, reactivating it if present.
func (o *Ops) AddParticipant(ctx context.Context, conversationID, workerID string, at time.Time) error {
	_, err := o.q.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, worker_id, active, joined_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(conversation_id, worker_id) DO UPDATE SET active = 1`,
		conversationID, workerID, toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to add participant %s: %w", workerID, err)
	}
	return nil
}

// SetParticipantActive flips the active flag. The participant row is kept.
func (o *Ops) SetParticipantActive(ctx context.Context, conversationID, workerID string, active bool) error {
	res, err := o.q.ExecContext(ctx, `UPDATE conversation_participants SET active = ? WHERE conversation_id = ? AND worker_id = ?`,
		active, conversationID, workerID)
	if err != nil {
		return fmt.Errorf("failed to update participant %s: %w", workerID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("participant %s in %s: %w", workerID, conversationID, ErrNotFound)
	}
	return nil
}

// Participants lists every recorded participant in join order.
func (o *Ops) Participants(ctx context.Context, conversationID string) ([]Participant, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT conversation_id, worker_id, active, joined_at FROM conversation_participants
		WHERE conversation_id = ? ORDER BY joined_at ASC, worker_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var (
			p  Participant
			at int64
		)
		if err := rows.Scan(&p.ConversationID, &p.WorkerID, &p.Active, &at); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.JoinedAt = fromNanos(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- activities ----

const activityColumns = `id, worker_id, ts, category, description, input, output, conversation_id, message_id, task_id, outcome, duration_ns`

// InsertActivity appends an activity record.
func (o *Ops) InsertActivity(ctx context.Context, a *Activity) error {
	_, err := o.q.ExecContext(ctx, `INSERT INTO activities (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkerID, toNanos(a.Timestamp), a.Category, a.Description, a.Input, a.Output,
		a.ConversationID, a.MessageID, a.TaskID, a.Outcome, int64(a.Duration))
	if err != nil {
		return fmt.Errorf("failed to insert activity %s: %w", a.ID, err)
	}
	return nil
}

// ActivityFilter narrows activity queries. Zero fields are ignored.
type ActivityFilter struct {
	Since          time.Time
	WorkerID       string
	ConversationID string
	MessageID      string
	Category       string
	Limit          int
}

// ListActivities returns matching records in append order.
func (o *Ops) ListActivities(ctx context.Context, f ActivityFilter) ([]*Activity, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.MessageID != "" {
		where = append(where, "message_id = ?")
		args = append(args, f.MessageID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toNanos(f.Since))
	}

	query := `SELECT ` + activityColumns + ` FROM activities`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var (
			a        Activity
			ts, dura int64
		)
		if err := rows.Scan(&a.ID, &a.WorkerID, &ts, &a.Category, &a.Description, &a.Input, &a.Output,
			&a.ConversationID, &a.MessageID, &a.TaskID, &a.Outcome, &dura); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.Timestamp = fromNanos(ts)
		a.Duration = time.Duration(dura)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CountActivities counts records for a worker and message in a category.
func (o *Ops) CountActivities(ctx context.Context, workerID, messageID, category string) (int, error) {
	var n int
	err := o.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE worker_id = ? AND message_id = ? AND category = ?`,
		workerID, messageID, category).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// ActivityStats groups a worker's records by category and outcome.
func (o *Ops) ActivityStats(ctx context.Context, workerID string) ([]ActivityStat, error) {
	rows, err := o.q.QueryContext(ctx, `
		SELECT category, outcome, COUNT(*), CAST(AVG(duration_ns) AS INTEGER)
		FROM activities WHERE worker_id = ?
		GROUP BY category, outcome ORDER BY category, outcome`, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate activities: %w", err)
	}
	defer rows.Close()

	var out []ActivityStat
	for rows.Next() {
		var (
			s   ActivityStat
			avg int64
		)
		if err := rows.Scan(&s.Category, &s.Outcome, &s.Count, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan activity stat: %w", err)
		}
		s.AvgDuration = time.Duration(avg)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActivityDurations returns the durations of a worker's records in a category, ascending.
func (o *Ops) ActivityDurations(ctx context.Context, workerID, category string) ([]time.Duration, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT duration_ns FROM activities WHERE worker_id = ? AND category = ? ORDER BY duration_ns ASC`,
		workerID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query durations: %w", err)
	}
	defer rows.Close()

	var out []time.Duration
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan duration: %w", err)
		}
		out = append(out, time.Duration(d))
	}
	return out, rows.Err()
}

// ---- memory items ----

const memoryColumns = `id, text, embedding, tags, metadata, created_at, superseded_by, importance, expires_at`

// InsertMemoryItem writes text and embedding in a single row.
func (o *Ops) InsertMemoryItem(ctx context.Context, item *MemoryItem) error {
	tags, err := marshalJSON(item.Tags)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(item.Metadata)
	if err != nil {
		return err
	}
	var expires int64
	if !item.ExpiresAt.IsZero() {
		expires = toNanos(item.ExpiresAt)
	}
	_, err = o.q.ExecContext(ctx, `INSERT INTO memory_items (`+memoryColumns+`, dimensions) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Text, EncodeVector(item.Embedding), tags, metadata, toNanos(item.CreatedAt),
		item.SupersededBy, item.Importance, expires, len(item.Embedding))
	if err != nil {
		return fmt.Errorf("failed to insert memory item %s: %w", item.ID, err)
	}
	return nil
}

func scanMemoryItem(row rowScanner) (*MemoryItem, error) {
	var (
		item               MemoryItem
		blob               []byte
		tags, metadata     string
		createdAt, expires int64
	)
	if err := row.Scan(&item.ID, &item.Text, &blob, &tags, &metadata, &createdAt, &item.SupersededBy, &item.Importance, &expires); err != nil {
		return nil, err
	}
	item.Embedding = DecodeVector(blob)
	item.CreatedAt = fromNanos(createdAt)
	if expires != 0 {
		item.ExpiresAt = fromNanos(expires)
	}
	if err := json.Unmarshal([]byte(tags), &item.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", item.ID, err)
	}
	return &item, nil
}

// GetMemoryItem loads one item.
func (o *Ops) GetMemoryItem(ctx context.Context, id string) (*MemoryItem, error) {
	item, err := scanMemoryItem(o.q.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_items WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "memory item", id)
	}
	return item, nil
}

// ListMemoryItems returns every item in creation order.
func (o *Ops) ListMemoryItems(ctx context.Context) ([]*MemoryItem, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_items ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory items: %w", err)
	}
	defer rows.Close()

	var out []*MemoryItem
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ScoredMemoryItem pairs an item with its similarity to a query.
type ScoredMemoryItem struct {
	Item  *MemoryItem
	Score float32
}

// NearestMemoryItems scans stored embeddings and returns the limit most similar items.
// Items whose dimensionality differs from vector are skipped.
func (o *Ops) NearestMemoryItems(ctx context.Context, vector []float32, limit int) ([]ScoredMemoryItem, error) {
	items, err := o.ListMemoryItems(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredMemoryItem, 0, len(items))
	for _, item := range items {
		if len(item.Embedding) != len(vector) {
			continue
		}
		out = append(out, ScoredMemoryItem{Item: item, Score: CosineSimilarity(vector, item.Embedding)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkMemorySuperseded tags an item as superseded without removing it.
func (o *Ops) MarkMemorySuperseded(ctx context.Context, id, supersededBy string, tags []string) error {
	encoded, err := marshalJSON(tags)
	if err != nil {
		return err
	}
	res, err := o.q.ExecContext(ctx, `UPDATE memory_items SET superseded_by = ?, tags = ? WHERE id = ?`, supersededBy, encoded, id)
	if err != nil {
		return fmt.Errorf("failed to supersede memory item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory item %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMemoryItems permanently removes items. Administrative purge only.
func (o *Ops) DeleteMemoryItems(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := o.q.ExecContext(ctx, `DELETE FROM memory_items WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge memory items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- workers ----

const workerColumns = `id, type, name, capabilities, status, created_at, updated_at`

// InsertWorker registers a worker.
func (o *Ops) InsertWorker(ctx context.Context, w *Worker) error {
	caps, err := marshalJSON(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = o.q.ExecContext(ctx, `INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Type, w.Name, caps, w.Status, toNanos(w.CreatedAt), toNanos(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert worker %s: %w", w.ID, err)
	}
	return nil
}

func scanWorker(row rowScanner) (*Worker, error) {
	var (
		w                    Worker
		caps                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&w.ID, &w.Type, &w.Name, &caps, &w.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.CreatedAt = fromNanos(createdAt)
	w.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to decode capabilities of %s: %w", w.ID, err)
	}
	return &w, nil
}

// GetWorker loads a registry entry.
func (o *Ops) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w, err := scanWorker(o.q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "worker", id)
	}
	return w, nil
}

// ListWorkers returns all registry entries ordered by creation.
func (o *Ops) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorkerStatus sets a worker's status.
func (o *Ops) UpdateWorkerStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := o.q.ExecContext(ctx, `UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`, status, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to update worker %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}
