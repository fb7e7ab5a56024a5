package persistence

import "time"

// Conversation statuses.
const (
	ConversationActive = "active"
	ConversationPaused = "paused"
	ConversationClosed = "closed"
)

// Delivery statuses.
const (
	DeliveryPending     = "pending"
	DeliveryDelivered   = "delivered"
	DeliveryUndelivered = "undelivered"
)

// Worker statuses. The execution loop is the only writer.
const (
	WorkerActive   = "active"
	WorkerBusy     = "busy"
	WorkerInactive = "inactive"
	WorkerError    = "error"
)

// Conversation is the mutable aggregate that orders messages.
type Conversation struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Topic     string    `json:"topic"`
	NextSeq   int64     `json:"next_seq"`
}

// Participant is a worker recorded in a conversation. Rows are never removed.
type Participant struct {
	JoinedAt       time.Time `json:"joined_at"`
	ConversationID string    `json:"conversation_id"`
	WorkerID       string    `json:"worker_id"`
	Active         bool      `json:"active"`
}

// Delivery tracks inbox hand-off for a persisted message.
type Delivery struct {
	UpdatedAt time.Time `json:"updated_at"`
	MessageID string    `json:"message_id"`
	Receiver  string    `json:"receiver"`
	Status    string    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	Attempts  int       `json:"attempts"`
}

// Activity is one write-once audit record.
type Activity struct {
	Timestamp      time.Time     `json:"timestamp"`
	ID             string        `json:"id"`
	WorkerID       string        `json:"worker_id"`
	Category       string        `json:"category"`
	Description    string        `json:"description"`
	Input          string        `json:"input,omitempty"`
	Output         string        `json:"output,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	TaskID         string        `json:"task_id,omitempty"`
	Outcome        string        `json:"outcome,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
}

// ActivityStat aggregates activities by category and outcome.
type ActivityStat struct {
	Category    string
	Outcome     string
	Count       int
	AvgDuration time.Duration
}

// MemoryItem is a durable text and embedding pair.
type MemoryItem struct {
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	ID           string            `json:"id"`
	Text         string            `json:"text"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	Tags         []string          `json:"tags"`
	Embedding    []float32         `json:"-"`
	Importance   float64           `json:"importance"`
}

// Expired reports whether the item's TTL has passed at now.
func (m *MemoryItem) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Worker is a registry entry.
type Worker struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Capabilities []string  `json:"capabilities"`
}
