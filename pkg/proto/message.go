// Package proto defines the typed messages exchanged between workers.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/corerr"
)

// MsgType is the closed set of message kinds.
type MsgType string

const (
	MsgTypeREQUEST MsgType = "REQUEST" // Ask the receiver to perform an action
	MsgTypeINFORM  MsgType = "INFORM"  // Report a result
	MsgTypePROPOSE MsgType = "PROPOSE" // Offer a plan
	MsgTypeCONFIRM MsgType = "CONFIRM" // Accept or reject a proposal or request
	MsgTypeALERT   MsgType = "ALERT"   // Signal a problem, may be self-addressed
)

// Severity grades an ALERT.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Content keys required by the type schemas.
const (
	KeyAction      = "action"
	KeyParameters  = "parameters"
	KeyResult      = "result"
	KeyPlan        = "plan"
	KeyAccepted    = "accepted"
	KeyReason      = "reason"
	KeySeverity    = "severity"
	KeyDescription = "description"
	KeyDetails     = "details"
)

// Metadata keys set by the router and workers.
const (
	KeyCorrelationID      = "correlation_id"
	KeyAlertSource        = "alert_source"
	KeyUndeliveredMessage = "undelivered_message_id"
	KeyFailedMessage      = "failed_message_id"
)

// Content is the type-specific structured payload.
type Content map[string]any

// Message is immutable once created. Corrections are new messages referencing the original.
type Message struct {
	ID              string            `json:"id"`
	Sender          string            `json:"sender"`
	Receiver        string            `json:"receiver"`
	Type            MsgType           `json:"type"`
	Content         Content           `json:"content"`
	ParentMessageID string            `json:"parent_message_id"`
	ConversationID  string            `json:"conversation_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Metadata        map[string]string `json:"metadata"`

	// Embedding is computed lazily and never serialized.
	Embedding []float32 `json:"-"`
}

// Option customizes Create.
type Option func(*Message)

// WithParent threads the message under parentID.
func WithParent(parentID string) Option {
	return func(m *Message) { m.ParentMessageID = parentID }
}

// WithConversation places the message in an explicit conversation.
func WithConversation(conversationID string) Option {
	return func(m *Message) { m.ConversationID = conversationID }
}

// WithMetadata sets one metadata entry.
func WithMetadata(key, value string) Option {
	return func(m *Message) { m.Metadata[key] = value }
}

// Create builds and validates a new message with a fresh id.
func Create(msgType MsgType, sender, receiver string, content Content, opts ...Option) (*Message, error) {
	normalized, err := normalizeContent(content)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindValidation, "proto.create", err, "content is not serializable")
	}

	m := &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Type:      msgType,
		Content:   normalized,
		Timestamp: time.Now().UTC().Round(0),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Reply creates a message from parent's receiver back to parent's sender in the same thread.
func Reply(parent *Message, msgType MsgType, content Content, opts ...Option) (*Message, error) {
	base := []Option{WithParent(parent.ID)}
	if parent.ConversationID != "" {
		base = append(base, WithConversation(parent.ConversationID))
	}
	return Create(msgType, parent.Receiver, parent.Sender, content, append(base, opts...)...)
}

// NewRequest builds a REQUEST.
func NewRequest(sender, receiver, action string, parameters map[string]any, opts ...Option) (*Message, error) {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return Create(MsgTypeREQUEST, sender, receiver, Content{KeyAction: action, KeyParameters: parameters}, opts...)
}

// NewInform builds an INFORM.
func NewInform(sender, receiver string, result any, opts ...Option) (*Message, error) {
	return Create(MsgTypeINFORM, sender, receiver, Content{KeyResult: result}, opts...)
}

// NewAlert builds an ALERT.
func NewAlert(sender, receiver string, severity Severity, description string, details map[string]any, opts ...Option) (*Message, error) {
	content := Content{KeySeverity: string(severity), KeyDescription: description}
	if len(details) > 0 {
		content[KeyDetails] = details
	}
	return Create(MsgTypeALERT, sender, receiver, content, opts...)
}

// ParseMsgType converts a string to a MsgType, case-insensitively.
func ParseMsgType(s string) (MsgType, error) {
	t := MsgType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", corerr.Newf(corerr.KindValidation, "proto.parse_type", "unknown message type %q", s)
	}
	return t, nil
}

// Valid reports whether t is in the closed set.
func (t MsgType) Valid() bool {
	switch t {
	case MsgTypeREQUEST, MsgTypeINFORM, MsgTypePROPOSE, MsgTypeCONFIRM, MsgTypeALERT:
		return true
	}
	return false
}

// AllowsSelfAddress reports whether sender may equal receiver.
func (t MsgType) AllowsSelfAddress() bool {
	return t == MsgTypeALERT
}

func (t MsgType) String() string { return string(t) }

// Validate applies the envelope and type-specific content rules.
func Validate(m *Message) error {
	const op = "proto.validate"
	if m == nil {
		return corerr.New(corerr.KindValidation, op, "message is nil")
	}
	if m.Sender == "" || m.Receiver == "" {
		return corerr.New(corerr.KindValidation, op, "sender and receiver are required")
	}
	if !m.Type.Valid() {
		return corerr.Newf(corerr.KindValidation, op, "unknown message type %q", m.Type)
	}
	if m.Sender == m.Receiver && !m.Type.AllowsSelfAddress() {
		return corerr.Newf(corerr.KindValidation, op, "%s messages cannot be self-addressed (%s)", m.Type, m.Sender)
	}
	if m.ParentMessageID != "" && m.ParentMessageID == m.ID {
		return corerr.New(corerr.KindValidation, op, "message cannot be its own parent")
	}
	return validateContent(m.Type, m.Content)
}

func validateContent(t MsgType, c Content) error {
	const op = "proto.validate"
	if c == nil {
		return corerr.Newf(corerr.KindValidation, op, "%s requires content", t)
	}
	switch t {
	case MsgTypeREQUEST:
		if s, ok := c[KeyAction].(string); !ok || strings.TrimSpace(s) == "" {
			return corerr.New(corerr.KindValidation, op, "REQUEST requires a non-empty string action")
		}
		if p, present := c[KeyParameters]; present && p != nil {
			if _, ok := p.(map[string]any); !ok {
				return corerr.New(corerr.KindValidation, op, "REQUEST parameters must be an object")
			}
		}
	case MsgTypeINFORM:
		if v, ok := c[KeyResult]; !ok || v == nil {
			return corerr.New(corerr.KindValidation, op, "INFORM requires a result")
		}
	case MsgTypePROPOSE:
		if v, ok := c[KeyPlan]; !ok || v == nil {
			return corerr.New(corerr.KindValidation, op, "PROPOSE requires a plan")
		}
	case MsgTypeCONFIRM:
		if _, ok := c[KeyAccepted].(bool); !ok {
			return corerr.New(corerr.KindValidation, op, "CONFIRM requires a boolean accepted")
		}
	case MsgTypeALERT:
		switch Severity(fmt.Sprint(c[KeySeverity])) {
		case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		default:
			return corerr.Newf(corerr.KindValidation, op, "ALERT severity %v is not one of info, warning, error, critical", c[KeySeverity])
		}
		if s, ok := c[KeyDescription].(string); !ok || strings.TrimSpace(s) == "" {
			return corerr.New(corerr.KindValidation, op, "ALERT requires a description")
		}
	}
	return nil
}

// normalizeContent round-trips content through JSON so in-memory values match
// what a decoder produces (numbers become float64, structs become maps).
func normalizeContent(c Content) (Content, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Content
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Content, _ = normalizeContent(m.Content)
	if m.Metadata != nil {
		clone.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	if m.Embedding != nil {
		clone.Embedding = append([]float32(nil), m.Embedding...)
	}
	return &clone
}

// Text renders content deterministically for embedding and prompting.
func (m *Message) Text() string {
	switch m.Type {
	case MsgTypeREQUEST:
		params, _ := json.Marshal(m.Content[KeyParameters])
		return fmt.Sprintf("%v %s", m.Content[KeyAction], params)
	case MsgTypeINFORM:
		return stringify(m.Content[KeyResult])
	case MsgTypePROPOSE:
		return stringify(m.Content[KeyPlan])
	case MsgTypeALERT:
		return fmt.Sprintf("[%v] %v", m.Content[KeySeverity], m.Content[KeyDescription])
	}
	return stringify(map[string]any(m.Content))
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// String returns a short single-line description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s %s->%s", m.Type, m.ID, m.Sender, m.Receiver)
}

// GetMetadata returns a metadata value.
func (m *Message) GetMetadata(key string) (string, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}

// Accepted returns the CONFIRM decision.
func (m *Message) Accepted() (bool, bool) {
	if m.Type != MsgTypeCONFIRM {
		return false, false
	}
	v, ok := m.Content[KeyAccepted].(bool)
	return v, ok
}
