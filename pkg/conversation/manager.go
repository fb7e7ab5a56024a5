// Package conversation threads messages into ordered conversations.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentcore/pkg/corerr"
	"agentcore/pkg/logx"
	"agentcore/pkg/persistence"
	"agentcore/pkg/proto"
)

const (
	// topicWindow is how many recent messages feed the rolling topic.
	topicWindow = 10
	// maxTopicTerms bounds the number of terms kept in a topic.
	maxTopicTerms = 3
)

// Manager owns conversation identity, ordering and lifecycle.
type Manager struct {
	db     *persistence.DB
	logger *logx.Logger
	now    func() time.Time
}

// NewManager creates a Manager over db.
func NewManager(db *persistence.DB) *Manager {
	return &Manager{
		db:     db,
		logger: logx.NewLogger("conversation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func persistErr(op string, err error, detail string) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return corerr.Wrap(corerr.KindNotFound, op, err, detail)
	}
	var ce *corerr.Error
	if errors.As(err, &ce) {
		return err
	}
	return corerr.Wrap(corerr.KindPersistence, op, err, detail)
}

// Create starts an active conversation with the given participants.
func (m *Manager) Create(ctx context.Context, participants []string, topic string) (*persistence.Conversation, error) {
	var conv *persistence.Conversation
	err := m.db.WithTx(ctx, func(ops *persistence.Ops) error {
		var err error
		conv, err = m.create(ctx, ops, participants, topic)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("💬 Conversation %s created with %s", conv.ID, strings.Join(participants, ", "))
	return conv, nil
}

func (m *Manager) create(ctx context.Context, ops *persistence.Ops, participants []string, topic string) (*persistence.Conversation, error) {
	members := unique(participants)
	if len(members) == 0 {
		return nil, corerr.New(corerr.KindValidation, "conversation.create", "at least one participant is required")
	}

	now := m.now()
	conv := &persistence.Conversation{
		ID:        uuid.New().String(),
		Status:    persistence.ConversationActive,
		Topic:     topic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ops.InsertConversation(ctx, conv); err != nil {
		return nil, persistErr("conversation.create", err, "insert conversation")
	}
	for _, p := range members {
		if err := ops.AddParticipant(ctx, conv.ID, p, now); err != nil {
			return nil, persistErr("conversation.create", err, "add participant "+p)
		}
	}
	return conv, nil
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ResolveConversation decides which conversation msg belongs to, creating one if needed.
// It runs inside the caller's transaction.
func (m *Manager) ResolveConversation(ctx context.Context, ops *persistence.Ops, msg *proto.Message) (string, error) {
	const op = "conversation.resolve"

	if msg.ConversationID != "" {
		if _, err := ops.GetConversation(ctx, msg.ConversationID); err != nil {
			return "", persistErr(op, err, fmt.Sprintf("conversation %s does not exist", msg.ConversationID))
		}
		if err := m.authorize(ctx, ops, msg); err != nil {
			return "", err
		}
		if msg.ParentMessageID != "" {
			parent, err := ops.GetMessage(ctx, msg.ParentMessageID)
			if err != nil {
				return "", persistErr(op, err, fmt.Sprintf("parent message %s does not exist", msg.ParentMessageID))
			}
			if parent.ConversationID != msg.ConversationID {
				return "", corerr.Newf(corerr.KindValidation, op,
					"message belongs to %s but its parent %s belongs to %s", msg.ConversationID, parent.ID, parent.ConversationID)
			}
		}
		return msg.ConversationID, nil
	}

	if msg.ParentMessageID != "" {
		parent, err := ops.GetMessage(ctx, msg.ParentMessageID)
		if err != nil {
			return "", persistErr(op, err, fmt.Sprintf("parent message %s does not exist", msg.ParentMessageID))
		}
		return parent.ConversationID, nil
	}

	conv, err := m.create(ctx, ops, []string{msg.Sender, msg.Receiver}, "")
	if err != nil {
		return "", err
	}
	logx.Debug(ctx, "conversation", "opened %s for %s -> %s", conv.ID, msg.Sender, msg.Receiver)
	return conv.ID, nil
}

// authorize requires sender and receiver to be active participants.
func (m *Manager) authorize(ctx context.Context, ops *persistence.Ops, msg *proto.Message) error {
	parts, err := ops.Participants(ctx, msg.ConversationID)
	if err != nil {
		return persistErr("conversation.authorize", err, msg.ConversationID)
	}
	active := make(map[string]bool, len(parts))
	for _, p := range parts {
		active[p.WorkerID] = p.Active
	}
	for _, id := range []string{msg.Sender, msg.Receiver} {
		if !active[id] {
			return corerr.Newf(corerr.KindAuthorization, "conversation.authorize",
				"%s is not an active participant of %s", id, msg.ConversationID)
		}
	}
	return nil
}

// Append persists msg at the end of the conversation and recomputes derived fields.
// Closed conversations reject messages with NotFound. A paused conversation is reactivated.
func (m *Manager) Append(ctx context.Context, ops *persistence.Ops, conversationID string, msg *proto.Message) (int64, error) {
	const op = "conversation.append"

	conv, err := ops.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, persistErr(op, err, fmt.Sprintf("conversation %s does not exist", conversationID))
	}
	if conv.Status == persistence.ConversationClosed {
		return 0, corerr.Newf(corerr.KindNotFound, op, "conversation %s is closed", conversationID)
	}
	if msg.ConversationID != conversationID {
		return 0, corerr.Newf(corerr.KindValidation, op, "message %s is addressed to conversation %q", msg.ID, msg.ConversationID)
	}

	seq := conv.NextSeq
	if err := ops.InsertMessage(ctx, msg, seq); err != nil {
		return 0, persistErr(op, err, "insert message "+msg.ID)
	}

	now := m.now()
	for _, p := range unique([]string{msg.Sender, msg.Receiver}) {
		if err := ops.AddParticipant(ctx, conversationID, p, now); err != nil {
			return 0, persistErr(op, err, "record participant "+p)
		}
	}

	recent, err := ops.ConversationMessages(ctx, conversationID, topicWindow)
	if err != nil {
		return 0, persistErr(op, err, "load recent messages")
	}
	topic := RollingTopic(recent, conv.Topic)

	if err := ops.AdvanceConversation(ctx, conversationID, persistence.ConversationActive, topic, seq+1, now); err != nil {
		return 0, persistErr(op, err, "advance conversation")
	}
	if conv.Status == persistence.ConversationPaused {
		m.logger.Info("▶️  Conversation %s resumed by message %s", conversationID, msg.ID)
	}
	return seq, nil
}

// RollingTopic derives a topic from the most recent messages, newest terms first.
// Terms come from REQUEST actions and ALERT descriptions. With no terms, fallback is kept.
func RollingTopic(recent []*proto.Message, fallback string) string {
	var terms []string
	seen := make(map[string]bool)
	for i := len(recent) - 1; i >= 0 && len(terms) < maxTopicTerms; i-- {
		var term string
		switch recent[i].Type {
		case proto.MsgTypeREQUEST:
			term, _ = recent[i].Content[proto.KeyAction].(string)
		case proto.MsgTypeALERT:
			term, _ = recent[i].Content[proto.KeyDescription].(string)
		}
		term = strings.TrimSpace(term)
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		terms = append(terms, term)
	}
	if len(terms) == 0 {
		return fallback
	}
	return strings.Join(terms, ", ")
}

// Thread returns the ancestor chain of messageID, root first.
func (m *Manager) Thread(ctx context.Context, messageID string) ([]*proto.Message, error) {
	const op = "conversation.thread"
	ops := m.db.Reads()

	msg, err := ops.GetMessage(ctx, messageID)
	if err != nil {
		return nil, persistErr(op, err, fmt.Sprintf("message %s does not exist", messageID))
	}

	chain := []*proto.Message{msg}
	visited := map[string]bool{msg.ID: true}
	for msg.ParentMessageID != "" {
		parentID := msg.ParentMessageID
		if visited[parentID] {
			err := corerr.Newf(corerr.KindBrokenThread, op, "cycle at message %s in thread of %s", parentID, messageID)
			m.logger.Error("🚨 %v", err)
			return nil, err
		}
		parent, err := ops.GetMessage(ctx, parentID)
		if errors.Is(err, persistence.ErrNotFound) {
			broken := corerr.Wrap(corerr.KindBrokenThread, op, err,
				fmt.Sprintf("message %s references missing parent %s", msg.ID, parentID))
			m.logger.Error("🚨 %v", broken)
			return nil, broken
		}
		if err != nil {
			return nil, persistErr(op, err, "load parent "+parentID)
		}
		visited[parentID] = true
		chain = append(chain, parent)
		msg = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// History returns the newest limit messages, oldest first. limit <= 0 returns all.
func (m *Manager) History(ctx context.Context, conversationID string, limit int) ([]*proto.Message, error) {
	const op = "conversation.history"
	ops := m.db.Reads()
	if _, err := ops.GetConversation(ctx, conversationID); err != nil {
		return nil, persistErr(op, err, fmt.Sprintf("conversation %s does not exist", conversationID))
	}
	msgs, err := ops.ConversationMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, persistErr(op, err, "load history")
	}
	return msgs, nil
}

// Get loads a conversation.
func (m *Manager) Get(ctx context.Context, conversationID string) (*persistence.Conversation, error) {
	conv, err := m.db.Reads().GetConversation(ctx, conversationID)
	if err != nil {
		return nil, persistErr("conversation.get", err, fmt.Sprintf("conversation %s does not exist", conversationID))
	}
	return conv, nil
}

// List returns conversations with the given status, or all when status is empty.
func (m *Manager) List(ctx context.Context, status string) ([]*persistence.Conversation, error) {
	convs, err := m.db.Reads().ListConversations(ctx, status)
	if err != nil {
		return nil, persistErr("conversation.list", err, status)
	}
	return convs, nil
}

// Participants returns every recorded participant, active or not.
func (m *Manager) Participants(ctx context.Context, conversationID string) ([]persistence.Participant, error) {
	if _, err := m.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	parts, err := m.db.Reads().Participants(ctx, conversationID)
	if err != nil {
		return nil, persistErr("conversation.participants", err, conversationID)
	}
	return parts, nil
}

// DeactivateParticipant keeps the participant on record but revokes its membership.
func (m *Manager) DeactivateParticipant(ctx context.Context, conversationID, workerID string) error {
	if err := m.db.Ops().SetParticipantActive(ctx, conversationID, workerID, false); err != nil {
		return persistErr("conversation.deactivate", err, fmt.Sprintf("%s in %s", workerID, conversationID))
	}
	return nil
}

// Pause suspends an active conversation.
func (m *Manager) Pause(ctx context.Context, conversationID string) error {
	return m.transition(ctx, conversationID, persistence.ConversationPaused, persistence.ConversationActive)
}

// Close ends a conversation. Later appends fail with NotFound.
func (m *Manager) Close(ctx context.Context, conversationID string) error {
	return m.transition(ctx, conversationID, persistence.ConversationClosed,
		persistence.ConversationActive, persistence.ConversationPaused)
}

// Reopen reactivates a paused or closed conversation.
func (m *Manager) Reopen(ctx context.Context, conversationID string) error {
	return m.transition(ctx, conversationID, persistence.ConversationActive,
		persistence.ConversationPaused, persistence.ConversationClosed)
}

func (m *Manager) transition(ctx context.Context, conversationID, to string, from ...string) error {
	op := "conversation." + to
	return m.db.WithTx(ctx, func(ops *persistence.Ops) error {
		conv, err := ops.GetConversation(ctx, conversationID)
		if err != nil {
			return persistErr(op, err, fmt.Sprintf("conversation %s does not exist", conversationID))
		}
		allowed := false
		for _, f := range from {
			if conv.Status == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return corerr.Newf(corerr.KindValidation, op, "cannot move conversation %s from %s to %s", conversationID, conv.Status, to)
		}
		if err := ops.SetConversationStatus(ctx, conversationID, to, m.now()); err != nil {
			return persistErr(op, err, conversationID)
		}
		m.logger.Info("💬 Conversation %s: %s → %s", conversationID, conv.Status, to)
		return nil
	})
}
