package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/corerr"
)

func TestCreateValidMessages(t *testing.T) {
	tests := []struct {
		name     string
		msgType  MsgType
		sender   string
		receiver string
		content  Content
	}{
		{"request", MsgTypeREQUEST, "a", "b", Content{KeyAction: "summarize", KeyParameters: map[string]any{"doc": "x"}}},
		{"request without parameters", MsgTypeREQUEST, "a", "b", Content{KeyAction: "ping"}},
		{"inform", MsgTypeINFORM, "b", "a", Content{KeyResult: "done"}},
		{"inform structured", MsgTypeINFORM, "b", "a", Content{KeyResult: map[string]any{"score": 3}}},
		{"propose", MsgTypePROPOSE, "a", "b", Content{KeyPlan: []any{"step 1", "step 2"}}},
		{"confirm", MsgTypeCONFIRM, "b", "a", Content{KeyAccepted: false, KeyReason: "out of scope"}},
		{"alert", MsgTypeALERT, "a", "supervisor", Content{KeySeverity: "critical", KeyDescription: "worker failed"}},
		{"self alert", MsgTypeALERT, "a", "a", Content{KeySeverity: "info", KeyDescription: "note to self"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Create(tt.msgType, tt.sender, tt.receiver, tt.content)
			require.NoError(t, err)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, tt.msgType, m.Type)
			assert.False(t, m.Timestamp.IsZero())
			assert.NotNil(t, m.Metadata)
		})
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		msgType  MsgType
		sender   string
		receiver string
		content  Content
	}{
		{"request without action", MsgTypeREQUEST, "a", "b", Content{KeyParameters: map[string]any{}}},
		{"request blank action", MsgTypeREQUEST, "a", "b", Content{KeyAction: "  "}},
		{"request parameters not object", MsgTypeREQUEST, "a", "b", Content{KeyAction: "x", KeyParameters: "doc"}},
		{"self request", MsgTypeREQUEST, "a", "a", Content{KeyAction: "x"}},
		{"self inform", MsgTypeINFORM, "a", "a", Content{KeyResult: 1}},
		{"inform without result", MsgTypeINFORM, "a", "b", Content{"other": 1}},
		{"propose without plan", MsgTypePROPOSE, "a", "b", Content{}},
		{"confirm non-bool", MsgTypeCONFIRM, "a", "b", Content{KeyAccepted: "yes"}},
		{"alert bad severity", MsgTypeALERT, "a", "b", Content{KeySeverity: "meh", KeyDescription: "x"}},
		{"alert no description", MsgTypeALERT, "a", "b", Content{KeySeverity: "error"}},
		{"unknown type", MsgType("GOSSIP"), "a", "b", Content{}},
		{"missing sender", MsgTypeINFORM, "", "b", Content{KeyResult: 1}},
		{"nil content", MsgTypeINFORM, "a", "b", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create(tt.msgType, tt.sender, tt.receiver, tt.content)
			require.Error(t, err)
			assert.True(t, corerr.IsKind(err, corerr.KindValidation), "got %v", err)
		})
	}
}

func TestCreateUnserializableContent(t *testing.T) {
	_, err := Create(MsgTypeINFORM, "a", "b", Content{KeyResult: make(chan int)})
	require.Error(t, err)
	assert.True(t, corerr.IsKind(err, corerr.KindValidation))
}

func TestOptionsAndReply(t *testing.T) {
	req, err := NewRequest("a", "b", "summarize", map[string]any{"doc": "x"},
		WithConversation("c-1"), WithMetadata(KeyCorrelationID, "corr"))
	require.NoError(t, err)
	assert.Equal(t, "c-1", req.ConversationID)
	v, ok := req.GetMetadata(KeyCorrelationID)
	assert.True(t, ok)
	assert.Equal(t, "corr", v)

	reply, err := Reply(req, MsgTypeINFORM, Content{KeyResult: "summary"})
	require.NoError(t, err)
	assert.Equal(t, "b", reply.Sender)
	assert.Equal(t, "a", reply.Receiver)
	assert.Equal(t, req.ID, reply.ParentMessageID)
	assert.Equal(t, "c-1", reply.ConversationID)
}

func TestContentIsNormalized(t *testing.T) {
	m, err := NewInform("a", "b", map[string]int{"count": 2})
	require.NoError(t, err)
	result, ok := m.Content[KeyResult].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 2.0, result["count"], 0)
}

func TestParseMsgType(t *testing.T) {
	typ, err := ParseMsgType(" inform ")
	require.NoError(t, err)
	assert.Equal(t, MsgTypeINFORM, typ)

	_, err = ParseMsgType("chat")
	assert.True(t, corerr.IsKind(err, corerr.KindValidation))
}

func TestCloneIsDeep(t *testing.T) {
	m, err := NewRequest("a", "b", "x", map[string]any{"k": "v"}, WithMetadata("m", "1"))
	require.NoError(t, err)
	m.Embedding = []float32{1, 2}

	c := m.Clone()
	c.Metadata["m"] = "2"
	c.Content[KeyParameters].(map[string]any)["k"] = "changed"
	c.Embedding[0] = 9

	assert.Equal(t, "1", m.Metadata["m"])
	assert.Equal(t, "v", m.Content[KeyParameters].(map[string]any)["k"])
	assert.Equal(t, float32(1), m.Embedding[0])
}

func TestText(t *testing.T) {
	req, _ := NewRequest("a", "b", "summarize", map[string]any{"doc": "x"})
	assert.Equal(t, `summarize {"doc":"x"}`, req.Text())

	inf, _ := NewInform("b", "a", "short summary")
	assert.Equal(t, "short summary", inf.Text())

	alert, _ := NewAlert("a", "s", SeverityError, "boom", nil)
	assert.Equal(t, "[error] boom", alert.Text())

	conf, _ := Create(MsgTypeCONFIRM, "a", "b", Content{KeyAccepted: true})
	assert.Equal(t, `{"accepted":true}`, conf.Text())
	accepted, ok := conf.Accepted()
	assert.True(t, ok)
	assert.True(t, accepted)
}
