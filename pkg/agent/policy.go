package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentcore/pkg/corerr"
	"agentcore/pkg/llm"
	"agentcore/pkg/memory"
	"agentcore/pkg/proto"
)

// Intent is one outbound message a decision asks the worker to send.
type Intent struct {
	Content  proto.Content     `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Type     proto.MsgType     `json:"type"`
	// Receiver defaults to the sender of the triggering message.
	Receiver string `json:"receiver,omitempty"`
	// Reply threads the message under the triggering message.
	Reply bool `json:"reply,omitempty"`
}

// Note is a memory item a decision asks the worker to store.
type Note struct {
	Metadata   map[string]string `json:"metadata,omitempty"`
	Text       string            `json:"text"`
	Tags       []string          `json:"tags,omitempty"`
	Importance float64           `json:"importance,omitempty"`
}

// Decision is the structured result of a think step.
type Decision struct {
	Content      string   `json:"content"`
	Chosen       string   `json:"chosen"`
	Alternatives []string `json:"alternatives,omitempty"`
	Intents      []Intent `json:"intents,omitempty"`
	Memorize     []Note   `json:"memorize,omitempty"`
}

// Input is what a policy sees for one message.
type Input struct {
	Message  *proto.Message
	WorkerID string
	Memories []memory.Scored
	History  []*proto.Message
}

// Policy is the pluggable reasoning strategy of a worker. Personas differ only by policy
// and capabilities; the execution loop is shared.
type Policy interface {
	Name() string
	BuildPrompt(in *Input) (string, llm.Options)
	ParseDecision(in *Input, output string) (*Decision, error)
}

// renderContext writes the shared prompt body: memory, recent history, then the message.
func renderContext(b *strings.Builder, in *Input) {
	if len(in.Memories) > 0 {
		b.WriteString("## Relevant memory\n")
		for _, m := range in.Memories {
			fmt.Fprintf(b, "- (%.2f) %s\n", m.Score, m.Item.Text)
		}
		b.WriteString("\n")
	}
	if len(in.History) > 0 {
		b.WriteString("## Conversation so far\n")
		for _, m := range in.History {
			if m.ID == in.Message.ID {
				continue
			}
			fmt.Fprintf(b, "- %s → %s [%s]: %s\n", m.Sender, m.Receiver, m.Type, m.Text())
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "## Incoming %s from %s\n%s\n", in.Message.Type, in.Message.Sender, in.Message.Text())
}

// EchoPolicy answers a REQUEST with an INFORM carrying the completion, and a PROPOSE with
// an accepting CONFIRM. Other message types are acknowledged without a reply.
type EchoPolicy struct{}

// Name implements Policy.
func (EchoPolicy) Name() string { return "echo" }

// BuildPrompt implements Policy.
func (EchoPolicy) BuildPrompt(in *Input) (string, llm.Options) {
	var b strings.Builder
	renderContext(&b, in)
	b.WriteString("\nRespond to the incoming message in plain text.\n")
	return b.String(), llm.Options{
		System: fmt.Sprintf("You are worker %s. Answer concisely using the memory and conversation provided.", in.WorkerID),
	}
}

// ParseDecision implements Policy.
func (EchoPolicy) ParseDecision(in *Input, output string) (*Decision, error) {
	text := strings.TrimSpace(output)
	switch in.Message.Type {
	case proto.MsgTypeREQUEST:
		if text == "" {
			return nil, corerr.New(corerr.KindReasoning, "policy.echo", "empty completion")
		}
		return &Decision{
			Content:      text,
			Chosen:       "inform",
			Alternatives: []string{"ignore"},
			Intents: []Intent{{
				Type:    proto.MsgTypeINFORM,
				Content: proto.Content{proto.KeyResult: text},
				Reply:   true,
			}},
		}, nil
	case proto.MsgTypePROPOSE:
		return &Decision{
			Content:      text,
			Chosen:       "accept",
			Alternatives: []string{"reject"},
			Intents: []Intent{{
				Type:    proto.MsgTypeCONFIRM,
				Content: proto.Content{proto.KeyAccepted: true, proto.KeyReason: text},
				Reply:   true,
			}},
		}, nil
	default:
		return &Decision{Content: text, Chosen: "acknowledge"}, nil
	}
}

// JSONPolicy expects the reasoner to answer with a JSON decision object.
type JSONPolicy struct {
	// Instructions are prepended to the system prompt.
	Instructions string
}

const jsonDecisionSchema = `Reply with a single JSON object and nothing else:
{"content": string, "chosen": string, "alternatives": [string],
 "intents": [{"type": "REQUEST|INFORM|PROPOSE|CONFIRM|ALERT", "receiver": string, "reply": bool, "content": object}],
 "memorize": [{"text": string, "tags": [string], "importance": number}]}
Omit receiver to answer the sender. Set reply to keep the answer in the same thread.`

// Name implements Policy.
func (JSONPolicy) Name() string { return "json" }

// BuildPrompt implements Policy.
func (p JSONPolicy) BuildPrompt(in *Input) (string, llm.Options) {
	var b strings.Builder
	renderContext(&b, in)
	system := fmt.Sprintf("You are worker %s.\n%s", in.WorkerID, jsonDecisionSchema)
	if p.Instructions != "" {
		system = p.Instructions + "\n\n" + system
	}
	return b.String(), llm.Options{System: system}
}

// ParseDecision implements Policy. Malformed output is a Reasoning error so the worker retries.
func (JSONPolicy) ParseDecision(_ *Input, output string) (*Decision, error) {
	const op = "policy.json"
	raw := extractJSONObject(output)
	if raw == "" {
		return nil, corerr.New(corerr.KindReasoning, op, "completion contains no JSON object")
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, corerr.Wrap(corerr.KindReasoning, op, err, "malformed decision")
	}
	for i := range d.Intents {
		t, err := proto.ParseMsgType(string(d.Intents[i].Type))
		if err != nil {
			return nil, corerr.Wrap(corerr.KindReasoning, op, err, fmt.Sprintf("intent %d", i))
		}
		d.Intents[i].Type = t
		if d.Intents[i].Content == nil {
			d.Intents[i].Content = proto.Content{}
		}
	}
	return &d, nil
}

// extractJSONObject strips code fences and surrounding prose from a completion.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
