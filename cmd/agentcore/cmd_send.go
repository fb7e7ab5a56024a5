package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agentcore/pkg/corerr"
	"agentcore/pkg/dispatch"
	"agentcore/pkg/proto"
)

// messageFlags describe one outbound message on the command line.
type messageFlags struct {
	from         string
	msgType      string
	content      string
	text         string
	action       string
	conversation string
	parent       string
	metadata     []string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.from, "from", "", "sender worker id")
	flags.StringVarP(&f.msgType, "type", "t", string(proto.MsgTypeINFORM), "REQUEST, INFORM, PROPOSE, CONFIRM or ALERT")
	flags.StringVar(&f.content, "content", "", "content as a JSON object")
	flags.StringVar(&f.text, "text", "", "shorthand: the result of an INFORM, the plan of a PROPOSE or the description of an ALERT")
	flags.StringVar(&f.action, "action", "", "action of a REQUEST")
	flags.StringVar(&f.conversation, "conversation", "", "conversation id")
	flags.StringVar(&f.parent, "parent", "", "parent message id")
	flags.StringArrayVar(&f.metadata, "meta", nil, "metadata key=value, repeatable")
	_ = cmd.MarkFlagRequired("from")
}

// build creates the message for receiver. Content given as JSON wins over the shorthands.
func (f *messageFlags) build(receiver string) (*proto.Message, error) {
	const op = "flags"
	t, err := proto.ParseMsgType(f.msgType)
	if err != nil {
		return nil, err
	}

	content := proto.Content{}
	if f.content != "" {
		if err := json.Unmarshal([]byte(f.content), &content); err != nil {
			return nil, corerr.Wrap(corerr.KindValidation, op, err, "--content must be a JSON object")
		}
	}
	if f.action != "" {
		content[proto.KeyAction] = f.action
	}
	if f.text != "" {
		switch t {
		case proto.MsgTypeINFORM:
			content[proto.KeyResult] = f.text
		case proto.MsgTypePROPOSE:
			content[proto.KeyPlan] = f.text
		case proto.MsgTypeALERT:
			content[proto.KeyDescription] = f.text
		default:
			content[proto.KeyReason] = f.text
		}
	}
	if t == proto.MsgTypeREQUEST {
		if _, ok := content[proto.KeyParameters]; !ok {
			content[proto.KeyParameters] = map[string]any{}
		}
	}
	if t == proto.MsgTypeALERT {
		if _, ok := content[proto.KeySeverity]; !ok {
			content[proto.KeySeverity] = string(proto.SeverityWarning)
		}
	}

	meta, err := parseMetadata(f.metadata)
	if err != nil {
		return nil, err
	}
	var msgOpts []proto.Option
	if f.parent != "" {
		msgOpts = append(msgOpts, proto.WithParent(f.parent))
	}
	if f.conversation != "" {
		msgOpts = append(msgOpts, proto.WithConversation(f.conversation))
	}
	for k, v := range meta {
		msgOpts = append(msgOpts, proto.WithMetadata(k, v))
	}
	return proto.Create(t, f.from, receiver, content, msgOpts...)
}

// newSendCmd creates the "agentcore send" subcommand.
func newSendCmd(opts *rootOptions) *cobra.Command {
	var f messageFlags
	cmd := &cobra.Command{
		Use:   "send <receiver>",
		Short: "Persist a message for delivery",
		Long:  "Validate and persist a message. It is delivered by a running 'agentcore run'; until then it stays pending.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := f.build(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.router.Send(cmd.Context(), m)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// formatOutcomes renders one line per broadcast recipient.
func formatOutcomes(outcomes []dispatch.Outcome) string {
	var b strings.Builder
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(&b, "%s\tfailed\t%s\n", o.Recipient, o.Error)
			continue
		}
		fmt.Fprintf(&b, "%s\tsent\t%s\n", o.Recipient, o.MessageID)
	}
	return b.String()
}

// newBroadcastCmd creates the "agentcore broadcast" subcommand.
func newBroadcastCmd(opts *rootOptions) *cobra.Command {
	var f messageFlags
	cmd := &cobra.Command{
		Use:   "broadcast <receiver>...",
		Short: "Send an independent copy of a message to each receiver",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, err := f.build(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			outcomes := a.router.Broadcast(cmd.Context(), template, args)
			fmt.Fprint(cmd.OutOrStdout(), formatOutcomes(outcomes))
			if n := countFailed(outcomes); n > 0 {
				return corerr.Newf(corerr.KindDelivery, "broadcast", "%d of %d sends failed", n, len(outcomes))
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func countFailed(outcomes []dispatch.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}
