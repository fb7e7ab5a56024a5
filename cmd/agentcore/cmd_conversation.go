package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentcore/pkg/proto"
)

// newConversationCmd creates the "agentcore conversation" command group.
func newConversationCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Inspect and manage conversations",
	}
	cmd.AddCommand(
		newConversationListCmd(opts),
		newConversationShowCmd(opts),
		newConversationHistoryCmd(opts),
		newConversationThreadCmd(opts),
		newConversationCloseCmd(opts),
	)
	return cmd
}

// writeMessages prints messages oldest first, one per line.
func writeMessages(out io.Writer, msgs []*proto.Message) error {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tID\tFROM\tTO\tTYPE\tPARENT\tTEXT")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Timestamp.Format(time.RFC3339), m.ID, m.Sender, m.Receiver, m.Type, m.ParentMessageID, truncate(m.Text(), 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func newConversationListCmd(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			convs, err := a.conversations.List(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tTOPIC")
			for _, c := range convs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Status, c.UpdatedAt.Format(time.RFC3339), truncate(c.Topic, 50))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, closed)")
	return cmd
}

func newConversationShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation and its participants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			c, err := a.conversations.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			participants, err := a.conversations.Participants(cmd.Context(), c.ID)
			if err != nil {
				return err
			}
			count, err := a.db.Reads().CountConversationMessages(cmd.Context(), c.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Conversation %s\n", c.ID)
			fmt.Fprintf(out, "  status:   %s\n", c.Status)
			fmt.Fprintf(out, "  topic:    %s\n", c.Topic)
			fmt.Fprintf(out, "  messages: %d\n", count)
			fmt.Fprintf(out, "  created:  %s\n", c.CreatedAt.Format(time.RFC3339))
			fmt.Fprintln(out, "  participants:")
			for _, p := range participants {
				state := "active"
				if !p.Active {
					state = "inactive"
				}
				fmt.Fprintf(out, "    %s (%s, joined %s)\n", p.WorkerID, state, p.JoinedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newConversationHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Print the most recent messages of a conversation in send order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.conversations.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return writeMessages(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of messages")
	return cmd
}

func newConversationThreadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thread <message-id>",
		Short: "Print the reply chain from the root down to a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.conversations.Thread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeMessages(cmd.OutOrStdout(), msgs)
		},
	}
}

func newConversationCloseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close a conversation; further messages are rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.conversations.Close(cmd.Context(), args[0])
		},
	}
}
