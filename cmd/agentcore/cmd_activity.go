package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentcore/pkg/activity"
	"agentcore/pkg/persistence"
)

// newActivityCmd creates the "agentcore activity" command group.
func newActivityCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Query the activity log",
	}
	cmd.AddCommand(newActivityListCmd(opts), newActivityPerfCmd(opts))
	return cmd
}

func writeRecords(out io.Writer, recs []*activity.Record) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No activity.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tWORKER\tCATEGORY\tOUTCOME\tMESSAGE\tDESCRIPTION")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.RFC3339), r.WorkerID, r.Category, r.Outcome, r.MessageID, truncate(r.Description, 60))
	}
	return w.Flush()
}

func newActivityListCmd(opts *rootOptions) *cobra.Command {
	var (
		filter persistence.ActivityFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List activity records in append order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if since > 0 {
				filter.Since = time.Now().UTC().Add(-since)
			}
			recs, err := a.activity.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), recs)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&filter.WorkerID, "worker", "w", "", "worker id")
	flags.StringVar(&filter.ConversationID, "conversation", "", "conversation id")
	flags.StringVar(&filter.MessageID, "message", "", "message id")
	flags.StringVar(&filter.Category, "category", "", "THINKING, COMMUNICATION, DECISION, ERROR, ...")
	flags.DurationVar(&since, "since", 0, "only records newer than this")
	flags.IntVarP(&filter.Limit, "limit", "n", 100, "maximum number of records")
	return cmd
}

func newActivityPerfCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "perf <worker>",
		Short: "Summarize a worker's activity and reasoning latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			perf, err := a.activity.Performance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(perf)
			}

			fmt.Fprintln(out, perf.String())
			categories := make([]string, 0, len(perf.Counts))
			for c := range perf.Counts {
				categories = append(categories, c)
			}
			sort.Strings(categories)
			for _, c := range categories {
				fmt.Fprintf(out, "  %-13s", c)
				outcomes := make([]string, 0, len(perf.Counts[c]))
				for o := range perf.Counts[c] {
					outcomes = append(outcomes, o)
				}
				sort.Strings(outcomes)
				for _, o := range outcomes {
					fmt.Fprintf(out, " %s=%d", o, perf.Counts[c][o])
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
