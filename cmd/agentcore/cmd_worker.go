package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentcore/pkg/registry"
)

// newWorkerCmd creates the "agentcore worker" command group.
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Register and inspect workers",
	}
	cmd.AddCommand(
		newWorkerCreateCmd(opts),
		newWorkerListCmd(opts),
		newWorkerStatusCmd(opts),
		newWorkerRemoveCmd(opts),
	)
	return cmd
}

func newWorkerCreateCmd(opts *rootOptions) *cobra.Command {
	var spec registry.Spec
	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Register a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			spec.Type = args[0]
			w, err := a.registry.Register(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), w.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&spec.ID, "id", "", "worker id (generated when empty)")
	cmd.Flags().StringVar(&spec.Name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringSliceVar(&spec.Capabilities, "capability", nil, "capability tag, repeatable")
	return cmd
}

func newWorkerListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workers, removed ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()

			workers, err := a.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workers registered.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tNAME\tSTATUS\tCAPABILITIES")
			for _, wk := range workers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", wk.ID, wk.Type, wk.Name, wk.Status, strings.Join(wk.Capabilities, ","))
			}
			return w.Flush()
		},
	}
}

func newWorkerStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <active|busy|inactive|error>",
		Short: "Set a worker's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.registry.SetStatus(cmd.Context(), args[0], args[1])
		},
	}
}

func newWorkerRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Mark a worker inactive; it stops receiving messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.registry.Remove(cmd.Context(), args[0])
		},
	}
}
