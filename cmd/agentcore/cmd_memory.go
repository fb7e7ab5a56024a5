package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentcore/pkg/corerr"
	"agentcore/pkg/memory"
)

// newMemoryCmd creates the "agentcore memory" command group.
func newMemoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store and search the semantic memory",
	}
	cmd.AddCommand(
		newMemoryStoreCmd(opts),
		newMemorySearchCmd(opts),
		newMemoryPurgeCmd(opts),
	)
	return cmd
}

func newMemoryStoreCmd(opts *rootOptions) *cobra.Command {
	var (
		tags       []string
		meta       []string
		importance float64
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "store <text>",
		Short: "Embed and store a memory item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			store, release, err := a.memory(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer release()

			storeOpts := []memory.StoreOption{memory.WithImportance(importance)}
			if ttl > 0 {
				storeOpts = append(storeOpts, memory.WithTTL(ttl))
			}
			id, err := store.Store(cmd.Context(), strings.Join(args, " "), tags, metadata, storeOpts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag, repeatable")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value, repeatable")
	cmd.Flags().Float64Var(&importance, "importance", 0.5, "importance in [0,1]")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the item after this long")
	return cmd
}

// formatSearchResults renders scored items best first.
func formatSearchResults(results []memory.Scored) string {
	if len(results) == 0 {
		return "No memories found.\n"
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Item.Text)
		fmt.Fprintf(&b, "   id: %s | score: %.4f | tags: %s | created: %s\n",
			r.Item.ID, r.Score, strings.Join(r.Item.Tags, ","), r.Item.CreatedAt.Format(time.DateOnly))
	}
	return b.String()
}

func newMemorySearchCmd(opts *rootOptions) *cobra.Command {
	var q memory.Query
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memory by similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			store, release, err := a.memory(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer release()

			q.Text = strings.Join(args, " ")
			results, err := store.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatSearchResults(results))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&q.Tags, "tag", nil, "require every tag, repeatable")
	cmd.Flags().IntVarP(&q.K, "limit", "k", 0, "number of results (configured default when 0)")
	cmd.Flags().BoolVar(&q.IncludeSuperseded, "all", false, "include superseded items")
	return cmd
}

func newMemoryPurgeCmd(opts *rootOptions) *cobra.Command {
	var expired bool
	cmd := &cobra.Command{
		Use:   "purge [id...]",
		Short: "Delete memory items by id, or every expired item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if expired == (len(args) > 0) {
				return corerr.New(corerr.KindValidation, "memory.purge", "give item ids or --expired, not both")
			}
			a, err := opts.open()
			if err != nil {
				return err
			}
			defer a.Close()
			store, release, err := a.memory(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer release()

			var n int64
			if expired {
				n, err = store.PurgeExpired(cmd.Context())
			} else {
				n, err = store.Purge(cmd.Context(), args...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d item(s).\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&expired, "expired", false, "purge every item whose TTL has passed")
	return cmd
}
