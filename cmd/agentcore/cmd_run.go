package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"agentcore/pkg/agent"
	"agentcore/pkg/corerr"
)

const shutdownTimeout = 10 * time.Second

// policyByName resolves the --policy flag.
func policyByName(name, instructions string) (agent.Policy, error) {
	switch name {
	case "", "echo":
		return agent.EchoPolicy{}, nil
	case "json":
		return agent.JSONPolicy{Instructions: instructions}, nil
	}
	return nil, corerr.Newf(corerr.KindValidation, "run", "unknown policy %q (echo, json)", name)
}

// newRunCmd creates the "agentcore run" subcommand: router, workers and metrics endpoint
// until interrupted.
func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		ro           runtimeOptions
		policy       string
		instructions string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the router and the registered workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := policyByName(policy, instructions)
			if err != nil {
				return err
			}
			ro.policy = p

			ctx := cmd.Context()
			rt, err := startRuntime(ctx, opts, ro)
			if err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-rt.Stopped():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			rt.Shutdown(shutdownCtx)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&policy, "policy", "echo", "reasoning policy: echo or json")
	flags.StringVar(&instructions, "instructions", "", "extra system instructions for the json policy")
	flags.StringSliceVar(&ro.workerIDs, "worker", nil, "worker id to run, repeatable (all registered when empty)")
	flags.StringVar(&ro.metricsAddr, "metrics-addr", ":9464", "address of the Prometheus /metrics endpoint (empty disables)")
	flags.DurationVar(&ro.purgeInterval, "purge-interval", time.Minute, "how often expired memory is purged (0 disables)")
	return cmd
}
