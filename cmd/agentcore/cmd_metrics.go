package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentcore/pkg/corerr"
	"agentcore/pkg/metrics"
)

// newMetricsCmd creates the "agentcore metrics" command group. It reads from the
// Prometheus server that scrapes the runtime's /metrics endpoint.
func newMetricsCmd(opts *rootOptions) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Query runtime metrics from Prometheus",
	}
	cmd.PersistentFlags().StringVar(&url, "prometheus", "", "Prometheus URL (overrides metrics.prometheus_url)")

	service := func() (*metrics.QueryService, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		if url == "" {
			url = cfg.Metrics.PrometheusURL
		}
		qs, err := metrics.NewQueryService(url, cfg.Metrics.Namespace)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindValidation, "metrics", err, "invalid Prometheus URL")
		}
		return qs, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "summary",
			Short: "Print message, alert and failure totals",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				qs, err := service()
				if err != nil {
					return err
				}
				s, err := qs.GetSummary(cmd.Context())
				if err != nil {
					return corerr.Wrap(corerr.KindDelivery, "metrics.summary", err, "query failed")
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "messages sent:        %.0f\n", s.MessagesSent)
				fmt.Fprintf(out, "messages delivered:   %.0f\n", s.MessagesDelivered)
				fmt.Fprintf(out, "messages undelivered: %.0f\n", s.MessagesUndelivered)
				fmt.Fprintf(out, "alerts raised:        %.0f\n", s.AlertsRaised)
				fmt.Fprintf(out, "worker failures:      %.0f\n", s.WorkerFailures)
				return nil
			},
		},
		newMetricsLatencyCmd(service),
		&cobra.Command{
			Use:   "query <promql>",
			Short: "Run an instant PromQL query",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				qs, err := service()
				if err != nil {
					return err
				}
				samples, err := qs.Query(cmd.Context(), strings.Join(args, " "))
				if err != nil {
					return corerr.Wrap(corerr.KindDelivery, "metrics.query", err, "query failed")
				}
				for _, s := range samples {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %g\n", formatLabels(s.Labels), s.Value)
				}
				return nil
			},
		},
	)
	return cmd
}

func newMetricsLatencyCmd(service func() (*metrics.QueryService, error)) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "latency",
		Short: "Print p95 reasoning latency per worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			qs, err := service()
			if err != nil {
				return err
			}
			latency, err := qs.GetThinkLatency(cmd.Context(), window)
			if err != nil {
				return corerr.Wrap(corerr.KindDelivery, "metrics.latency", err, "query failed")
			}
			ids := make([]string, 0, len(latency))
			for id := range latency {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.3fs\n", id, latency[id])
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 5*time.Minute, "rate window")
	return cmd
}

// formatLabels renders labels as {k="v",...} in key order.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
