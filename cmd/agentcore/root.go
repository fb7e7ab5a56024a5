package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agentcore/pkg/logx"
	"agentcore/pkg/version"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	dbPath     string
	eventsDir  string
	debug      bool
}

// newRootCmd creates the root agentcore command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agentcore",
		Short:         "Message-driven multi-worker runtime",
		Long:          color.CyanString("agentcore") + " routes typed messages between workers, persists conversations and activity,\nand keeps a semantic memory the workers reason over.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.debug {
				logx.SetDebug(true)
			}
		},
	}
	cmd.SetVersionTemplate("agentcore {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (JSON or YAML); environment only when empty")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides storage.db_path)")
	flags.StringVar(&opts.eventsDir, "events", "", "event log directory (overrides storage.event_log_dir)")
	flags.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newWorkerCmd(opts),
		newSendCmd(opts),
		newBroadcastCmd(opts),
		newConversationCmd(opts),
		newMemoryCmd(opts),
		newActivityCmd(opts),
		newSecretsCmd(opts),
		newMetricsCmd(opts),
		newRunCmd(opts),
	)
	return cmd
}
