package app

import (
	"github.com/spf13/cobra"

	"github.com/zjy-dev/vmcov/internal/logging"
)

// NewVmcovCommand creates the root command for the vmcov tool.
func NewVmcovCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "vmcov",
		Short: "Collect and report line coverage from a running VM service.",
		Long: `Vmcov drives a VM service over its WebSocket RPC surface to collect
line, function, and branch coverage from every live isolate group, and
normalizes the result into a canonical per-file hit map.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(logLevel)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")

	cmd.AddCommand(NewCollectCommand())
	cmd.AddCommand(NewReportCommand())
	cmd.AddCommand(NewMergeCommand())

	return cmd
}
