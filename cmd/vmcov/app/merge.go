package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/vmcov/internal/hitmap"
	"github.com/zjy-dev/vmcov/internal/logging"
)

// NewMergeCommand creates the "merge" subcommand.
func NewMergeCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "merge <coverage.json>...",
		Short: "Merge coverage JSON files from multiple runs.",
		Long: `Merge coverage JSON files into one, adding hit counts line-wise.

Examples:
  vmcov merge run1.json run2.json --out combined.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(args, out)
		},
	}

	cmd.Flags().StringVar(&out, "out", "coverage.json", "Output path for merged coverage JSON")

	return cmd
}

func runMerge(paths []string, out string) error {
	merged := make(hitmap.Set)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		cov, err := hitmap.FromJSON(data, hitmap.ParseOptions{})
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := hitmap.Merge(merged, cov); err != nil {
			return err
		}
	}

	data, err := hitmap.ToJSON(merged)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	logging.Infof("merged %d files into %s", len(paths), out)
	return nil
}
