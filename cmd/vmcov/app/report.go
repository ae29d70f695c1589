package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/vmcov/internal/config"
	"github.com/zjy-dev/vmcov/internal/format"
	"github.com/zjy-dev/vmcov/internal/hitmap"
	"github.com/zjy-dev/vmcov/internal/resolve"
)

// NewReportCommand creates the "report" subcommand.
func NewReportCommand() *cobra.Command {
	var (
		packageConfig string
		basePath      string
		reportOn      []string
		pretty        bool
		reportFuncs   bool
		out           string
	)

	cmd := &cobra.Command{
		Use:   "report <coverage.json>",
		Short: "Format coverage JSON as LCOV or annotated source.",
		Long: `Format a coverage JSON file as an LCOV report or, with --pretty, as
annotated source listings. Source URIs resolve through the package config;
unresolvable files are dropped.

Examples:
  # LCOV to stdout
  vmcov report coverage.json

  # Annotated source listings
  vmcov report --pretty coverage.json

  # LCOV with absolute paths relativized against the current directory
  vmcov report --base-path "$PWD" coverage.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if !cmd.Flags().Changed("package-config") {
				packageConfig = cfg.Report.PackageConfig
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Report.BasePath
			}
			if !cmd.Flags().Changed("report-on") {
				reportOn = cfg.Report.ReportOn
			}
			if !cmd.Flags().Changed("pretty") {
				pretty = cfg.Report.Pretty
			}
			if !cmd.Flags().Changed("report-funcs") {
				reportFuncs = cfg.Report.ReportFuncs
			}

			return runReport(args[0], packageConfig, basePath, reportOn, pretty, reportFuncs, out)
		},
	}

	cmd.Flags().StringVar(&packageConfig, "package-config", "", "Path to package_config.json for URI resolution")
	cmd.Flags().StringVar(&basePath, "base-path", "", "Relativize resolved LCOV paths against this directory")
	cmd.Flags().StringArrayVar(&reportOn, "report-on", nil, "Keep only files under this path prefix (repeatable)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Print annotated source instead of LCOV")
	cmd.Flags().BoolVar(&reportFuncs, "report-funcs", false, "Annotate function declaration lines (requires function coverage)")
	cmd.Flags().StringVar(&out, "out", "", "Output path (default stdout)")

	return cmd
}

func runReport(coveragePath, packageConfig, basePath string, reportOn []string, pretty, reportFuncs bool, out string) error {
	resolver, err := resolve.NewResolver(packageConfig)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(coveragePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", coveragePath, err)
	}
	cov, err := hitmap.FromJSON(data, hitmap.ParseOptions{
		LoadLines: resolve.LoadLines,
		Resolve:   resolver.Resolve,
	})
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	color := format.ColorEnabled(os.Stdout)
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out, err)
		}
		defer f.Close()
		w = f
		color = false
	}

	opts := format.Options{
		LoadLines:   resolve.LoadLines,
		ReportOn:    reportOn,
		BasePath:    basePath,
		ReportFuncs: reportFuncs,
		Color:       color,
	}
	if pretty {
		return format.WritePretty(w, cov, opts)
	}
	return format.WriteLCOV(w, cov, opts)
}
