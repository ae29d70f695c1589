package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/vmcov/internal/collect"
	"github.com/zjy-dev/vmcov/internal/config"
	"github.com/zjy-dev/vmcov/internal/hitmap"
	"github.com/zjy-dev/vmcov/internal/logging"
)

// NewCollectCommand creates the "collect" subcommand.
func NewCollectCommand() *cobra.Command {
	var (
		serviceURI    string
		timeoutSecs   int
		scopedOutput  []string
		isolateIDs    []string
		waitPaused    bool
		resume        bool
		functionCov   bool
		branchCov     bool
		includeDart   bool
		lineCachePath string
		out           string
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect coverage from a running VM service.",
		Long: `Collect coverage from a running VM service and write it as coverage JSON.

This command:
  1. Connects to the service, retrying until the timeout elapses
  2. Optionally waits for every isolate to pause
  3. Fetches one source report per isolate group
  4. Optionally resumes the paused isolates
  5. Writes the merged hit map as coverage JSON

Configuration:
  Default values are loaded from vmcov.yaml under the 'collect' section.
  Command line flags override the config file values.

Examples:
  # Collect from the default service URI
  vmcov collect

  # Restrict output to two packages and save the coverable-line cache
  vmcov collect --scope app --scope shared --line-cache .vmcov_lines.json

  # Collect function coverage from a paused program, then resume it
  vmcov collect --wait-paused --resume --function-coverage`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if !cmd.Flags().Changed("uri") {
				serviceURI = cfg.Collect.ServiceURI
			}
			if !cmd.Flags().Changed("timeout") {
				timeoutSecs = cfg.Collect.TimeoutSeconds
			}
			if !cmd.Flags().Changed("scope") {
				scopedOutput = cfg.Collect.ScopedOutput
			}
			if !cmd.Flags().Changed("wait-paused") {
				waitPaused = cfg.Collect.WaitPaused
			}
			if !cmd.Flags().Changed("resume") {
				resume = cfg.Collect.Resume
			}
			if !cmd.Flags().Changed("function-coverage") {
				functionCov = cfg.Collect.FunctionCoverage
			}
			if !cmd.Flags().Changed("branch-coverage") {
				branchCov = cfg.Collect.BranchCoverage
			}
			if !cmd.Flags().Changed("include-dart") {
				includeDart = cfg.Collect.IncludeDart
			}
			if !cmd.Flags().Changed("line-cache") {
				lineCachePath = cfg.Collect.LineCachePath
			}
			if !cmd.Flags().Changed("out") {
				out = cfg.Collect.Out
			}

			return runCollect(serviceURI, time.Duration(timeoutSecs)*time.Second, collectParams{
				scopedOutput:  scopedOutput,
				isolateIDs:    isolateIDs,
				waitPaused:    waitPaused,
				resume:        resume,
				functionCov:   functionCov,
				branchCov:     branchCov,
				includeDart:   includeDart,
				lineCachePath: lineCachePath,
				out:           out,
			})
		},
	}

	cmd.Flags().StringVar(&serviceURI, "uri", "http://127.0.0.1:8181/", "VM service URI")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 30, "Connect and pause-wait timeout in seconds")
	cmd.Flags().StringArrayVar(&scopedOutput, "scope", nil, "Restrict output to this package (repeatable)")
	cmd.Flags().StringArrayVar(&isolateIDs, "isolate", nil, "Collect only from this isolate id (repeatable)")
	cmd.Flags().BoolVar(&waitPaused, "wait-paused", false, "Wait until all isolates are paused before collecting")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume paused isolates after collection")
	cmd.Flags().BoolVar(&functionCov, "function-coverage", false, "Collect function-level coverage")
	cmd.Flags().BoolVar(&branchCov, "branch-coverage", false, "Collect branch coverage when supported")
	cmd.Flags().BoolVar(&includeDart, "include-dart", false, "Keep dart: SDK scripts in the output")
	cmd.Flags().StringVar(&lineCachePath, "line-cache", "", "Path of the coverable-line cache JSON")
	cmd.Flags().StringVar(&out, "out", "coverage.json", "Output path for coverage JSON")

	return cmd
}

type collectParams struct {
	scopedOutput  []string
	isolateIDs    []string
	waitPaused    bool
	resume        bool
	functionCov   bool
	branchCov     bool
	includeDart   bool
	lineCachePath string
	out           string
}

func runCollect(serviceURI string, timeout time.Duration, p collectParams) error {
	opts := collect.Options{
		ScopedOutput:     p.scopedOutput,
		IsolateIDs:       p.isolateIDs,
		WaitPaused:       p.waitPaused,
		Resume:           p.resume,
		FunctionCoverage: p.functionCov,
		BranchCoverage:   p.branchCov,
		IncludeDart:      p.includeDart,
	}

	if p.lineCachePath != "" {
		cache, err := collect.LoadLineCache(p.lineCachePath)
		if err != nil {
			return err
		}
		opts.LineCache = cache
	}

	logging.Infof("collecting coverage from %s", serviceURI)
	cov, err := collect.Collect(context.Background(), serviceURI, timeout, opts)
	if err != nil {
		return err
	}

	if opts.LineCache != nil {
		if err := opts.LineCache.Save(p.lineCachePath); err != nil {
			return err
		}
	}

	data, err := hitmap.ToJSON(cov)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.out, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.out, err)
	}
	logging.Infof("wrote coverage for %d files to %s", len(cov), p.out)
	return nil
}
