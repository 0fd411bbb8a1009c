package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ritzau/aspect-graph/pkg/bazel"
	"github.com/ritzau/aspect-graph/pkg/config"
	"github.com/ritzau/aspect-graph/pkg/logging"
)

// version is set via build-time ldflags
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aspect-graph",
		Short: "Extract the rule dependency graph of a Bazel workspace",
		Long: `aspect-graph runs an analysis aspect over the requested targets and
assembles the rules it visits into a dependency graph: rule kinds, source
files, attributes and dependency edges.

Targets are absolute labels, optionally with the expected rule kind:
  aspect-graph extract //app:App=ios_application //app:Tests`,
		Version:      version,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", config.FileName, "Path to the config file")
	flags.String("workspace", ".", "Path to the Bazel workspace")
	flags.String("bazel", "bazel", "Bazel binary to run")
	flags.StringSlice("startup-options", nil, "Bazel startup options")
	flags.StringSlice("build-options", nil, "Options passed to bazel build")
	flags.String("aspect", "", "Aspect to run, as <bzl file>%<aspect name>")
	flags.String("output-group", "", "Output group holding the aspect output")
	flags.String("artifact-suffix", "", "File suffix of the aspect output files")
	flags.Int("batch-size", 0, "Max targets per Bazel invocation (0 = all at once)")
	flags.Int("workers", 0, "Parallel parsers (0 = number of CPUs)")
	flags.Duration("timeout", 0, "Deadline for each bazel phase (info, aspect build)")
	flags.String("verbosity", "", "Log level: trace, debug, info, warn or error")
	flags.CountP("verbose", "v", "Increase log verbosity (-v debug, -vv trace)")
	flags.Bool("json-logs", false, "Log as JSON")

	root.AddCommand(newExtractCmd(), newServeCmd())
	return root
}

// loadConfig loads the configuration for cmd and sets up logging from it
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFile(path, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logging.Configure(os.Stderr, logging.ParseLevel(cfg.Verbosity, cfg.VerboseCnt), cfg.JSONLogs)
	return cfg, nil
}

// extract runs the aspect over the requested targets. progress may be nil.
func extract(ctx context.Context, cfg *config.Config, targets []string, progress func(bazel.Progress)) (*bazel.Result, bazel.Roots, error) {
	log := logging.New("main")

	requested, err := bazel.ParseTargetSpecs(targets)
	if err != nil {
		return nil, bazel.Roots{}, err
	}

	executor := bazel.NewExecutor(cfg.Bazel, cfg.Workspace, cfg.ArtifactSuffix)
	roots, err := bazel.ResolveRoots(ctx, executor, cfg.StartupOptions, cfg.Timeout)
	if err != nil {
		if roots.Workspace == "" {
			return nil, roots, fmt.Errorf("resolving workspace: %w", err)
		}
		// Without the execution root, generated sources keep absolute paths
		log.Warn("could not determine execution root", "error", err)
	}
	log.Debug("resolved roots", "workspace", roots.Workspace, "executionRoot", roots.ExecutionRoot)

	parser := bazel.NewAspectParser(roots.ParserOptions()...)
	extractor := bazel.NewWorkspaceInfoExtractor(executor, parser, bazel.OptionsFromConfig(cfg))
	if progress != nil {
		extractor.OnProgress(progress)
	}

	result, err := extractor.Extract(ctx, requested)
	if err != nil {
		return nil, roots, fmt.Errorf("extraction failed: %w", err)
	}
	return result, roots, nil
}
