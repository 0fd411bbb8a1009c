package main

import (
	"github.com/spf13/cobra"

	"github.com/ritzau/aspect-graph/pkg/bazel"
	"github.com/ritzau/aspect-graph/pkg/logging"
	"github.com/ritzau/aspect-graph/pkg/output"
	"github.com/ritzau/aspect-graph/pkg/web"
)

func newExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract <target>[=<kind>]...",
		Short: "Extract the graph and print it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			result, roots, err := extract(cmd.Context(), cfg, args, nil)
			if err != nil {
				return err
			}
			return output.Write(cmd.OutOrStdout(), cfg.Format, roots.Workspace, result)
		},
	}
	cmd.Flags().String("format", "", "Output format: text or json")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <target>[=<kind>]...",
		Short: "Extract the graph and serve it over HTTP",
		Long: `Extract the graph once and serve it read-only. The server starts right
away; the result endpoints answer 503 until the extraction completes.

  GET /api/status
  GET /api/subscribe/extraction_status   (server-sent events)
  GET /api/summary
  GET /api/report
  GET /api/rules[?type=<kind>]
  GET /api/rules/<label>
  GET /api/rules/<label>/deps
  GET /api/diagnostics[?kind=<kind>]
  GET /api/cycles`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Reject bad target specs before starting the server
			if _, err := bazel.ParseTargetSpecs(args); err != nil {
				return err
			}

			server := web.NewServer()
			go func() {
				result, roots, err := extract(cmd.Context(), cfg, args, server.PublishProgress)
				if err != nil {
					logging.New("main").Error("extraction failed", "error", err)
					server.SetFailure(err)
					return
				}
				server.SetResult(roots.Workspace, result)
			}()

			return server.Start(cmd.Context(), cfg.Port)
		},
	}
	cmd.Flags().Int("port", 0, "Port for the web server")
	return cmd
}
