package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/phishforge/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve <export.csv>",
	Short: "Correlate an export once and serve its views over HTTP",
	Long: `Run the pipeline once, then serve the report read-only:

  GET /health, /ready, /metrics
  GET /api/v1/report
  GET /api/v1/stats
  GET /api/v1/credentials
  GET /api/v1/recipients[?stage=opened|clicked|submitted]
  GET /api/v1/recipients/{email}
  GET /api/v1/addresses
  GET /api/v1/addresses/{ip}`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		a.cfg.Server.Port = port
	}

	doc, err := a.run(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	opts := []api.Option{}
	if a.cfg.Telemetry.MetricsEnabled {
		opts = append(opts,
			api.WithMetricsHandler(a.tel.MetricsHandler()),
			api.WithRequestRecorder(a.tel.Metrics()),
		)
	}
	if a.limiter != nil {
		opts = append(opts, api.WithRateLimiter(a.limiter))
	}

	server := api.NewServer(api.ServerConfig{
		Addr:            fmt.Sprintf(":%d", a.cfg.Server.Port),
		ReadTimeout:     a.cfg.Server.ReadTimeout,
		WriteTimeout:    a.cfg.Server.WriteTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
		RateLimitTier:   a.cfg.Server.RateLimitTier,
		Version:         Version,
	}, doc, a.logger, opts...)

	a.progress.Success("Serving report on http://localhost:%d/api/v1/report", a.cfg.Server.Port)
	if err := server.Serve(cmd.Context()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
