package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/api/gateway"
	"github.com/lvonguyen/phishforge/internal/campaign/correlation"
	"github.com/lvonguyen/phishforge/internal/campaign/ingestion"
	"github.com/lvonguyen/phishforge/internal/config"
	"github.com/lvonguyen/phishforge/internal/enrichment"
	"github.com/lvonguyen/phishforge/internal/observability"
	"github.com/lvonguyen/phishforge/internal/report"
)

var (
	cfgFile string
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "phishforge",
	Short: "Phishing simulation campaign report generator",
	Long: `phishforge correlates a campaign export (CSV, no header:
id,email,time,message,details) into per-recipient timelines, per-address
dossiers with geolocation, a credential submissions table and funnel
statistics.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress console progress")

	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(serveCmd)
}

// app bundles what a command needs to run the pipeline.
type app struct {
	cfg      *config.Config
	tel      *observability.Telemetry
	logger   *zap.Logger
	progress *observability.Progress
	redis    *redis.Client
	limiter  *gateway.RateLimiter
}

func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	tel, err := observability.New(cfg.Observability(Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:      cfg,
		tel:      tel,
		logger:   tel.Logger(),
		progress: observability.NewProgress(os.Stdout, quiet || cfg.Logging.Quiet),
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		a.limiter = gateway.NewRateLimiter(a.redis, cfg.RateLimit, a.logger)
		a.logger.Info("Rate limiting enabled",
			zap.String("redis", cfg.Redis.Addr),
			zap.String("lookup_tier", cfg.RateLimit.Tier),
		)
	}

	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
}

// provider returns the configured geolocation provider, or nil when
// lookups are disabled.
func (a *app) provider() enrichment.Provider {
	if !a.cfg.Geolocation.Enabled {
		a.progress.Info("Geolocation disabled, public addresses will show N/A.")
		return nil
	}
	var limiter enrichment.Limiter
	if a.limiter != nil {
		limiter = a.limiter
	}
	return enrichment.NewIPInfoProvider(a.cfg.Geolocation.ProviderConfig, limiter)
}

// run loads path and correlates it into a report document.
func (a *app) run(ctx context.Context, path string) (*report.Document, error) {
	ctx, span := a.tel.StartSpan(ctx, "phishforge.run")
	defer span.End()

	a.progress.Info("Starting data processing...")
	a.progress.Action("Reading CSV file...")

	raws, err := ingestion.NewReader(a.logger).LoadFile(path)
	if err != nil {
		a.tel.RecordError(ctx, err, zap.String("path", path))
		return nil, err
	}
	a.progress.Success("CSV loaded. Rows: %d", len(raws))

	resolver := enrichment.NewResolver(a.provider(), a.logger,
		enrichment.WithRecorder(a.tel.Metrics()))

	correlator := correlation.NewCorrelator(
		correlation.CorrelatorConfig{LookupConcurrency: a.cfg.Geolocation.LookupConcurrency},
		resolver,
		correlation.WithLogger(a.logger),
		correlation.WithTracer(a.tel.Tracer()),
		correlation.WithMetrics(a.tel.Metrics()),
		correlation.WithProgress(a.progress),
	)

	result, err := correlator.Run(ctx, raws)
	if err != nil {
		a.tel.RecordError(ctx, err)
		return nil, err
	}

	return report.NewDocument(result, path, Version, time.Now()), nil
}
