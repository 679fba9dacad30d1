package correlation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishforge/internal/campaign/ingestion"
	"github.com/lvonguyen/phishforge/internal/campaign/normalization"
	"github.com/lvonguyen/phishforge/internal/enrichment"
	"github.com/lvonguyen/phishforge/internal/observability"
)

// CorrelatorConfig holds configuration for the correlator
type CorrelatorConfig struct {
	LookupConcurrency int `yaml:"lookup_concurrency"` // parallel lookups during prefetch
}

// Correlator enriches an export once and folds it into every view.
type Correlator struct {
	config   CorrelatorConfig
	resolver *enrichment.Resolver
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *observability.Metrics
	progress *observability.Progress
}

// Option customises a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Correlator) { c.logger = logger }
}

// WithTracer sets the tracer used for stage spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Correlator) { c.tracer = tracer }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithProgress sets the operator console.
func WithProgress(p *observability.Progress) Option {
	return func(c *Correlator) { c.progress = p }
}

// NewCorrelator creates a new correlator
func NewCorrelator(cfg CorrelatorConfig, resolver *enrichment.Resolver, opts ...Option) *Correlator {
	if cfg.LookupConcurrency < 1 {
		cfg.LookupConcurrency = 1
	}
	c := &Correlator{
		config:   cfg,
		resolver: resolver,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("phishforge/correlation"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run enriches raws once and derives every view from that single stream.
// Row and lookup failures are absorbed; only cancellation aborts.
func (c *Correlator) Run(ctx context.Context, raws []ingestion.RawEvent) (*Report, error) {
	ctx, span := c.tracer.Start(ctx, "correlation.Run",
		trace.WithAttributes(attribute.Int("rows", len(raws))))
	defer span.End()

	events := c.parse(ctx, raws)
	c.prefetch(ctx, events)

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("correlation aborted: %w", err)
	}

	report := &Report{}

	c.stage(ctx, "credentials", func(ctx context.Context) {
		report.Schema = DiscoverSchema(events)
		report.Credentials = BuildCredentialRows(ctx, events, report.Schema, c.resolver)
	})

	c.stage(ctx, "recipients", func(ctx context.Context) {
		c.progress.Action("Building user data...")
		report.Recipients = BuildRecipientView(ctx, events, c.resolver)
		c.progress.Success("User data build complete.")
	})

	c.stage(ctx, "addresses", func(ctx context.Context) {
		c.progress.Action("Building source address dossiers...")
		report.Addresses = BuildAddressView(ctx, events, c.resolver, GroupCredentialsByAddress(report.Credentials))
		c.progress.Success("Address dossiers complete.")
	})

	c.stage(ctx, "stats", func(ctx context.Context) {
		c.progress.Action("Generating statistics...")
		report.Stats = BuildStats(events, report.Recipients)
	})

	report.Lookups = c.resolver.Stats()

	if m := c.metrics; m != nil {
		m.Recipients.Set(float64(len(report.Recipients)))
		m.Addresses.Set(float64(len(report.Addresses)))
		m.Credentials.Set(float64(len(report.Credentials)))
		m.SchemaFields.Set(float64(len(report.Schema)))
	}

	c.logger.Info("Correlation complete",
		zap.Int("rows", len(raws)),
		zap.Int("recipients", len(report.Recipients)),
		zap.Int("addresses", len(report.Addresses)),
		zap.Int("credentials", len(report.Credentials)),
		zap.Strings("fieldnames", report.Schema),
		zap.Int("lookups", report.Lookups.Lookups),
		zap.Int("lookup_failures", report.Lookups.Failures),
	)

	return report, nil
}

func (c *Correlator) parse(ctx context.Context, raws []ingestion.RawEvent) []normalization.EnrichedEvent {
	var events []normalization.EnrichedEvent
	c.stage(ctx, "parse", func(context.Context) {
		c.progress.Action("Extracting details...")
		n := normalization.NewNormalizer(c.logger,
			normalization.WithRowObserver(c.metrics.ObserveRow),
			normalization.WithProgress(200, func(done, total int) {
				c.progress.Counter("Extracting details", done, total)
			}),
		)
		events = n.NormalizeAll(raws)
		c.progress.Success("Details extraction complete.")
	})
	return events
}

func (c *Correlator) prefetch(ctx context.Context, events []normalization.EnrichedEvent) {
	c.stage(ctx, "lookups", func(ctx context.Context) {
		c.progress.Action("Performing IP lookups...")
		addresses := make([]string, 0, len(events))
		for _, event := range events {
			addresses = append(addresses, event.Address)
		}
		c.resolver.Prefetch(ctx, addresses, c.config.LookupConcurrency, func(done, total int) {
			c.progress.Counter("Performing IP lookups", done, total)
		})
		c.progress.Success("IP lookup complete.")
	})
}

// stage runs fn inside a span and records its duration.
func (c *Correlator) stage(ctx context.Context, name string, fn func(context.Context)) {
	ctx, span := c.tracer.Start(ctx, "correlation."+name)
	defer span.End()

	start := time.Now()
	fn(ctx)
	c.metrics.ObserveStage(name, time.Since(start))
}
