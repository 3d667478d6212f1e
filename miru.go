// Package miru is the public API for embedding the miru observability
// agent in a host application process.
//
// The host's instrumentation layer hands the agent finished spans:
//
//	agent, err := miru.New(
//	    miru.WithDBPath("tmp/miru.sqlite3"),
//	    miru.WithEndpoint("https://collector.example.com", apiKey),
//	    miru.WithLogger(logger),
//	)
//	if err != nil { ... }
//	agent.Start()
//	defer agent.Stop(ctx)
//
//	agent.RecordSpan(ctx, span) // from request/job completion hooks
//
// Every finished span is durably persisted for the local dashboard and
// classified into a usage/latency/error metric; aggregated metrics ship
// to the collector on a fork-safe background schedule.
//
// The import graph enforces a strict no-cycle rule: miru (root) imports
// internal/*, but internal/* never imports miru (root). FinishedSpan and
// SpanEvent are standalone structs; the conversion to the internal model
// lives here because this is the only file that sees both sides of the
// boundary.
package miru

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miru-obs/miru/internal/config"
	"github.com/miru-obs/miru/internal/extract"
	"github.com/miru-obs/miru/internal/flush"
	"github.com/miru-obs/miru/internal/metrics"
	"github.com/miru-obs/miru/internal/model"
	"github.com/miru-obs/miru/internal/storage"
	"github.com/miru-obs/miru/internal/submit"
	"github.com/miru-obs/miru/internal/telemetry"
	"github.com/miru-obs/miru/migrations"
)

// Agent is the embedded observability pipeline. Construct with New(),
// start the background flusher with Start(). All methods are safe for
// concurrent use.
type Agent struct {
	cfg       config.Config
	store     *storage.Store
	agg       *metrics.Aggregator
	extractor *extract.Extractor
	flusher   *flush.Flusher
	logger    *slog.Logger
	version   string

	otelShutdown telemetry.Shutdown
}

// New initialises the agent: loads configuration, opens the embedded
// store, runs migrations, and wires the pipeline. It does NOT start any
// background goroutines — call Start().
func New(opts ...Option) (*Agent, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
		cfg.APIKey = o.apiKey
	}
	if o.flushInterval > 0 {
		cfg.FlushInterval = o.flushInterval
	}
	if o.spanRetention > 0 {
		cfg.SpanRetention = o.spanRetention
	}
	if o.maxSpans > 0 {
		cfg.MaxSpans = o.maxSpans
	}
	if o.viewRoot != "" {
		cfg.ViewRoot = o.viewRoot
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	if err := store.RunMigrations(context.Background(), migrations.FS); err != nil {
		_ = store.Close()
		return nil, err
	}

	agg := metrics.NewAggregator()

	var submitter flush.Submitter
	if cfg.Endpoint != "" {
		s, err := submit.New(submit.Config{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			AgentVersion: version,
			HTTPClient:   o.httpClient,
			Timeout:      cfg.HTTPTimeout,
			MaxAttempts:  cfg.MaxAttempts,
			Backoff: submit.BackoffConfig{
				MinTimeoutMS:        cfg.BackoffMinMS,
				MaxTimeoutMS:        cfg.BackoffMaxMS,
				Multiplier:          cfg.BackoffMultiplier,
				RandomizationFactor: cfg.BackoffRandomization,
			},
			Logger: logger,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		submitter = s
	} else {
		logger.Info("miru: no collector endpoint configured, running local-only")
		submitter = discardSubmitter{}
	}

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, false)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Agent{
		cfg:          cfg,
		store:        store,
		agg:          agg,
		extractor:    &extract.Extractor{ViewRoot: cfg.ViewRoot},
		flusher:      flush.New(agg, submitter, store, cfg.FlushInterval, logger),
		logger:       logger,
		version:      version,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background flush schedule. Idempotent.
func (a *Agent) Start() {
	a.flusher.Start()
}

// RecordSpan ingests one finished span: durable persistence and metric
// extraction run independently, and neither can fail the caller — every
// failure mode is logged and contained. This is the hot path for every
// request and job in the host application.
func (a *Agent) RecordSpan(ctx context.Context, span FinishedSpan) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("miru: panic recording span", "panic", r, "span", span.Name)
		}
	}()

	ms := toModelSpan(span)

	if err := a.store.AppendSpan(ctx, ms); err != nil {
		a.logger.Error("miru: persist span", "error", err, "span", span.Name)
	}

	if obs, ok := a.extractor.Extract(ms); ok {
		a.agg.Increment(obs.Key, obs.DurationMS, obs.Error)
	}
}

// FlushNow synchronously drains and ships pending metrics, returning the
// number of metric keys flushed. For operator and test use.
func (a *Agent) FlushNow(ctx context.Context) int {
	return a.flusher.FlushNow(ctx)
}

// AfterFork recreates the background flush timer and worker in a forked
// child. Call from the host's fork hook; the flusher also detects a
// changed pid at tick time as a safety net.
func (a *Agent) AfterFork() {
	a.flusher.AfterFork()
}

// Prune applies the configured span retention and count cap.
func (a *Agent) Prune(ctx context.Context) (storage.PruneResult, error) {
	return a.store.Prune(ctx, a.cfg.SpanRetention, a.cfg.MaxSpans)
}

// Rollup compacts minute metric rows into hour/day rows and prunes each
// granularity by its retention window. Intended to run on an external
// schedule (e.g. hourly).
func (a *Agent) Rollup(ctx context.Context) error {
	return a.store.RunRollup(ctx, time.Now(),
		a.cfg.MinuteRetention, a.cfg.HourRetention, a.cfg.DayRetention)
}

// Store exposes the span store's read interface for the local dashboard.
func (a *Agent) Store() *storage.Store {
	return a.store
}

// Stop shuts the agent down: cancels the flush timer, performs a final
// drain-and-submit, waits (bounded) for the worker, and closes the
// store. Best effort — it never blocks process exit indefinitely.
func (a *Agent) Stop(ctx context.Context) error {
	a.flusher.Stop(ctx)
	if err := a.otelShutdown(ctx); err != nil {
		a.logger.Warn("miru: telemetry shutdown", "error", err)
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("miru: close store: %w", err)
	}
	return nil
}

// toModelSpan converts the public input shape to the internal model.
func toModelSpan(span FinishedSpan) model.FinishedSpan {
	events := make([]model.FinishedEvent, len(span.Events))
	for i, ev := range span.Events {
		events[i] = model.FinishedEvent{
			Name:       ev.Name,
			Timestamp:  ev.Timestamp,
			Attributes: ev.Attributes,
		}
	}
	return model.FinishedSpan{
		Name:         span.Name,
		Kind:         model.SpanKind(span.Kind),
		Status:       model.SpanStatus(span.Status),
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		ParentSpanID: span.ParentSpanID,
		StartTime:    span.StartTime,
		EndTime:      span.EndTime,
		Attributes:   span.Attributes,
		Events:       events,
	}
}

// discardSubmitter is used in local-only mode: metrics still persist to
// the rollup tables, nothing leaves the machine.
type discardSubmitter struct{}

func (discardSubmitter) Submit(_ context.Context, _ []metrics.Entry) (int, error) {
	return 0, nil
}
