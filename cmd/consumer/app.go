package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-erp/eventrt/consumer"
	"github.com/meridian-erp/eventrt/idempotency"
	"github.com/meridian-erp/eventrt/internal/amqpbroker"
	internalconfig "github.com/meridian-erp/eventrt/internal/config"
	"github.com/meridian-erp/eventrt/internal/logger"
	"github.com/meridian-erp/eventrt/internal/metrics"
	"github.com/meridian-erp/eventrt/internal/tracing"
	"github.com/meridian-erp/eventrt/middleware"
	"github.com/meridian-erp/eventrt/processor"
	"github.com/meridian-erp/eventrt/schema"
)

// App bundles the wiring for one consumer process: a metrics HTTP server,
// a tracer, a Postgres-backed idempotency store, and the consumer itself.
// Grounded on Tim275-oms/orders/app.go's App struct and Start/Shutdown
// ordering.
type App struct {
	cfg           internalconfig.Config
	log           logger.Logger
	metricsServer *http.Server
	pgStore       *idempotency.PostgresStore
	tracerClose   func(context.Context) error
	eventConsumer *consumer.EventConsumer
}

// NewApp assembles every component Start needs but does not connect to
// the broker yet — that happens in Start, matching the teacher's
// connect-in-NewApp-serve-in-Start split except for the broker connection,
// which EventConsumer.Start owns so it can be retried/reconnected later.
func NewApp(cfg internalconfig.Config, registry *processor.HandlerRegistry, topology amqpbroker.Topology, schemaLoader schema.Loader) (*App, error) {
	log := logger.New(cfg.ServiceName, cfg.LogLevel)

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.ServiceVersion, log)
	if err != nil {
		log.Warn("tracing disabled, continuing without it", "error", err.Error())
		shutdownTracer = func(context.Context) error { return nil }
	}

	pgStore, err := idempotency.NewPostgresStore(cfg.Postgres)
	if err != nil {
		return nil, err
	}

	cache, err := idempotency.NewCache(idempotency.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	schemaRegistry, err := schema.NewRegistry(schemaLoader)
	if err != nil {
		return nil, err
	}

	eventMetrics := metrics.New(cfg.ServiceName)

	middlewares := []middleware.Middleware{
		middleware.NewDeserializer(cfg.Deserialize, log),
		middleware.NewCorrelationHandler(cfg.Correlation),
		middleware.NewSchemaValidator(cfg.Schema, schemaRegistry, log),
		middleware.NewIdempotencyGuard(cfg.Idempotency, pgStore, cache, log),
	}

	proc := processor.NewEventProcessor(middlewares, registry, processor.Hooks{
		OnError: func(ctx *middleware.Context, result processor.ProcessingResult) {
			log.Error("event processing failed",
				"event_type", envelopeEventType(ctx), "error", result.Error.Error())
		},
	}, log, eventMetrics)

	consumerCfg := cfg.Consumer
	consumerCfg.Topology = topology
	consumerCfg.RetryPolicy = cfg.Retry
	eventConsumer := consumer.New(cfg.Connection, consumerCfg, proc, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	return &App{
		cfg: cfg,
		log: log,
		metricsServer: &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		},
		pgStore:       pgStore,
		tracerClose:   shutdownTracer,
		eventConsumer: eventConsumer,
	}, nil
}

func envelopeEventType(ctx *middleware.Context) string {
	if ctx.Envelope == nil {
		return "unknown"
	}
	return ctx.Envelope.EventType
}

// Start begins serving: metrics HTTP server in the background, then the
// consumer's first connection attempt.
func (a *App) Start(ctx context.Context) error {
	go func() {
		a.log.Info("starting metrics server", "addr", a.cfg.MetricsAddr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics server error", "error", err.Error())
		}
	}()

	return a.eventConsumer.Start(ctx)
}

// Shutdown implements spec.md §4.5's graceful shutdown ordering: stop the
// consumer first (prefetch 0, drain, close broker connection), then the
// metrics server, then ancillary resources. Mirrors Tim275-oms/orders/
// app.go's GracefulStop-then-metrics-then-broker-then-deregister order,
// adapted since the consumer itself is the service's primary workload.
func (a *App) Shutdown(ctx context.Context) error {
	a.log.Info("shutting down gracefully")

	if err := a.eventConsumer.Shutdown(ctx); err != nil {
		a.log.Error("error shutting down consumer", "error", err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		a.log.Error("error shutting down metrics server", "error", err.Error())
	}

	if err := a.tracerClose(shutdownCtx); err != nil {
		a.log.Error("error shutting down tracer", "error", err.Error())
	}

	if err := a.pgStore.Close(); err != nil {
		a.log.Error("error closing idempotency store", "error", err.Error())
	}

	return nil
}
