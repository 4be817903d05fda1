// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crisis assembles the crisis session service.
//
// New wires storage, session crypto, assessment, matching, the emergency
// override protocol, escalation sinks and the HTTP surface into one
// Service. Run serves until its context is cancelled, then drains.
//
//	┌──────────┐   ┌──────────┐   ┌─────────────────────────────┐
//	│  routes  │──▶│  engine  │──▶│ storage (memory/badger/pg)  │
//	└──────────┘   └──────────┘   └─────────────────────────────┘
//	      │             │
//	      ▼             ├──▶ sessioncrypto, assessment, matcher
//	 websocket          ├──▶ emergency ──▶ dispatcher ──▶ kafka/sqs
//	 transport          └──▶ audit chain, prometheus, influx
package crisis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/assessment"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/engine"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/matcher"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/middleware"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/observability"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/routes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/badger"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/memory"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/postgres"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/ttl"
)

const serviceName = "aleutian-crisis"

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the crisis service lifecycle.
//
// # Thread Safety
//
// Run is called at most once. Router and Engine are safe at any time.
type Service interface {
	// Run serves HTTP and the maintenance jobs until ctx is cancelled,
	// then shuts down and releases every resource.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// Engine returns the session orchestrator.
	Engine() *engine.Engine

	// Close releases resources without serving. Run calls it on exit.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Fields are written during New and read-only afterwards.
type service struct {
	config Config
	opts   extensions.ServiceOptions

	router    *gin.Engine
	engine    *engine.Engine
	store     storage.Backend
	pgStore   *postgres.Store
	crypto    *sessioncrypto.Manager
	conns     *connections.Manager
	socket    *connections.WebSocketTransport
	limiter   *middleware.IPRateLimiter
	registry  *emergency.FileRegistry
	auditLog  *ttl.AuditLogger
	publisher events.Publisher
	sinks     []observability.Sink
	scheduler *ttl.Scheduler
	gatherer  *prometheus.Registry

	tracerCleanup func(context.Context)
	closers       []func() error
}

// New creates the crisis Service.
//
// # Description
//
// New initializes components in dependency order:
//  1. Tracing (when OTelEndpoint is set)
//  2. Storage backend
//  3. Session crypto from the master seed
//  4. Audit chain, escalation publishers and supervisor notifier
//  5. Emergency protocol, connection manager and engine
//  6. Maintenance scheduler and HTTP routes
//
// On any failure, everything already opened is closed.
//
// # Inputs
//
//   - ctx: Bounds connection setup for postgres and SQS.
//   - cfg: Output of LoadConfig. Defaults are applied again here.
//   - opts: Extension options. Nil uses DefaultOptions.
//
// # Outputs
//
//   - Service: Ready to Run
//   - error: Initialization failure
func New(ctx context.Context, cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if opts != nil {
		s.opts = opts.Normalize()
	} else {
		s.opts = extensions.DefaultOptions()
	}
	if len(s.config.SupervisorTokens) > 0 {
		s.opts = s.opts.WithAuth(extensions.NewStaticTokenProvider(s.config.SupervisorTokens))
	}

	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) init(ctx context.Context) error {
	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	} else {
		slog.Info("OTel endpoint not configured, tracing disabled")
	}

	if err := s.initStore(ctx); err != nil {
		return err
	}

	crypto, err := sessioncrypto.New(sessioncrypto.Config{
		MasterSeed:          s.config.MasterSeed,
		Iterations:          s.config.Crypto.Iterations,
		AllowInsecureMemory: s.config.Crypto.AllowInsecureMemory,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session crypto: %w", err)
	}
	s.crypto = crypto
	s.closers = append(s.closers, func() error { crypto.Close(); return nil })

	if err := s.initAudit(); err != nil {
		return err
	}
	notifier, err := s.initPublishers(ctx)
	if err != nil {
		return err
	}
	if err := s.initSinks(); err != nil {
		return err
	}

	s.gatherer = prometheus.NewRegistry()
	s.gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(s.gatherer)
	if err := s.initMeter(); err != nil {
		return err
	}

	if err := s.initEngine(notifier, metrics); err != nil {
		return err
	}
	if err := s.initScheduler(); err != nil {
		return err
	}
	s.initRouter()
	return nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx is cancelled.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting crisis server",
			"port", s.config.Port,
			"storage", s.config.Storage.Backend,
			"public_url", s.config.PublicURL,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down crisis server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := s.scheduler.Stop(); err != nil {
		slog.Warn("Scheduler stop error", "error", err)
	}
	if err := s.engine.Close(shutdownCtx); err != nil {
		slog.Warn("Engine drain incomplete", "error", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Engine() *engine.Engine {
	return s.engine
}

// Close releases resources in reverse order of creation. Idempotent.
func (s *service) Close() error {
	if s.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.engine.Close(ctx); err != nil {
			slog.Warn("Engine drain incomplete", "error", err)
		}
		cancel()
	}

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil

	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer sets up the OTLP gRPC exporter and global propagators.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal collector)
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}, nil
}

// initMeter bridges OTel instruments (assessment latency and severity) onto
// the same Prometheus registry that backs /metrics.
func (s *service) initMeter() error {
	exporter, err := promexporter.New(promexporter.WithRegisterer(s.gatherer))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)
	s.closers = append(s.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mp.Shutdown(ctx)
	})
	return nil
}

// initStore opens the configured backend.
func (s *service) initStore(ctx context.Context) error {
	switch s.config.Storage.Backend {
	case BackendMemory:
		slog.Warn("Using in-memory storage; sessions are lost on restart")
		s.store = memory.New()
	case BackendPostgres:
		st, err := postgres.Open(ctx, *s.config.Storage.Postgres)
		if err != nil {
			return err
		}
		s.store, s.pgStore = st, st
		s.closers = append(s.closers, st.Close)
	default:
		bcfg := *s.config.Storage.Badger
		bcfg.Logger = slog.Default()
		st, err := badger.Open(bcfg)
		if err != nil {
			return err
		}
		s.store = st
		s.closers = append(s.closers, st.Close)
	}
	slog.Info("Storage backend ready", "backend", s.config.Storage.Backend)
	return nil
}

// initAudit opens the hash-chained audit file and fans audit events out to
// it and the configured AuditLogger.
func (s *service) initAudit() error {
	chain, err := ttl.NewAuditLogger(s.config.AuditLogPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	if err := chain.VerifyFilePermissions(); err != nil {
		slog.Warn("Audit log permissions are too open", "path", s.config.AuditLogPath, "error", err)
	}
	if valid, idx, err := chain.VerifyChain(); err != nil || !valid {
		slog.Error("Audit chain verification failed on startup",
			"path", s.config.AuditLogPath, "break_index", idx, "error", err)
	}
	s.auditLog = chain
	s.closers = append(s.closers, chain.Close)
	s.opts = s.opts.WithAudit(extensions.MultiAuditLogger{chain, s.opts.AuditLogger})
	return nil
}

// initPublishers builds the escalation publisher fan-out and returns the
// supervisor notifier. SQS, when configured, also carries supervisor alerts.
func (s *service) initPublishers(ctx context.Context) (extensions.SupervisorNotifier, error) {
	pubs := []events.Publisher{events.LogPublisher{}}
	notifier := s.opts.SupervisorNotifier

	if k := s.config.Events.Kafka; k != nil {
		kp, err := events.NewKafkaPublisher(*k)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		pubs = append(pubs, kp)
		slog.Info("Kafka escalation stream enabled", "topic", k.Topic)
	}
	if q := s.config.Events.SQS; q != nil {
		sp, err := events.NewSQSPublisher(ctx, *q)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqs publisher: %w", err)
		}
		pubs = append(pubs, sp)
		notifier = sp
		slog.Info("SQS supervisor queue enabled")
	}

	multi := events.NewMultiPublisher(pubs...)
	s.publisher = multi
	s.closers = append(s.closers, multi.Close)
	return notifier, nil
}

func (s *service) initSinks() error {
	if s.config.Influx == nil {
		return nil
	}
	sink, err := observability.NewInfluxSink(*s.config.Influx)
	if err != nil {
		return fmt.Errorf("failed to create influx sink: %w", err)
	}
	s.sinks = append(s.sinks, sink)
	s.closers = append(s.closers, sink.Close)
	return nil
}

func (s *service) initEngine(notifier extensions.SupervisorNotifier, metrics *observability.Metrics) error {
	assessorCfg := assessment.AssessorConfig{}
	if s.config.LexiconFile != "" {
		lex, err := assessment.LoadLexicon(s.config.LexiconFile)
		if err != nil {
			return err
		}
		assessorCfg.Lexicon = lex
	}
	assessor, err := assessment.NewAssessor(assessorCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize assessor: %w", err)
	}

	var contacts emergency.ContactRegistry
	if s.config.ContactsFile != "" {
		reg, err := emergency.NewFileRegistry(s.config.ContactsFile)
		if err != nil {
			return err
		}
		s.registry = reg
		s.closers = append(s.closers, reg.Close)
		contacts = reg
	}

	audit := s.opts.AuditLogger
	override := emergency.NewProtocol(s.config.Emergency, emergency.Deps{
		Registry:   contacts,
		Dispatcher: emergency.NewEventDispatcher(s.publisher, notifier),
		Store:      s.store,
		Audit:      audit,
		Publisher:  s.publisher,
	})

	s.socket = connections.NewWebSocketTransport(connections.WebSocketConfig{
		BaseURL:        s.config.PublicURL,
		AllowedOrigins: s.config.AllowedOrigins,
	})
	s.conns = connections.NewManager(s.socket, connections.Config{})

	eng, err := engine.New(s.config.Engine, engine.Deps{
		Store:       s.store,
		Crypto:      s.crypto,
		Connections: s.conns,
		Assessor:    assessor,
		Risk:        assessment.NewRiskScorer(assessment.DefaultRiskConfig()),
		Matcher:     matcher.New(s.store, matcher.DefaultConfig()),
		Queue:       matcher.NewWaitQueue(),
		Override:    override,
		Publisher:   s.publisher,
		Notifier:    notifier,
		Audit:       audit,
		Metrics:     metrics,
		Sinks:       s.sinks,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	s.engine = eng

	s.limiter = middleware.NewIPRateLimiter(s.config.RateLimit)
	return nil
}

// initScheduler registers the maintenance jobs. Start happens in Run.
func (s *service) initScheduler() error {
	sched := s.config.Schedule
	jobs := []ttl.Job{
		{
			Name:     "sweep_session_keys",
			Interval: sched.Maintenance,
			Timeout:  10 * time.Second,
			Run: func(ctx context.Context) error {
				if n := s.crypto.SweepIdle(s.config.Crypto.KeyIdleTimeout); n > 0 {
					slog.Info("Swept idle session keys", "count", n)
				}
				return nil
			},
		},
		{
			Name:     "expire_idle_sessions",
			Interval: sched.Maintenance,
			Timeout:  30 * time.Second,
			Run: func(ctx context.Context) error {
				n, err := s.engine.ExpireIdleSessions(ctx)
				if n > 0 {
					slog.Info("Expired idle sessions", "count", n)
				}
				return err
			},
		},
		{
			Name:     "reap_idle_connections",
			Interval: sched.Maintenance,
			Timeout:  10 * time.Second,
			Run: func(ctx context.Context) error {
				if n := s.conns.ReapIdle(sched.ConnectionIdle); n > 0 {
					slog.Info("Reaped idle connections", "count", n)
				}
				return nil
			},
		},
		{
			Name:     "retry_queued_matches",
			Interval: sched.MatchRetry,
			Timeout:  sched.MatchRetry,
			Run: func(ctx context.Context) error {
				_, err := s.engine.RetryQueuedMatches(ctx)
				return err
			},
		},
		{
			Name:       "check_performance",
			Interval:   sched.PerfCheck,
			Timeout:    10 * time.Second,
			RunOnStart: true,
			Run:        s.engine.CheckPerformance,
		},
		{
			Name:     "flush_audit",
			Interval: sched.Maintenance,
			Timeout:  5 * time.Second,
			Run:      s.opts.AuditLogger.Flush,
		},
	}
	if s.pgStore != nil {
		retention := s.config.Storage.MetricRetention
		jobs = append(jobs, ttl.Job{
			Name:     "prune_metrics",
			Interval: time.Hour,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				n, err := s.pgStore.PruneMetrics(ctx, time.Now().Add(-retention))
				if n > 0 {
					slog.Info("Pruned performance samples", "count", n)
				}
				return err
			},
		})
	}

	scheduler, err := ttl.NewScheduler(jobs...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	s.scheduler = scheduler
	return nil
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	if s.tracerCleanup != nil {
		s.router.Use(otelgin.Middleware(serviceName))
	}

	routes.SetupRoutes(s.router, routes.Deps{
		Service:     s.engine,
		Connections: s.conns,
		Socket:      s.socket,
		Options:     s.opts,
		Limiter:     s.limiter,
		Gatherer:    s.gatherer,
	})
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Service   = (*service)(nil)
	_ io.Closer = (*service)(nil)
)
