// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the crisis session orchestrator.
//
// # Description
//
// The Engine drives a session through
//
//	CONNECTING -> WAITING | ACTIVE -> ESCALATED -> RESOLVED | ENDED
//
// Every message is encrypted, hashed, assessed (user messages only),
// persisted and broadcast in arrival order for its session. Escalation
// takes one of two paths: the emergency override, which starts on its own
// goroutine and is never dropped, or the standard path, which runs on the
// bounded TaskPool together with volunteer matching.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Calls for one session
// are serialized; sessions are otherwise independent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/assessment"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/matcher"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/observability"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

var tracer = otel.Tracer("aleutian.crisis.engine")

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionNotFound is returned for tokens that own no session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned for operations on a terminal session.
	ErrSessionEnded = errors.New("session has ended")

	// ErrAccessDenied is the only error GetMessage reports for ownership
	// or decryption failures, so callers learn nothing about why.
	ErrAccessDenied = errors.New("access denied")

	// ErrVolunteerMismatch is returned when a volunteer accepts a session
	// assigned to someone else.
	ErrVolunteerMismatch = errors.New("session is assigned to another volunteer")

	// ErrSessionUnavailable is returned to staff when the session's keys
	// are not live, for example after a restart, until the anonymous user
	// uses its token again.
	ErrSessionUnavailable = errors.New("session keys are not available")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine is closed")
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the Engine. Zero fields take defaults.
type Config struct {
	// ConnectTarget is the nominal connect latency. Default: 100ms.
	ConnectTarget time.Duration `yaml:"connect_target"`

	// ConnectMax is the hard connect latency, logged at ERROR when
	// exceeded. Default: 200ms.
	ConnectMax time.Duration `yaml:"connect_max"`

	// SendTarget is the per-message latency target. Default: 50ms.
	SendTarget time.Duration `yaml:"send_target"`

	// HighSeverity is the severity counted towards a session's
	// HighSeverityCount. Default: 7.
	HighSeverity int `yaml:"high_severity"`

	// IdleTimeout ends sessions with no activity. Default: 30m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// IdleBatch caps sessions expired per sweep. Default: 100.
	IdleBatch int `yaml:"idle_batch"`

	// PerfWindow is the sample window per operation. Default: 200.
	PerfWindow int `yaml:"perf_window"`

	// MetricBuffer is how many samples may wait for the store and sinks.
	// Samples beyond it are dropped. Default: 1024.
	MetricBuffer int `yaml:"metric_buffer"`

	Pool PoolConfig `yaml:"pool"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTarget: 100 * time.Millisecond,
		ConnectMax:    200 * time.Millisecond,
		SendTarget:    50 * time.Millisecond,
		HighSeverity:  7,
		IdleTimeout:   30 * time.Minute,
		IdleBatch:     100,
		PerfWindow:    200,
		MetricBuffer:  1024,
		Pool:          PoolConfig{}.withDefaults(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTarget <= 0 {
		c.ConnectTarget = d.ConnectTarget
	}
	if c.ConnectMax <= 0 {
		c.ConnectMax = d.ConnectMax
	}
	if c.SendTarget <= 0 {
		c.SendTarget = d.SendTarget
	}
	if c.HighSeverity <= 0 {
		c.HighSeverity = d.HighSeverity
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.IdleBatch <= 0 {
		c.IdleBatch = d.IdleBatch
	}
	if c.PerfWindow <= 0 {
		c.PerfWindow = d.PerfWindow
	}
	if c.MetricBuffer <= 0 {
		c.MetricBuffer = d.MetricBuffer
	}
	c.Pool = c.Pool.withDefaults()
	return c
}

// Deps are the Engine's collaborators. Store, Crypto and Connections are
// required; everything else has a default.
type Deps struct {
	Store       storage.Backend
	Crypto      *sessioncrypto.Manager
	Connections *connections.Manager

	Assessor  *assessment.Assessor
	Risk      *assessment.RiskScorer
	Matcher   *matcher.Matcher
	Queue     *matcher.WaitQueue
	Override  *emergency.Protocol
	Publisher events.Publisher
	Notifier  extensions.SupervisorNotifier
	Audit     extensions.AuditLogger
	Metrics   *observability.Metrics
	Sinks     []observability.Sink
}

// =============================================================================
// Engine
// =============================================================================

// Engine orchestrates crisis sessions.
type Engine struct {
	cfg Config

	store    storage.Backend
	crypto   *sessioncrypto.Manager
	conns    *connections.Manager
	assessor *assessment.Assessor
	risk     *assessment.RiskScorer
	matcher  *matcher.Matcher
	queue    *matcher.WaitQueue
	override *emergency.Protocol
	pub      events.Publisher
	notifier extensions.SupervisorNotifier
	audit    extensions.AuditLogger
	metrics  *observability.Metrics
	sinks    []observability.Sink

	pool *TaskPool
	perf *PerfTracker
	seq  *sequencer

	// locations holds consented locations by token digest. Never stored.
	locations sync.Map

	// overrides counts goroutines Close waits for. Once draining is set
	// under trackMu no more are added; see goTracked.
	overrides sync.WaitGroup
	trackMu   sync.Mutex
	draining  bool

	samples     chan datatypes.MetricSample
	samplesStop chan struct{}
	samplesDone chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}

	now func() time.Time
}

// New wires an Engine.
//
// # Outputs
//
//   - *Engine: Running; call Close to stop background work.
//   - error: Missing required dependencies or lexicon load failure.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Crypto == nil || deps.Connections == nil {
		return nil, errors.New("store, crypto and connections are required")
	}
	cfg = cfg.withDefaults()

	if deps.Assessor == nil {
		a, err := assessment.NewAssessor(assessment.AssessorConfig{})
		if err != nil {
			return nil, err
		}
		deps.Assessor = a
	}
	if deps.Risk == nil {
		deps.Risk = assessment.NewRiskScorer(assessment.DefaultRiskConfig())
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(deps.Store, matcher.DefaultConfig())
	}
	if deps.Queue == nil {
		deps.Queue = matcher.NewWaitQueue()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{}
	}
	if deps.Notifier == nil {
		deps.Notifier = &extensions.LogSupervisorNotifier{}
	}
	if deps.Audit == nil {
		deps.Audit = &extensions.SlogAuditLogger{}
	}
	if deps.Override == nil {
		deps.Override = emergency.NewProtocol(emergency.DefaultConfig(), emergency.Deps{
			Dispatcher: emergency.NewEventDispatcher(deps.Publisher, deps.Notifier),
			Store:      deps.Store,
			Audit:      deps.Audit,
			Publisher:  deps.Publisher,
		})
	}

	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		crypto:      deps.Crypto,
		conns:       deps.Connections,
		assessor:    deps.Assessor,
		risk:        deps.Risk,
		matcher:     deps.Matcher,
		queue:       deps.Queue,
		override:    deps.Override,
		pub:         deps.Publisher,
		notifier:    deps.Notifier,
		audit:       deps.Audit,
		metrics:     deps.Metrics,
		sinks:       deps.Sinks,
		perf:        NewPerfTracker(cfg.PerfWindow, nil),
		seq:         newSequencer(),
		samples:     make(chan datatypes.MetricSample, cfg.MetricBuffer),
		samplesStop: make(chan struct{}),
		samplesDone: make(chan struct{}),
		closed:      make(chan struct{}),
		now:         time.Now,
	}
	e.pool = NewTaskPool(cfg.Pool, e.observeTask)
	go e.sampleLoop()
	return e, nil
}

// Close drains background tasks, waits for in-flight overrides and
// flushes metric samples. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.closeOnce.Do(func() {
		close(e.closed)
		errs = append(errs, e.pool.Close(ctx))

		e.trackMu.Lock()
		e.draining = true
		e.trackMu.Unlock()

		done := make(chan struct{})
		go func() {
			e.overrides.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("overrides still running: %w", ctx.Err()))
		}
		errs = append(errs, e.override.Wait(ctx))

		// samples itself is never closed, so a late observe from a request
		// still in flight cannot panic.
		close(e.samplesStop)
		select {
		case <-e.samplesDone:
		case <-ctx.Done():
		}
	})
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// =============================================================================
// Sessions
// =============================================================================

// loadSession finds the session owning token. The returned copy carries
// the raw token in memory only.
func (e *Engine) loadSession(ctx context.Context, token string) (*datatypes.CrisisSession, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}
	sess, err := e.store.FindSessionByToken(ctx, datatypes.TokenDigest(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.SessionToken = token
	return sess, nil
}

// withSession runs fn on a fresh copy of the session under its lock and
// saves it when fn returns nil.
func (e *Engine) withSession(ctx context.Context, token string, fn func(sess *datatypes.CrisisSession) error) error {
	return e.seq.do(datatypes.TokenDigest(token), func() error {
		sess, err := e.loadSession(ctx, token)
		if err != nil {
			return err
		}
		return e.apply(ctx, sess, fn)
	})
}

// withSessionID is withSession for callers that only know the session ID,
// such as staff, queue retries and idle expiry. The session carries no
// token.
func (e *Engine) withSessionID(ctx context.Context, id string, fn func(sess *datatypes.CrisisSession) error) error {
	return e.lockSessionID(ctx, id, func(sess *datatypes.CrisisSession) error {
		return e.apply(ctx, sess, fn)
	})
}

// lockSessionID loads the session by ID under its lock without saving it
// afterwards.
func (e *Engine) lockSessionID(ctx context.Context, id string, fn func(sess *datatypes.CrisisSession) error) error {
	first, err := e.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	return e.seq.do(first.TokenDigest, func() error {
		sess, err := e.store.GetSession(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		return fn(sess)
	})
}

func (e *Engine) apply(ctx context.Context, sess *datatypes.CrisisSession, fn func(sess *datatypes.CrisisSession) error) error {
	if err := fn(sess); err != nil {
		return err
	}
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (e *Engine) resources(ctx context.Context, region string) []datatypes.Resource {
	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res, err := e.store.ListResources(ctx, storage.ResourceFilter{Region: region, MaxResults: 10})
	if err != nil || len(res) == 0 {
		if err != nil {
			slog.Warn("Resource lookup failed, using built-in resources", "error", err)
		}
		return datatypes.DefaultEmergencyResources()
	}
	return res
}

// =============================================================================
// Telemetry
// =============================================================================

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// observe records one operation sample everywhere it is tracked.
func (e *Engine) observe(op string, start time.Time, err error) time.Duration {
	d := e.now().Sub(start)
	ok := err == nil
	e.perf.Record(op, d, ok)
	e.metrics.RecordOperation(op, d, ok)
	if e.isClosed() {
		return d
	}
	select {
	case e.samples <- datatypes.MetricSample{Operation: op, Duration: d, Success: ok, Timestamp: start.UTC()}:
	default:
		slog.Debug("Metric sample dropped", "operation", op)
	}
	return d
}

// sampleLoop writes samples to the store and sinks off the request path.
// After Close it flushes whatever is buffered and exits.
func (e *Engine) sampleLoop() {
	defer close(e.samplesDone)
	for {
		select {
		case s := <-e.samples:
			e.writeSample(s)
		case <-e.samplesStop:
			for {
				select {
				case s := <-e.samples:
					e.writeSample(s)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) writeSample(s datatypes.MetricSample) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := e.store.RecordMetric(ctx, s); err != nil {
		slog.Debug("Failed to record metric sample", "operation", s.Operation, "error", err)
	}
	cancel()
	for _, sink := range e.sinks {
		sink.Record(s)
	}
}

func (e *Engine) observeTask(res TaskResult) {
	if res.Name == OpMatch {
		e.perf.Record(OpMatch, res.Duration, res.Err == nil)
		e.metrics.RecordOperation(OpMatch, res.Duration, res.Err == nil)
	}
}

func (e *Engine) auditEvent(ctx context.Context, ev extensions.AuditEvent) {
	if err := e.audit.Log(ctx, ev); err != nil {
		slog.Error("Audit log write failed", "event_type", ev.EventType, "error", err)
	}
}

func (e *Engine) broadcast(ctx context.Context, digest string, ev connections.BroadcastEvent) {
	if err := e.conns.BroadcastDigest(ctx, digest, ev); err != nil {
		slog.Warn("Broadcast failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
	}
}
