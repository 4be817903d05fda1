// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and performance sinks
// for the crisis service.
//
// # Description
//
// Metrics cover:
//   - Operation latency and outcome (connect, send_message, end_session, ...)
//   - Message volume and assessed severity
//   - Emergency overrides by safety level, including fallback activations
//   - Session, connection and wait queue gauges
//   - Latency target breaches
//
// No metric carries message content, tokens or anonymous ids.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const (
	metricsNamespace = "aleutian"
	crisisSubsystem  = "crisis"
)

// Metrics holds the Prometheus collectors for the crisis service.
//
// # Fields
//
//   - OperationDuration: Latency by operation and status.
//   - MessagesTotal: Stored messages by sender role.
//   - SeverityObserved: Assessed severity per user message.
//   - EscalationsTotal: Escalation decisions by kind (standard, override).
//   - OverridesTotal: Overrides by safety level and fallback use.
//   - OverrideResponseSeconds: Override activation latency.
//   - ActiveSessions: Sessions not yet resolved or ended.
//   - LiveConnections: Attached transport connections.
//   - QueueDepth: Sessions waiting for a volunteer.
//   - TargetBreachesTotal: Rolling latency target breaches by operation.
type Metrics struct {
	OperationDuration       *prometheus.HistogramVec
	MessagesTotal           *prometheus.CounterVec
	SeverityObserved        prometheus.Histogram
	EscalationsTotal        *prometheus.CounterVec
	OverridesTotal          *prometheus.CounterVec
	OverrideResponseSeconds prometheus.Histogram
	ActiveSessions          prometheus.Gauge
	LiveConnections         prometheus.Gauge
	QueueDepth              prometheus.Gauge
	TargetBreachesTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers every collector on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Nil uses prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics on duplicate registration, so call once per registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of crisis operations by operation and status",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5, 5},
			},
			[]string{"operation", "status"},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "messages_total",
				Help:      "Total stored messages by sender role",
			},
			[]string{"role"},
		),

		SeverityObserved: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "message_severity",
				Help:      "Assessed severity of user messages",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),

		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "escalations_total",
				Help:      "Total escalation decisions by kind",
			},
			[]string{"kind"},
		),

		OverridesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "overrides_total",
				Help:      "Total emergency overrides by safety level and fallback use",
			},
			[]string{"safety_level", "fallback"},
		),

		OverrideResponseSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "override_response_seconds",
				Help:      "Emergency override activation latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 10},
			},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "active_sessions",
				Help:      "Sessions that are not resolved or ended",
			},
		),

		LiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "live_connections",
				Help:      "Attached real-time connections",
			},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "wait_queue_depth",
				Help:      "Sessions waiting for a volunteer",
			},
		),

		TargetBreachesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: crisisSubsystem,
				Name:      "target_breaches_total",
				Help:      "Rolling latency target breaches by operation",
			},
			[]string{"operation"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation observes one timed operation.
func (m *Metrics) RecordOperation(operation string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation, statusLabel(success)).Observe(d.Seconds())
}

// RecordMessage counts a stored message. Severity is observed for user
// messages only; pass 0 to skip it.
func (m *Metrics) RecordMessage(role string, severity int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(role).Inc()
	if severity > 0 {
		m.SeverityObserved.Observe(float64(severity))
	}
}

// RecordEscalation counts an escalation decision.
func (m *Metrics) RecordEscalation(kind string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(kind).Inc()
}

// RecordOverride counts an override and observes its latency.
func (m *Metrics) RecordOverride(safetyLevel string, usedFallback bool, latency time.Duration) {
	if m == nil {
		return
	}
	fallback := "false"
	if usedFallback {
		fallback = "true"
	}
	m.OverridesTotal.WithLabelValues(safetyLevel, fallback).Inc()
	m.OverrideResponseSeconds.Observe(latency.Seconds())
}

// RecordBreach counts a rolling latency target breach.
func (m *Metrics) RecordBreach(operation string) {
	if m == nil {
		return
	}
	m.TargetBreachesTotal.WithLabelValues(operation).Inc()
}

// SetGauges updates the point-in-time gauges.
func (m *Metrics) SetGauges(activeSessions, liveConnections, queueDepth int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(activeSessions))
	m.LiveConnections.Set(float64(liveConnections))
	m.QueueDepth.Set(float64(queueDepth))
}
