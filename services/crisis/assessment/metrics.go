// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assessment

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for assessment operations.
var (
	tracer = otel.Tracer("aleutian.crisis.assessment")
	meter  = otel.Meter("aleutian.crisis.assessment")
)

var (
	assessLatency   metric.Float64Histogram
	assessTotal     metric.Int64Counter
	assessSeverity  metric.Int64Histogram
	assessSlowTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		assessLatency, err = meter.Float64Histogram(
			"crisis_assessment_duration_seconds",
			metric.WithDescription("Duration of severity assessments"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assessTotal, err = meter.Int64Counter(
			"crisis_assessment_total",
			metric.WithDescription("Total severity assessments"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assessSeverity, err = meter.Int64Histogram(
			"crisis_assessment_severity",
			metric.WithDescription("Assessed severity per message"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assessSlowTotal, err = meter.Int64Counter(
			"crisis_assessment_slow_total",
			metric.WithDescription("Assessments exceeding the latency target"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startAssessSpan(ctx context.Context, length int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Assessor.Assess",
		trace.WithAttributes(
			attribute.Int("assessment.message_bytes", length),
		),
	)
}

// setAssessSpanResult records the outcome. Message text is never attached.
func setAssessSpanResult(span trace.Span, severity int, immediate, degraded bool) {
	span.SetAttributes(
		attribute.Int("assessment.severity", severity),
		attribute.Bool("assessment.immediate_risk", immediate),
		attribute.Bool("assessment.degraded", degraded),
	)
}

func recordAssessMetrics(ctx context.Context, duration time.Duration, severity int, degraded, slow bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("degraded", degraded),
	)
	assessLatency.Record(ctx, duration.Seconds(), attrs)
	assessTotal.Add(ctx, 1, attrs)
	assessSeverity.Record(ctx, int64(severity))
	if slow {
		assessSlowTotal.Add(ctx, 1)
	}
}
