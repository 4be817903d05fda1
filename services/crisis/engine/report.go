// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// Report is a point-in-time view of the Engine's health.
type Report struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	Operations      map[string]OpStats `json:"operations"`
	Breaches        []Breach           `json:"breaches,omitempty"`
	ActiveSessions  int                `json:"active_sessions"`
	Connections     int                `json:"connections"`
	LiveConnections int                `json:"live_connections"`
	QueuedSessions  int                `json:"queued_sessions"`
	PendingTasks    int                `json:"pending_tasks"`
	ActiveOverrides int                `json:"active_overrides"`
	SessionKeys     int                `json:"session_keys"`
	LockedSessions  int                `json:"locked_sessions"`
}

var liveStatuses = []datatypes.SessionStatus{
	datatypes.StatusConnecting,
	datatypes.StatusWaiting,
	datatypes.StatusActive,
	datatypes.StatusEscalated,
}

// PerformanceReport gathers latency windows and live counts, and refreshes
// the gauges as a side effect.
func (e *Engine) PerformanceReport(ctx context.Context) (*Report, error) {
	active, err := e.store.CountSessions(ctx, storage.SessionFilter{Statuses: liveStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	total, live := e.conns.Counts()
	r := &Report{
		GeneratedAt:     e.now().UTC(),
		Operations:      e.perf.Snapshot(),
		Breaches:        e.perf.Check(),
		ActiveSessions:  active,
		Connections:     total,
		LiveConnections: live,
		QueuedSessions:  e.queue.Len(),
		PendingTasks:    e.pool.Pending(),
		ActiveOverrides: len(e.override.Active()),
		SessionKeys:     e.crypto.KeyCount(),
		LockedSessions:  e.seq.size(),
	}
	e.metrics.SetGauges(active, live, r.QueuedSessions)
	return r, nil
}

// CheckPerformance logs and counts operations whose p95 is over target.
// It always returns nil so it can run as a scheduled job.
func (e *Engine) CheckPerformance(ctx context.Context) error {
	for _, b := range e.perf.Check() {
		slog.Warn("Operation over latency target",
			"operation", b.Operation, "p95", b.P95, "target", b.Target)
		e.metrics.RecordBreach(b.Operation)
	}
	if _, err := e.PerformanceReport(ctx); err != nil {
		slog.Debug("Gauge refresh failed", "error", err)
	}
	return nil
}

// CompleteOverride closes an override on behalf of a supervisor.
func (e *Engine) CompleteOverride(ctx context.Context, overrideID, supervisor string, req datatypes.CompleteOverrideRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := e.override.Complete(ctx, overrideID, req.Outcome); err != nil {
		return err
	}
	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventOverrideCompleted,
		Actor:        supervisor,
		ResourceType: "override",
		ResourceID:   overrideID,
		Outcome:      "success",
		Metadata:     map[string]any{"completed_by": supervisor},
	})
	return nil
}
