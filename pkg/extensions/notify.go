// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// SupervisorAlert asks on-call supervisors to look at a session.
type SupervisorAlert struct {
	SessionID   string    `json:"session_id"`
	AnonymousID string    `json:"anonymous_id"`
	OverrideID  string    `json:"override_id,omitempty"`
	Severity    int       `json:"severity"`
	SafetyLevel string    `json:"safety_level,omitempty"`
	Reason      string    `json:"reason"`
	RaisedAt    time.Time `json:"raised_at"`
}

// SupervisorNotifier delivers supervisor alerts (pager, queue, chat).
//
// Implementations must be safe for concurrent use. Delivery failures are
// returned; callers log them and never block a session on them.
type SupervisorNotifier interface {
	NotifySupervisors(ctx context.Context, alert SupervisorAlert) error
}

// NopSupervisorNotifier drops alerts.
type NopSupervisorNotifier struct{}

func (n *NopSupervisorNotifier) NotifySupervisors(context.Context, SupervisorAlert) error {
	return nil
}

// LogSupervisorNotifier writes alerts to the structured log at WARN.
type LogSupervisorNotifier struct{}

func (n *LogSupervisorNotifier) NotifySupervisors(ctx context.Context, alert SupervisorAlert) error {
	slog.WarnContext(ctx, "Supervisor alert",
		"session_id", alert.SessionID,
		"anonymous_id", alert.AnonymousID,
		"override_id", alert.OverrideID,
		"severity", alert.Severity,
		"safety_level", alert.SafetyLevel,
		"reason", alert.Reason,
	)
	return nil
}

var (
	_ SupervisorNotifier = (*NopSupervisorNotifier)(nil)
	_ SupervisorNotifier = (*LogSupervisorNotifier)(nil)
)
