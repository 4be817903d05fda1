// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Audit event types emitted by the crisis service.
const (
	EventSessionStarted     = "session.started"
	EventSessionEnded       = "session.ended"
	EventSessionExpired     = "session.expired"
	EventVolunteerAssigned  = "volunteer.assigned"
	EventEscalation         = "session.escalated"
	EventOverrideActivated  = "override.activated"
	EventOverrideCompleted  = "override.completed"
	EventAccessDenied       = "security.access_denied"
	EventSupervisorAuthFail = "auth.failed"
)

// AuditEvent represents a security-relevant event for compliance logging.
//
// Events never carry message plaintext or session tokens. Sessions are
// referenced by ID and anonymous ID only.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    EventOverrideActivated,
//	    Actor:        "system",
//	    ResourceType: "session",
//	    ResourceID:   sessionID,
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"safety_level": "CRITICAL"},
//	}
type AuditEvent struct {
	// EventType categorizes the event. Format: "category.action".
	EventType string

	// Timestamp is when the event occurred. Zero means now.
	Timestamp time.Time

	// Actor is "system", "anonymous" or a supervisor ID.
	Actor string

	// ResourceType is "session", "message", "override" or "volunteer".
	ResourceType string

	// ResourceID identifies the resource instance.
	ResourceID string

	// Outcome is "success", "failure", "denied" or "degraded".
	Outcome string

	// Metadata holds event-specific detail.
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use and should return
// quickly; the service calls Log from request paths.
type AuditLogger interface {
	// Log records one event. Implementations set Timestamp if zero.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists any buffered events. Called on shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error { return nil }
func (l *NopAuditLogger) Flush(ctx context.Context) error                 { return nil }

// SlogAuditLogger writes events to the default slog logger under the
// "audit" group.
type SlogAuditLogger struct{}

// Log writes the event at INFO, or WARN for denied and failed outcomes.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	level := slog.LevelInfo
	if event.Outcome == "denied" || event.Outcome == "failure" {
		level = slog.LevelWarn
	}

	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("actor", event.Actor),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	slog.Log(ctx, level, "Audit event", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error { return nil }

// MultiAuditLogger writes each event to every logger. Log returns the
// joined errors after trying them all.
type MultiAuditLogger []AuditLogger

func (m MultiAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, l := range m {
		if l != nil {
			errs = append(errs, l.Log(ctx, event))
		}
	}
	return errors.Join(errs...)
}

func (m MultiAuditLogger) Flush(ctx context.Context) error {
	var errs []error
	for _, l := range m {
		if l != nil {
			errs = append(errs, l.Flush(ctx))
		}
	}
	return errors.Join(errs...)
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
	_ AuditLogger = MultiAuditLogger(nil)
)
