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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

const (
	outcomeResolved    = "resolved"
	outcomeIdleTimeout = "idle_timeout"
)

// EndSession resolves the session owning token.
//
// # Description
//
// The session is marked RESOLVED first, so concurrent calls see it as
// ended. Connections are then closed, and only after that are the keys
// destroyed, so no live connection can race a decrypt against a destroyed
// key. Finally the volunteer slot is released. In-flight overrides keep
// running.
func (e *Engine) EndSession(ctx context.Context, token, outcome string) (err error) {
	start := e.now()
	ctx, span := e.startSpan(ctx, "EndSession")
	defer func() {
		e.observe(OpEndSession, start, err)
		endSpan(span, err)
	}()

	if outcome == "" {
		outcome = outcomeResolved
	}
	var ended *datatypes.CrisisSession
	err = e.withSession(ctx, token, func(sess *datatypes.CrisisSession) error {
		if sess.Status.IsTerminal() {
			return ErrSessionEnded
		}
		now := e.now().UTC()
		sess.Status = datatypes.StatusResolved
		sess.EndedAt = &now
		sess.LastActivity = now
		sess.Outcome = outcome
		ended = sess.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	e.terminate(ctx, ended, extensions.EventSessionEnded, "anonymous")
	return nil
}

// ExpireIdleSessions ends sessions idle longer than IdleTimeout.
//
// # Outputs
//
//   - int: Sessions ended.
//   - error: Listing failure or joined per-session failures.
func (e *Engine) ExpireIdleSessions(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cfg.IdleTimeout)
	idle, err := e.store.ListIdleSessions(ctx, cutoff, e.cfg.IdleBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	expired := 0
	var errs []error
	for _, candidate := range idle {
		var ended *datatypes.CrisisSession
		err := e.withSessionID(ctx, candidate.ID, func(sess *datatypes.CrisisSession) error {
			if sess.Status.IsTerminal() || !sess.LastActivity.Before(cutoff) {
				return errSkipAssignment
			}
			now := e.now().UTC()
			sess.Status = datatypes.StatusEnded
			sess.EndedAt = &now
			sess.Outcome = outcomeIdleTimeout
			ended = sess.Clone()
			return nil
		})
		if errors.Is(err, errSkipAssignment) || errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.terminate(ctx, ended, extensions.EventSessionExpired, "system")
		expired++
	}
	if expired > 0 {
		slog.Info("Expired idle sessions", "count", expired, "idle_timeout", e.cfg.IdleTimeout)
	}
	return expired, errors.Join(errs...)
}

// terminate tears down an ended session: notify, close connections, then
// destroy keys, then release the volunteer.
func (e *Engine) terminate(ctx context.Context, sess *datatypes.CrisisSession, eventType, actor string) {
	digest := sess.TokenDigest

	e.broadcast(ctx, digest, connections.BroadcastEvent{
		Type:      connections.EventSessionEnded,
		SessionID: sess.ID,
		Status:    sess.Status,
	})
	closed := e.conns.CloseDigest(ctx, digest)
	destroyed := e.crypto.DestroyDigest(digest)
	e.locations.Delete(digest)
	e.queue.Remove(sess.ID)

	if sess.VolunteerID != "" {
		if err := e.matcher.ReleaseVolunteer(context.WithoutCancel(ctx), sess.VolunteerID); err != nil {
			slog.Error("Failed to release volunteer", "session_id", sess.ID, "volunteer_id", sess.VolunteerID, "error", err)
		}
	}

	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Actor:        actor,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      "success",
		Metadata: map[string]any{
			"status":             string(sess.Status),
			"outcome":            sess.Outcome,
			"peak_severity":      sess.PeakSeverity,
			"escalations":        sess.EscalationCount,
			"messages":           sess.MessageCount,
			"connections_closed": closed,
			"keys_destroyed":     destroyed,
		},
	})
}
