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

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/matcher"
)

const (
	taskStandardEscalation = "standard_escalation"
	reasonRiskImmediate    = "risk_immediate_action"
)

// errSkipAssignment aborts a session update without saving.
var errSkipAssignment = errors.New("assignment no longer needed")

// =============================================================================
// Emergency Override
// =============================================================================

func (e *Engine) overrideRequest(sess *datatypes.CrisisSession, a datatypes.CrisisAssessment, reason string) datatypes.EmergencyOverrideRequest {
	req := datatypes.EmergencyOverrideRequest{
		OverrideID:    emergency.NewOverrideID(),
		SessionID:     sess.ID,
		AnonymousID:   sess.AnonymousID,
		TriggerReason: reason,
		Severity:      a.Severity,
		RawSeverity:   a.RawSeverity,
		Confidence:    a.Confidence,
		ImmediateRisk: a.ImmediateRisk,
		Keywords:      append([]string(nil), a.Keywords.Emergency...),
		Region:        sess.Region,
		RequestedAt:   e.now().UTC(),
	}
	if loc, ok := e.locations.Load(sess.TokenDigest); ok {
		l := *loc.(*datatypes.GeoLocation)
		req.Location = &l
	}
	return req
}

// launchOverride activates the override on its own goroutine. It is never
// queued behind other work and never cancelled.
func (e *Engine) launchOverride(digest string, req datatypes.EmergencyOverrideRequest) {
	e.goTracked(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Emergency override goroutine panicked",
					"life_safety", true,
					"override_id", req.OverrideID,
					"session_id", req.SessionID,
					"panic", r)
			}
		}()

		ctx := context.Background()
		resp := e.override.Activate(ctx, req)
		e.perf.Record(OpOverride, resp.ResponseTime, !resp.UsedFallback)
		e.metrics.RecordOverride(string(resp.SafetyLevel), resp.UsedFallback, resp.ResponseTime)
		e.metrics.RecordEscalation(string(datatypes.EscalationOverride))

		e.broadcast(ctx, digest, connections.BroadcastEvent{
			Type:         connections.EventOverride,
			SessionID:    req.SessionID,
			Status:       datatypes.StatusEscalated,
			Resources:    e.resources(ctx, req.Region),
			FallbackPlan: resp.FallbackPlan,
			OverrideID:   resp.OverrideID,
			SafetyLevel:  resp.SafetyLevel,
		})
	})
}

// goTracked runs fn on a goroutine Close waits for. Once Close has started
// waiting, fn runs inline on the caller instead.
func (e *Engine) goTracked(fn func()) {
	e.trackMu.Lock()
	if e.draining {
		e.trackMu.Unlock()
		fn()
		return
	}
	e.overrides.Add(1)
	e.trackMu.Unlock()
	go func() {
		defer e.overrides.Done()
		fn()
	}()
}

// =============================================================================
// Standard Escalation
// =============================================================================

// submitEscalation queues the standard escalation path. If the pool is full
// the escalation runs on its own goroutine; if it is closed it runs inline.
// Either way it is never lost.
func (e *Engine) submitEscalation(sess *datatypes.CrisisSession, out *messageOutcome) {
	if out == nil || out.escalation != datatypes.EscalationStandard {
		return
	}
	e.metrics.RecordEscalation(string(datatypes.EscalationStandard))
	task := Task{
		Name:      taskStandardEscalation,
		SessionID: sess.ID,
		Work: func(ctx context.Context) error {
			return e.escalate(ctx, sess, out)
		},
	}
	err := e.pool.Submit(task)
	if err == nil {
		return
	}
	slog.Error("Standard escalation not queued, running directly",
		"life_safety", true, "session_id", sess.ID, "error", err)
	run := func() {
		res := e.pool.run(task)
		if res.Err != nil {
			slog.Error("Background task failed", "task", res.Name, "session_id", res.SessionID, "error", res.Err)
		}
	}
	if errors.Is(err, ErrPoolClosed) {
		run()
		return
	}
	e.goTracked(run)
}

// escalate publishes the escalation and pages supervisors. Both are
// attempted; their errors are joined.
func (e *Engine) escalate(ctx context.Context, sess *datatypes.CrisisSession, out *messageOutcome) error {
	severity, tier := 0, ""
	if out.assessment != nil {
		severity = out.assessment.Severity
	}
	if out.risk != nil {
		tier = string(out.risk.Tier)
	}
	now := e.now().UTC()

	var errs []error
	err := e.pub.Publish(ctx, events.Event{
		ID:          uuid.NewString(),
		Type:        events.TypeStandardEscalation,
		SessionID:   sess.ID,
		AnonymousID: sess.AnonymousID,
		Severity:    severity,
		RiskTier:    tier,
		Reason:      reasonRiskImmediate,
		Region:      sess.Region,
		OccurredAt:  now,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("publish escalation: %w", err))
	}
	err = e.notifier.NotifySupervisors(ctx, extensions.SupervisorAlert{
		SessionID:   sess.ID,
		AnonymousID: sess.AnonymousID,
		Severity:    severity,
		Reason:      reasonRiskImmediate,
		RaisedAt:    now,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("notify supervisors: %w", err))
	}

	outcome := "success"
	if len(errs) > 0 {
		outcome = "failure"
	}
	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventEscalation,
		Actor:        "system",
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      outcome,
		Metadata:     map[string]any{"severity": severity, "risk_tier": tier, "kind": "standard"},
	})
	return errors.Join(errs...)
}

// =============================================================================
// Matching
// =============================================================================

func (e *Engine) criteriaFor(sess *datatypes.CrisisSession, out *messageOutcome) matcher.MatchCriteria {
	severity := sess.PeakSeverity
	var keywords []string
	if out != nil && out.assessment != nil {
		keywords = out.assessment.Keywords.All()
	}
	return matcher.MatchCriteria{
		SessionID:   sess.ID,
		Severity:    severity,
		Keywords:    keywords,
		Language:    sess.Language,
		Urgency:     matcher.UrgencyForSeverity(severity),
		RequestedAt: e.now().UTC(),
	}
}

// submitMatch queues volunteer matching. If the pool is full the session
// goes straight to the wait queue for the next retry.
func (e *Engine) submitMatch(sess *datatypes.CrisisSession, out *messageOutcome) {
	c := e.criteriaFor(sess, out)
	err := e.pool.Submit(Task{
		Name:      OpMatch,
		SessionID: sess.ID,
		Work: func(ctx context.Context) error {
			_, err := e.matchSession(ctx, c)
			return err
		},
	})
	if err != nil {
		pos := e.queue.Enqueue(c)
		slog.Error("Volunteer matching not queued, session waiting for retry",
			"session_id", sess.ID, "queue_position", pos, "error", err)
	}
}

// matchSession assigns a volunteer or queues the session. Reports whether
// a volunteer was assigned.
func (e *Engine) matchSession(ctx context.Context, c matcher.MatchCriteria) (bool, error) {
	v, err := e.matcher.AssignVolunteer(ctx, c)
	if err != nil {
		e.queue.Enqueue(c)
		return false, fmt.Errorf("volunteer matching failed: %w", err)
	}
	if v == nil {
		pos := e.queue.Enqueue(c)
		slog.Info("No volunteer available, session queued",
			"session_id", c.SessionID, "urgency", c.Urgency, "queue_position", pos)
		return false, nil
	}
	return e.recordAssignment(ctx, c.SessionID, v.ID)
}

// recordAssignment attaches a reserved volunteer to the session, or gives
// the slot back when the session ended or got a volunteer meanwhile.
func (e *Engine) recordAssignment(ctx context.Context, sessionID, volunteerID string) (bool, error) {
	var (
		digest string
		status datatypes.SessionStatus
	)
	err := e.withSessionID(ctx, sessionID, func(sess *datatypes.CrisisSession) error {
		if sess.Status.IsTerminal() || sess.VolunteerID != "" {
			return errSkipAssignment
		}
		sess.VolunteerID = volunteerID
		digest, status = sess.TokenDigest, sess.Status
		return nil
	})
	if err != nil {
		if rerr := e.matcher.ReleaseVolunteer(ctx, volunteerID); rerr != nil {
			slog.Error("Failed to release unused volunteer slot", "volunteer_id", volunteerID, "error", rerr)
		}
		e.queue.Remove(sessionID)
		if errors.Is(err, errSkipAssignment) || errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}

	e.queue.Remove(sessionID)
	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventVolunteerAssigned,
		Actor:        "system",
		ResourceType: "session",
		ResourceID:   sessionID,
		Outcome:      "success",
		Metadata:     map[string]any{"volunteer_id": volunteerID},
	})
	e.broadcast(ctx, digest, connections.BroadcastEvent{
		Type:      connections.EventStatus,
		SessionID: sessionID,
		Status:    status,
	})
	return true, nil
}

// RetryQueuedMatches tries to match every queued session, oldest first.
//
// # Outputs
//
//   - int: Sessions matched on this pass.
//   - error: Joined matching failures. Failed sessions stay queued.
func (e *Engine) RetryQueuedMatches(ctx context.Context) (int, error) {
	queued := e.queue.Snapshot()
	matched := 0
	var errs []error
	for _, c := range queued {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := e.matchSession(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			matched++
		}
	}
	if matched > 0 {
		slog.Info("Matched queued sessions", "matched", matched, "remaining", e.queue.Len())
	}
	return matched, errors.Join(errs...)
}
