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

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// =============================================================================
// Staff Side
// =============================================================================
//
// Volunteers and supervisors address sessions by ID. They never hold the
// anonymous user's token; messages are sealed and opened with the live key
// for the session's token digest.

// AcceptVolunteer records a volunteer joining a session and opens a
// connection for them.
//
// # Description
//
// A session assigned by the matcher may only be accepted by that
// volunteer. An unassigned session reserves a slot for the accepting
// volunteer first. WAITING and CONNECTING sessions become ACTIVE; an
// ESCALATED session stays escalated. Accepting again as the assigned
// volunteer opens another connection, which is how a volunteer rejoins.
//
// # Outputs
//
//   - *datatypes.JoinResponse: Session state plus the connection the
//     volunteer attaches with AttachParticipant.
//   - error: ErrInvalidRequest, ErrSessionNotFound, ErrSessionEnded,
//     ErrVolunteerMismatch, or storage.ErrCapacityExceeded.
func (e *Engine) AcceptVolunteer(ctx context.Context, req datatypes.AcceptSessionRequest) (*datatypes.JoinResponse, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var (
		reserved bool
		result   *datatypes.CrisisSession
	)
	err := e.withSessionID(ctx, req.SessionID, func(sess *datatypes.CrisisSession) error {
		if sess.Status.IsTerminal() {
			return ErrSessionEnded
		}
		switch sess.VolunteerID {
		case req.VolunteerID:
		case "":
			if err := e.store.IncrementLoad(ctx, req.VolunteerID); err != nil {
				return fmt.Errorf("failed to reserve volunteer: %w", err)
			}
			reserved = true
			sess.VolunteerID = req.VolunteerID
		default:
			return ErrVolunteerMismatch
		}
		if sess.Status == datatypes.StatusWaiting || sess.Status == datatypes.StatusConnecting {
			sess.Status = datatypes.StatusActive
		}
		sess.LastActivity = e.now().UTC()
		result = sess.Clone()
		return nil
	})
	if err != nil {
		if reserved {
			if rerr := e.matcher.ReleaseVolunteer(context.WithoutCancel(ctx), req.VolunteerID); rerr != nil {
				slog.Error("Failed to release volunteer after failed accept", "volunteer_id", req.VolunteerID, "error", rerr)
			}
		}
		return nil, err
	}

	conn, err := e.conns.Connect(ctx, connections.ConnectConfig{
		SessionID:   result.ID,
		AnonymousID: result.AnonymousID,
		TokenDigest: result.TokenDigest,
		Participant: req.VolunteerID,
	})
	if err != nil {
		// The assignment stands; accepting again retries the connection.
		return nil, fmt.Errorf("failed to open volunteer connection: %w", err)
	}

	e.queue.Remove(result.ID)
	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventVolunteerAssigned,
		Actor:        req.VolunteerID,
		ResourceType: "session",
		ResourceID:   result.ID,
		Outcome:      "success",
		Metadata:     map[string]any{"accepted": true, "connection_id": conn.ConnectionID},
	})
	e.broadcast(ctx, result.TokenDigest, connections.BroadcastEvent{
		Type:      connections.EventVolunteerJoin,
		SessionID: result.ID,
		Status:    result.Status,
	})
	return &datatypes.JoinResponse{
		SessionID:    result.ID,
		AnonymousID:  result.AnonymousID,
		VolunteerID:  result.VolunteerID,
		Status:       result.Status,
		ConnectionID: conn.ConnectionID,
		URL:          conn.URL,
	}, nil
}

// SendStaffMessage appends a volunteer or system message.
//
// # Description
//
// A volunteer message is accepted only from the volunteer assigned to the
// session. Staff messages are never assessed. They are broadcast to every
// connection of the session, the anonymous user's included.
//
// # Outputs
//
//   - *datatypes.StoredMessage: The persisted encrypted message.
//   - error: ErrInvalidRequest, ErrSessionNotFound, ErrSessionEnded,
//     ErrVolunteerMismatch, ErrSessionUnavailable, or a store failure.
func (e *Engine) SendStaffMessage(ctx context.Context, req datatypes.StaffMessageRequest) (stored *datatypes.StoredMessage, err error) {
	start := e.now()
	ctx, span := e.startSpan(ctx, "SendStaffMessage", attribute.String("message.role", string(req.Role)))
	defer func() {
		if d := e.observe(OpSendMessage, start, err); d > e.cfg.SendTarget {
			slog.Warn("Send exceeded latency target", "duration", d, "target", e.cfg.SendTarget)
		}
		endSpan(span, err)
	}()

	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	err = e.lockSessionID(ctx, req.SessionID, func(sess *datatypes.CrisisSession) error {
		if sess.Status.IsTerminal() {
			return ErrSessionEnded
		}
		if req.Role == datatypes.RoleVolunteer && sess.VolunteerID != req.SenderID {
			return ErrVolunteerMismatch
		}
		out, err := e.processMessage(ctx, sess, req.Role, req.SenderID, req.Text)
		if err != nil {
			return err
		}
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		e.broadcast(ctx, sess.TokenDigest, connections.BroadcastEvent{
			Type:      connections.EventMessage,
			SessionID: sess.ID,
			MessageID: out.stored.ID,
			Sequence:  out.stored.Sequence,
			Payload:   &out.stored.Payload,
			Status:    sess.Status,
		})
		stored = out.stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordMessage(string(req.Role), 0)
	return stored, nil
}

// GetStaffMessage decrypts one message for the volunteer assigned to its
// session. Every failure other than a store error is ErrAccessDenied and
// is audited, as for GetMessage.
func (e *Engine) GetStaffMessage(ctx context.Context, sessionID, messageID, volunteerID string) (plaintext string, err error) {
	start := e.now()
	ctx, span := e.startSpan(ctx, "GetStaffMessage")
	defer func() {
		e.observe(OpGetMessage, start, err)
		endSpan(span, err)
	}()

	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", e.denyStaff(ctx, volunteerID, messageID, "unknown_session")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if volunteerID == "" || sess.VolunteerID != volunteerID {
		return "", e.denyStaff(ctx, volunteerID, messageID, "not_assigned")
	}
	if sess.Status.IsTerminal() {
		return "", e.denyStaff(ctx, volunteerID, messageID, "session_ended")
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", e.denyStaff(ctx, volunteerID, messageID, "unknown_message")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SessionID != sess.ID {
		return "", e.denyStaff(ctx, volunteerID, messageID, "session_mismatch")
	}

	pt, err := e.crypto.DecryptDigest(sess.TokenDigest, msg.Payload)
	if err != nil {
		slog.Warn("Message decryption refused", "message_id", messageID, "security_error", errors.Is(err, sessioncrypto.ErrSecurity))
		return "", e.denyStaff(ctx, volunteerID, messageID, "decrypt_failed")
	}
	return string(pt), nil
}

func (e *Engine) denyStaff(ctx context.Context, actor, messageID, reason string) error {
	if actor == "" {
		actor = "unknown"
	}
	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventAccessDenied,
		Actor:        actor,
		ResourceType: "message",
		ResourceID:   messageID,
		Outcome:      "denied",
		Metadata:     map[string]any{"reason": reason},
	})
	return ErrAccessDenied
}
