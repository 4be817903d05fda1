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
	"github.com/AleutianAI/AleutianCrisis/services/crisis/assessment"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// messageOutcome is what processing one message decided.
type messageOutcome struct {
	stored     *datatypes.StoredMessage
	assessment *datatypes.CrisisAssessment
	risk       *datatypes.RiskBreakdown
	escalation datatypes.EscalationKind
	overrideID string
}

// SendMessage appends a message from the anonymous user owning
// req.SessionToken.
//
// # Description
//
// The sender is always the anonymous user, so every message on this path
// is assessed and risk scored before storage. Staff messages go through
// SendStaffMessage. Calls for one session run one at a time, so storage
// sequence and broadcast order match arrival order. An emergency override
// starts before the message is persisted and runs to completion even if
// persisting fails.
//
// # Outputs
//
//   - *datatypes.StoredMessage: The persisted encrypted message.
//   - error: ErrInvalidRequest, ErrSessionNotFound, ErrSessionEnded, or a
//     store/crypto failure on the hot path.
func (e *Engine) SendMessage(ctx context.Context, req datatypes.SendMessageRequest) (stored *datatypes.StoredMessage, err error) {
	start := e.now()
	ctx, span := e.startSpan(ctx, "SendMessage", attribute.String("message.role", string(datatypes.RoleAnonymousUser)))
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

	digest := datatypes.TokenDigest(req.SessionToken)
	var (
		out      *messageOutcome
		snapshot *datatypes.CrisisSession
	)
	err = e.seq.do(digest, func() error {
		sess, err := e.loadSession(ctx, req.SessionToken)
		if err != nil {
			return err
		}
		if sess.Status.IsTerminal() {
			return ErrSessionEnded
		}
		out, err = e.processMessage(ctx, sess, datatypes.RoleAnonymousUser, "", req.Text)
		if err != nil {
			return err
		}
		if err := e.store.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		e.broadcast(ctx, digest, connections.BroadcastEvent{
			Type:      connections.EventMessage,
			SessionID: sess.ID,
			MessageID: out.stored.ID,
			Sequence:  out.stored.Sequence,
			Payload:   &out.stored.Payload,
			Status:    sess.Status,
		})
		snapshot = sess.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	severity := 0
	if out.assessment != nil {
		severity = out.assessment.Severity
		span.SetAttributes(attribute.Int("message.severity", severity))
	}
	span.SetAttributes(attribute.String("message.escalation", string(out.escalation)))
	e.metrics.RecordMessage(string(datatypes.RoleAnonymousUser), severity)

	e.submitEscalation(snapshot, out)
	if out.escalation != datatypes.EscalationNone && snapshot.VolunteerID == "" {
		e.submitMatch(snapshot, out)
	}
	return out.stored, nil
}

// processMessage encrypts, assesses and persists one message, mutating
// sess in memory. The caller holds the session lock and saves sess.
// Sessions loaded by ID carry no token and are encrypted under the live
// key for their digest.
func (e *Engine) processMessage(ctx context.Context, sess *datatypes.CrisisSession, role datatypes.SenderRole, senderID, text string) (*messageOutcome, error) {
	var (
		payload datatypes.EncryptedMessage
		err     error
	)
	if sess.SessionToken != "" {
		payload, err = e.crypto.Encrypt(sess.SessionToken, []byte(text))
	} else {
		payload, err = e.crypto.EncryptDigest(sess.TokenDigest, []byte(text))
		if errors.Is(err, sessioncrypto.ErrKeyNotFound) {
			return nil, ErrSessionUnavailable
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}
	payload.SenderRole = role

	out := &messageOutcome{escalation: datatypes.EscalationNone}
	meta := datatypes.MessageMetadata{Escalation: datatypes.EscalationNone}

	if role == datatypes.RoleAnonymousUser {
		a := e.assessor.Assess(ctx, text)
		risk := e.risk.Score(a, assessment.SessionContextFrom(sess))
		sess.RecordSeverity(a.Severity, e.cfg.HighSeverity)
		out.assessment, out.risk = &a, &risk
		meta.Assessment, meta.Risk = &a, &risk

		oc := emergency.ContextFrom(sess)
		switch {
		case emergency.ShouldTrigger(a, oc):
			req := e.overrideRequest(sess, a, emergency.TriggerReason(a, oc))
			out.escalation = datatypes.EscalationOverride
			out.overrideID = req.OverrideID
			meta.OverrideID = req.OverrideID
			sess.Status = datatypes.StatusEscalated
			sess.EscalationCount++
			// Started before persisting so a store failure cannot hold
			// back emergency action.
			e.launchOverride(sess.TokenDigest, req)
		case risk.ImmediateAction:
			out.escalation = datatypes.EscalationStandard
			sess.Status = datatypes.StatusEscalated
			sess.EscalationCount++
		}
		meta.Escalation = out.escalation
	}

	stored, err := e.store.StoreMessage(ctx, datatypes.NewMessage{
		SessionID:   sess.ID,
		Sequence:    sess.MessageCount,
		Role:        role,
		SenderID:    senderID,
		Payload:     payload,
		ContentHash: sessioncrypto.Hash([]byte(text)),
		Metadata:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	sess.MessageCount++
	sess.LastActivity = e.now().UTC()
	out.stored = stored
	return out, nil
}

// GetMessage decrypts one message for the owner of token.
//
// # Description
//
// The message must belong to the session owning token, and that session
// must not have ended. Every ownership or decryption failure returns
// ErrAccessDenied and is audited; no partial content is ever returned.
//
// # Outputs
//
//   - string: Plaintext.
//   - error: ErrAccessDenied, or a store failure.
func (e *Engine) GetMessage(ctx context.Context, messageID, token string) (plaintext string, err error) {
	start := e.now()
	ctx, span := e.startSpan(ctx, "GetMessage")
	defer func() {
		e.observe(OpGetMessage, start, err)
		endSpan(span, err)
	}()

	sess, err := e.loadSession(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return "", e.deny(ctx, messageID, "unknown_token")
	}
	if err != nil {
		return "", err
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", e.deny(ctx, messageID, "unknown_message")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SessionID != sess.ID {
		return "", e.deny(ctx, messageID, "session_mismatch")
	}
	if sess.Status.IsTerminal() {
		return "", e.deny(ctx, messageID, "session_ended")
	}

	pt, err := e.crypto.Decrypt(token, msg.Payload)
	if err != nil {
		slog.Warn("Message decryption refused", "message_id", messageID, "security_error", errors.Is(err, sessioncrypto.ErrSecurity))
		return "", e.deny(ctx, messageID, "decrypt_failed")
	}
	return string(pt), nil
}

func (e *Engine) deny(ctx context.Context, messageID, reason string) error {
	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventAccessDenied,
		Actor:        "anonymous",
		ResourceType: "message",
		ResourceID:   messageID,
		Outcome:      "denied",
		Metadata:     map[string]any{"reason": reason},
	})
	return ErrAccessDenied
}
