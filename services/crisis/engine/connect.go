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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
)

// ConnectAnonymous opens a new anonymous session.
//
// # Description
//
// Generates an anonymous identity and session token, persists the
// session, derives its keys and registers a connection. An opening
// message is processed exactly like SendMessage. Matching and any
// escalation are submitted in the background. Latency above ConnectMax is
// logged at ERROR but never rejected.
//
// # Outputs
//
//   - *datatypes.ConnectResponse: Never nil. On any failure it is marked
//     Degraded and still carries emergency resources.
//   - error: ErrInvalidRequest for bad input, otherwise the internal
//     failure that degraded the response.
func (e *Engine) ConnectAnonymous(ctx context.Context, req datatypes.ConnectRequest) (resp *datatypes.ConnectResponse, err error) {
	start := e.now()
	ctx, span := e.startSpan(ctx, "ConnectAnonymous",
		attribute.Bool("connect.initial_message", req.InitialMessage != ""))
	defer func() {
		d := e.observe(OpConnect, start, err)
		switch {
		case d > e.cfg.ConnectMax:
			slog.Error("Connect exceeded hard latency target", "duration", d, "max", e.cfg.ConnectMax)
		case d > e.cfg.ConnectTarget:
			slog.Warn("Connect exceeded latency target", "duration", d, "target", e.cfg.ConnectTarget)
		}
		endSpan(span, err)
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connect panicked: %v", r)
			resp = degradedConnect()
			slog.Error("Anonymous connect failed", "life_safety", true, "error", err)
		}
	}()

	if e.isClosed() {
		return degradedConnect(), ErrClosed
	}
	if err := req.Validate(); err != nil {
		return degradedConnect(), fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	resp, err = e.connect(ctx, req)
	if err != nil {
		slog.Error("Anonymous connect failed, returning emergency resources",
			"life_safety", true, "error", err)
		return degradedConnect(), err
	}
	return resp, nil
}

func degradedConnect() *datatypes.ConnectResponse {
	return &datatypes.ConnectResponse{
		EmergencyResources: datatypes.DefaultEmergencyResources(),
		Degraded:           true,
	}
}

func (e *Engine) connect(ctx context.Context, req datatypes.ConnectRequest) (*datatypes.ConnectResponse, error) {
	token, err := sessioncrypto.NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	sess := &datatypes.CrisisSession{
		ID:           uuid.NewString(),
		AnonymousID:  "anon-" + uuid.NewString(),
		SessionToken: token,
		TokenDigest:  datatypes.TokenDigest(token),
		Status:       datatypes.StatusConnecting,
		StartedAt:    now,
		LastActivity: now,
		Language:     req.Language,
		Region:       req.Region,
	}

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := e.crypto.DeriveKeys(token); err != nil {
		e.abandon(ctx, sess)
		return nil, fmt.Errorf("failed to derive session keys: %w", err)
	}
	if req.Location != nil {
		loc := *req.Location
		e.locations.Store(sess.TokenDigest, &loc)
	}

	conn, err := e.conns.Connect(ctx, connections.ConnectConfig{
		SessionID:    sess.ID,
		AnonymousID:  sess.AnonymousID,
		SessionToken: token,
	})
	if err != nil {
		e.abandon(ctx, sess)
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	var outcome *messageOutcome
	err = e.seq.do(sess.TokenDigest, func() error {
		if req.InitialMessage != "" {
			var err error
			outcome, err = e.processMessage(ctx, sess, datatypes.RoleAnonymousUser, "", req.InitialMessage)
			if err != nil {
				return err
			}
		}
		if sess.Status == datatypes.StatusConnecting {
			sess.Status = datatypes.StatusWaiting
		}
		return e.store.UpdateSession(ctx, sess)
	})
	if err != nil {
		e.abandon(ctx, sess)
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	e.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventSessionStarted,
		Actor:        "anonymous",
		ResourceType: "session",
		ResourceID:   sess.ID,
		Outcome:      "success",
		Metadata:     map[string]any{"anonymous_id": sess.AnonymousID, "region": sess.Region},
	})
	e.submitEscalation(sess.Clone(), outcome)
	e.submitMatch(sess.Clone(), outcome)

	resp := &datatypes.ConnectResponse{
		SessionID:          sess.ID,
		AnonymousID:        sess.AnonymousID,
		SessionToken:       token,
		ConnectionID:       conn.ConnectionID,
		URL:                conn.URL,
		Status:             sess.Status,
		EmergencyResources: e.resources(ctx, sess.Region),
	}
	if outcome != nil && outcome.assessment != nil {
		resp.Severity = outcome.assessment.Severity
	}
	return resp, nil
}

// abandon undoes a half-built session. Errors are logged only.
func (e *Engine) abandon(ctx context.Context, sess *datatypes.CrisisSession) {
	e.conns.CloseSession(ctx, sess.SessionToken)
	e.crypto.DestroySessionKeys(sess.SessionToken)
	e.locations.Delete(sess.TokenDigest)

	ended := e.now().UTC()
	sess.Status = datatypes.StatusEnded
	sess.EndedAt = &ended
	sess.Outcome = "connect_failed"
	if err := e.store.UpdateSession(context.WithoutCancel(ctx), sess); err != nil {
		slog.Warn("Failed to mark abandoned session", "session_id", sess.ID, "error", err)
	}
}

// Reconnect registers a new connection for the live session owning token.
//
// # Description
//
// A client whose connection was reaped or dropped, or a second device of
// the same user, calls Reconnect and attaches with the returned
// connection ID. It also re-derives the session keys if they were swept,
// so staff can keep writing to the session.
//
// # Outputs
//
//   - *datatypes.JoinResponse: The new connection.
//   - error: ErrSessionNotFound, ErrSessionEnded, ErrClosed, or a store,
//     crypto or transport failure.
func (e *Engine) Reconnect(ctx context.Context, token string) (*datatypes.JoinResponse, error) {
	ctx, span := e.startSpan(ctx, "Reconnect")
	var err error
	defer func() { endSpan(span, err) }()

	if e.isClosed() {
		return nil, ErrClosed
	}
	var sess *datatypes.CrisisSession
	err = e.withSession(ctx, token, func(s *datatypes.CrisisSession) error {
		if s.Status.IsTerminal() {
			return ErrSessionEnded
		}
		s.LastActivity = e.now().UTC()
		sess = s.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err = e.crypto.DeriveKeys(token); err != nil {
		return nil, fmt.Errorf("failed to derive session keys: %w", err)
	}

	var conn connections.ConnectResult
	conn, err = e.conns.Connect(ctx, connections.ConnectConfig{
		SessionID:    sess.ID,
		AnonymousID:  sess.AnonymousID,
		SessionToken: token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	return &datatypes.JoinResponse{
		SessionID:    sess.ID,
		AnonymousID:  sess.AnonymousID,
		Status:       sess.Status,
		ConnectionID: conn.ConnectionID,
		URL:          conn.URL,
	}, nil
}
