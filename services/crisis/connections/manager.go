// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connections tracks live client attachments per session and fans
// encrypted events out to them.
//
// Connections carry routing metadata only. A BroadcastEvent holds
// ciphertext, never plaintext.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// Latency targets. Exceeding them is logged, never enforced.
const (
	ConnectTarget   = 100 * time.Millisecond
	BroadcastTarget = 50 * time.Millisecond
)

var (
	// ErrUnknownConnection is returned for connection IDs the manager
	// does not track.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrTokenMismatch is returned when an attach presents a credential
	// that does not own the connection.
	ErrTokenMismatch = errors.New("session token does not own connection")

	// ErrNotAttached is returned by transports asked to send to a
	// connection whose client has not dialed in yet.
	ErrNotAttached = errors.New("connection not attached")
)

// Broadcast event types.
const (
	EventMessage       = "message"
	EventStatus        = "status"
	EventOverride      = "emergency_override"
	EventSessionEnded  = "session_ended"
	EventVolunteerJoin = "volunteer_joined"
)

// BroadcastEvent is pushed to every live connection of a session.
type BroadcastEvent struct {
	Type         string                      `json:"type"`
	SessionID    string                      `json:"session_id"`
	MessageID    string                      `json:"message_id,omitempty"`
	Sequence     int64                       `json:"sequence,omitempty"`
	Payload      *datatypes.EncryptedMessage `json:"payload,omitempty"`
	Status       datatypes.SessionStatus     `json:"status,omitempty"`
	Resources    []datatypes.Resource        `json:"resources,omitempty"`
	FallbackPlan string                      `json:"fallback_plan,omitempty"`
	OverrideID   string                      `json:"override_id,omitempty"`
	SafetyLevel  datatypes.SafetyLevel       `json:"safety_level,omitempty"`
	SentAt       time.Time                   `json:"sent_at"`
}

// ConnectConfig identifies the session a new connection belongs to.
//
// The anonymous user connects with SessionToken. Staff connect with the
// session's TokenDigest and their own Participant ID, and later attach
// with AttachParticipant.
type ConnectConfig struct {
	SessionID    string
	AnonymousID  string
	SessionToken string
	TokenDigest  string
	Participant  string
}

// ConnectResult tells the client where to attach.
type ConnectResult struct {
	URL          string
	ConnectionID string
}

// Config tunes the manager.
type Config struct {
	// SendTimeout bounds a single transport send. Default: BroadcastTarget.
	SendTimeout time.Duration
}

type entry struct {
	conn        datatypes.Connection
	tokenDigest string
}

// Manager owns the connection table.
//
// # Thread Safety
//
// Safe for concurrent use. Transport calls are made without holding the
// table lock.
type Manager struct {
	transport Transport
	cfg       Config

	mu        sync.RWMutex
	conns     map[string]*entry
	bySession map[string]map[string]struct{}
	byDigest  map[string]string

	now func() time.Time
}

// NewManager builds a manager over transport.
func NewManager(transport Transport, cfg Config) *Manager {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = BroadcastTarget
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		conns:     make(map[string]*entry),
		bySession: make(map[string]map[string]struct{}),
		byDigest:  make(map[string]string),
		now:       time.Now,
	}
}

// Connect registers a connection for a session and opens it on the
// transport.
//
// # Outputs
//
//   - ConnectResult: URL and ID the client uses to attach.
//   - error: Non-nil if the config is incomplete or the transport fails.
func (m *Manager) Connect(ctx context.Context, cfg ConnectConfig) (ConnectResult, error) {
	start := m.now()
	digest := cfg.TokenDigest
	if cfg.SessionToken != "" {
		digest = datatypes.TokenDigest(cfg.SessionToken)
	}
	if cfg.SessionID == "" || digest == "" {
		return ConnectResult{}, errors.New("connect requires session id and token")
	}
	if cfg.SessionToken == "" && cfg.Participant == "" {
		return ConnectResult{}, errors.New("digest connections require a participant")
	}

	conn := datatypes.Connection{
		ID:           "conn-" + uuid.NewString(),
		SessionID:    cfg.SessionID,
		AnonymousID:  cfg.AnonymousID,
		Participant:  cfg.Participant,
		ConnectedAt:  start.UTC(),
		LastActivity: start.UTC(),
	}
	url, err := m.transport.Open(ctx, conn)
	if err != nil {
		return ConnectResult{}, fmt.Errorf("failed to open connection: %w", err)
	}

	m.mu.Lock()
	m.conns[conn.ID] = &entry{conn: conn, tokenDigest: digest}
	set, ok := m.bySession[cfg.SessionID]
	if !ok {
		set = make(map[string]struct{})
		m.bySession[cfg.SessionID] = set
	}
	set[conn.ID] = struct{}{}
	m.byDigest[digest] = cfg.SessionID
	m.mu.Unlock()

	if d := m.now().Sub(start); d > ConnectTarget {
		slog.Warn("Slow connection setup", "session_id", cfg.SessionID, "duration_ms", d.Milliseconds())
	}
	return ConnectResult{URL: url, ConnectionID: conn.ID}, nil
}

// Attach marks an anonymous user's connection live once its client has
// dialed in. The token must own the connection.
func (m *Manager) Attach(connectionID, token string) (datatypes.Connection, error) {
	digest := datatypes.TokenDigest(token)
	return m.attach(connectionID, func(e *entry) bool {
		return e.conn.Participant == "" && e.tokenDigest == digest
	})
}

// AttachParticipant marks a staff connection live. The connection must
// belong to sessionID and have been issued to participant.
func (m *Manager) AttachParticipant(connectionID, sessionID, participant string) (datatypes.Connection, error) {
	return m.attach(connectionID, func(e *entry) bool {
		return participant != "" && e.conn.Participant == participant && e.conn.SessionID == sessionID
	})
}

func (m *Manager) attach(connectionID string, owns func(*entry) bool) (datatypes.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.conns[connectionID]
	if !ok {
		return datatypes.Connection{}, ErrUnknownConnection
	}
	if !owns(e) {
		return datatypes.Connection{}, ErrTokenMismatch
	}
	e.conn.Alive = true
	e.conn.LastActivity = m.now().UTC()
	return e.conn, nil
}

// Touch records client activity on a connection.
func (m *Manager) Touch(connectionID string) {
	m.mu.Lock()
	if e, ok := m.conns[connectionID]; ok {
		e.conn.LastActivity = m.now().UTC()
	}
	m.mu.Unlock()
}

// Detach marks a connection not live. The entry stays until the session
// closes or the reaper removes it, so the client may re-attach.
func (m *Manager) Detach(connectionID string) {
	m.mu.Lock()
	if e, ok := m.conns[connectionID]; ok {
		e.conn.Alive = false
	}
	m.mu.Unlock()
}

// Broadcast sends ev to every live connection of the session owning token.
//
// # Description
//
// Sends run concurrently, each bounded by SendTimeout. A connection whose
// send fails is detached. Zero live connections is not an error: the
// event is dropped with a warning, since the client fetches history on
// reconnect.
//
// # Outputs
//
//   - error: Non-nil only if every send failed.
func (m *Manager) Broadcast(ctx context.Context, token string, ev BroadcastEvent) error {
	return m.BroadcastDigest(ctx, datatypes.TokenDigest(token), ev)
}

// BroadcastDigest is Broadcast keyed by token digest.
func (m *Manager) BroadcastDigest(ctx context.Context, digest string, ev BroadcastEvent) error {
	start := m.now()
	sessionID, targets := m.liveConnections(digest)
	if len(targets) == 0 {
		slog.Warn("Broadcast with no live connections", "session_id", sessionID, "event_type", ev.Type)
		return nil
	}
	if ev.SentAt.IsZero() {
		ev.SentAt = start.UTC()
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, id := range targets {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
			defer cancel()
			if err := m.transport.Send(sctx, id, ev); err != nil {
				errs[i] = fmt.Errorf("connection %s: %w", id, err)
				m.Detach(id)
				slog.Warn("Broadcast send failed", "session_id", sessionID, "connection_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if d := m.now().Sub(start); d > BroadcastTarget {
		slog.Warn("Slow broadcast", "session_id", sessionID, "connections", len(targets), "duration_ms", d.Milliseconds())
	}

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed == len(targets) {
		return fmt.Errorf("broadcast failed on all connections: %w", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) liveConnections(digest string) (string, []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.byDigest[digest]
	if !ok {
		return "", nil
	}
	var ids []string
	for id := range m.bySession[sessionID] {
		if m.conns[id].conn.Alive {
			ids = append(ids, id)
		}
	}
	return sessionID, ids
}

// CloseSession closes and forgets every connection of the session owning
// token. It returns how many were closed.
func (m *Manager) CloseSession(ctx context.Context, token string) int {
	return m.CloseDigest(ctx, datatypes.TokenDigest(token))
}

// CloseDigest is CloseSession keyed by token digest.
func (m *Manager) CloseDigest(ctx context.Context, digest string) int {
	m.mu.Lock()
	sessionID, ok := m.byDigest[digest]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	ids := make([]string, 0, len(m.bySession[sessionID]))
	for id := range m.bySession[sessionID] {
		ids = append(ids, id)
		delete(m.conns, id)
	}
	delete(m.bySession, sessionID)
	delete(m.byDigest, digest)
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.transport.Close(id); err != nil {
			slog.Debug("Transport close failed", "connection_id", id, "error", err)
		}
	}
	slog.Info("Session connections closed", "session_id", sessionID, "count", len(ids))
	return len(ids)
}

// ReapIdle closes connections with no activity for maxIdle. It returns how
// many were removed.
func (m *Manager) ReapIdle(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var stale []string
	for id, e := range m.conns {
		if e.conn.LastActivity.Before(cutoff) {
			stale = append(stale, id)
			m.removeLocked(id, e)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.transport.Close(id); err != nil {
			slog.Debug("Transport close failed", "connection_id", id, "error", err)
		}
	}
	if len(stale) > 0 {
		slog.Info("Reaped idle connections", "count", len(stale), "max_idle", maxIdle)
	}
	return len(stale)
}

func (m *Manager) removeLocked(id string, e *entry) {
	delete(m.conns, id)
	set := m.bySession[e.conn.SessionID]
	delete(set, id)
	if len(set) == 0 {
		delete(m.bySession, e.conn.SessionID)
		if m.byDigest[e.tokenDigest] == e.conn.SessionID {
			delete(m.byDigest, e.tokenDigest)
		}
	}
}

// Get returns a copy of one connection's metadata.
func (m *Manager) Get(connectionID string) (datatypes.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.conns[connectionID]
	if !ok {
		return datatypes.Connection{}, false
	}
	return e.conn, true
}

// Counts returns the tracked and live connection totals.
func (m *Manager) Counts() (total, live int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.conns {
		total++
		if e.conn.Alive {
			live++
		}
	}
	return total, live
}
