// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the records shared by every crisis-session
// component: sessions, encrypted messages, assessments, volunteers,
// emergency overrides and the HTTP request/response shapes.
//
// All records are JSON-serializable. Key material never appears here.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// =============================================================================
// Session Status
// =============================================================================

// SessionStatus is the lifecycle state of a crisis session.
//
// Transitions:
//
//	CONNECTING -> WAITING | ACTIVE -> ESCALATED -> RESOLVED | ENDED
//
// ESCALATED may be entered from any non-terminal state. RESOLVED and ENDED
// are terminal: keys are destroyed and connections closed.
type SessionStatus string

const (
	StatusConnecting SessionStatus = "CONNECTING"
	StatusWaiting    SessionStatus = "WAITING"
	StatusActive     SessionStatus = "ACTIVE"
	StatusEscalated  SessionStatus = "ESCALATED"
	StatusResolved   SessionStatus = "RESOLVED"
	StatusEnded      SessionStatus = "ENDED"
)

// IsTerminal reports whether the status is RESOLVED or ENDED.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusResolved || s == StatusEnded
}

// =============================================================================
// Sender Role
// =============================================================================

// SenderRole identifies who authored a message.
type SenderRole string

const (
	RoleAnonymousUser SenderRole = "anonymous_user"
	RoleVolunteer     SenderRole = "volunteer"
	RoleSystem        SenderRole = "system"
)

// Valid reports whether r is one of the known roles.
func (r SenderRole) Valid() bool {
	switch r {
	case RoleAnonymousUser, RoleVolunteer, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// Crisis Session
// =============================================================================

// MaxRecentSeverities bounds the per-session severity history used for
// trend detection by the risk scorer.
const MaxRecentSeverities = 5

// CrisisSession is the durable record of one anonymous crisis conversation.
//
// # Description
//
// The raw session token is never persisted. Stores index sessions by
// TokenDigest, a SHA-256 of the token, so a store dump alone cannot be
// used to derive session keys.
//
// # Fields
//
//   - ID: Store-assigned session identifier.
//   - AnonymousID: Opaque identity shown to volunteers.
//   - SessionToken: Caller credential. In memory only (json:"-").
//   - TokenDigest: Hex SHA-256 of SessionToken, used for lookups.
//   - Severity: Severity of the most recent assessed message (1-10).
//   - PeakSeverity: Highest severity seen in the session.
//   - RecentSeverities: Last MaxRecentSeverities severities, oldest first.
//   - HighSeverityCount: Messages at or above the high-severity threshold.
//   - EscalationCount: Standard escalations plus overrides fired.
//   - MessageCount: Messages stored; also the next message sequence.
type CrisisSession struct {
	ID                string        `json:"id"`
	AnonymousID       string        `json:"anonymous_id"`
	SessionToken      string        `json:"-"`
	TokenDigest       string        `json:"token_digest"`
	Severity          int           `json:"severity"`
	PeakSeverity      int           `json:"peak_severity"`
	Status            SessionStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	LastActivity      time.Time     `json:"last_activity"`
	VolunteerID       string        `json:"volunteer_id,omitempty"`
	Language          string        `json:"language,omitempty"`
	Region            string        `json:"region,omitempty"`
	EscalationCount   int           `json:"escalation_count"`
	HighSeverityCount int           `json:"high_severity_count"`
	RecentSeverities  []int         `json:"recent_severities,omitempty"`
	MessageCount      int64         `json:"message_count"`
	Outcome           string        `json:"outcome,omitempty"`
}

// RecordSeverity folds a new message severity into the session history.
//
// # Inputs
//
//   - severity: Assessed severity (1-10).
//   - highThreshold: Severity at or above which HighSeverityCount increments.
func (s *CrisisSession) RecordSeverity(severity, highThreshold int) {
	s.Severity = severity
	if severity > s.PeakSeverity {
		s.PeakSeverity = severity
	}
	if severity >= highThreshold {
		s.HighSeverityCount++
	}
	s.RecentSeverities = append(s.RecentSeverities, severity)
	if len(s.RecentSeverities) > MaxRecentSeverities {
		s.RecentSeverities = s.RecentSeverities[len(s.RecentSeverities)-MaxRecentSeverities:]
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *CrisisSession) Clone() *CrisisSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.RecentSeverities = append([]int(nil), s.RecentSeverities...)
	return &c
}

// TokenDigest returns the hex SHA-256 of a session token.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
