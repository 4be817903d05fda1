// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// EncryptedMessage is the only form in which message content is stored or
// transmitted. Ciphertext never travels without its Tag.
type EncryptedMessage struct {
	Ciphertext []byte     `json:"ciphertext"`
	Tag        []byte     `json:"tag"`
	IV         []byte     `json:"iv"`
	Salt       []byte     `json:"salt"`
	Timestamp  time.Time  `json:"timestamp"`
	SenderRole SenderRole `json:"sender_role"`
}

// EscalationKind records which escalation path a message triggered.
type EscalationKind string

const (
	EscalationNone     EscalationKind = "none"
	EscalationStandard EscalationKind = "standard"
	EscalationOverride EscalationKind = "override"
)

// MessageMetadata is attached to a stored message for audit. Only messages
// authored by the anonymous user carry an assessment.
type MessageMetadata struct {
	Assessment *CrisisAssessment `json:"assessment,omitempty"`
	Risk       *RiskBreakdown    `json:"risk,omitempty"`
	Escalation EscalationKind    `json:"escalation"`
	OverrideID string            `json:"override_id,omitempty"`
}

// NewMessage is the input to Store.StoreMessage. The store assigns ID and
// CreatedAt.
type NewMessage struct {
	SessionID   string
	Sequence    int64
	Role        SenderRole
	SenderID    string
	Payload     EncryptedMessage
	ContentHash string
	Metadata    MessageMetadata
}

// StoredMessage is a persisted encrypted message.
type StoredMessage struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Sequence    int64            `json:"sequence"`
	Role        SenderRole       `json:"role"`
	SenderID    string           `json:"sender_id,omitempty"`
	Payload     EncryptedMessage `json:"payload"`
	ContentHash string           `json:"content_hash"`
	Metadata    MessageMetadata  `json:"metadata"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Connection is routing metadata for one live transport attachment. It
// carries no message content.
type Connection struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	AnonymousID  string `json:"anonymous_id"`
	SessionToken string `json:"-"`
	// Participant is the volunteer ID for staff connections, empty for
	// the anonymous user.
	Participant  string    `json:"participant,omitempty"`
	Alive        bool      `json:"alive"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// MetricSample is one timed operation reported to the store and metric sinks.
type MetricSample struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}
