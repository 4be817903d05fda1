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

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Validation
// =============================================================================

// MaxMessageBytes caps a single message body.
const MaxMessageBytes = 16 * 1024

// crisisValidate is the validator instance for request datatypes.
// Initialized in init() with custom validators.
var crisisValidate *validator.Validate

func init() {
	crisisValidate = validator.New()
	_ = crisisValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// =============================================================================
// Requests
// =============================================================================

// ConnectRequest opens an anonymous session. Every field is optional.
type ConnectRequest struct {
	InitialMessage string       `json:"initial_message,omitempty" validate:"maxbytes"`
	Language       string       `json:"language,omitempty" validate:"omitempty,min=2,max=16"`
	Region         string       `json:"region,omitempty" validate:"omitempty,min=2,max=16"`
	Location       *GeoLocation `json:"location,omitempty" validate:"omitempty"`
}

// Validate checks field constraints.
func (r *ConnectRequest) Validate() error {
	if err := crisisValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid connect request: %w", err)
	}
	return nil
}

// ConnectResponse is returned by session establishment. On internal failure
// Degraded is true and EmergencyResources is still populated.
type ConnectResponse struct {
	SessionID          string        `json:"session_id,omitempty"`
	AnonymousID        string        `json:"anonymous_id,omitempty"`
	SessionToken       string        `json:"session_token,omitempty"`
	ConnectionID       string        `json:"connection_id,omitempty"`
	URL                string        `json:"url,omitempty"`
	Status             SessionStatus `json:"status,omitempty"`
	Severity           int           `json:"severity,omitempty"`
	EmergencyResources []Resource    `json:"emergency_resources"`
	Degraded           bool          `json:"degraded,omitempty"`
}

// SendMessageRequest appends a message from the anonymous user. The sender
// role is always RoleAnonymousUser; the token is the only credential.
type SendMessageRequest struct {
	SessionToken string `json:"-" validate:"required"`
	Text         string `json:"text" validate:"required,maxbytes"`
}

// Validate checks field constraints.
func (r *SendMessageRequest) Validate() error {
	if err := crisisValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid message request: %w", err)
	}
	return nil
}

// StaffMessageRequest appends a volunteer or system message to a session.
// SessionID comes from the route and SenderID from the authenticated
// caller, never from the body.
type StaffMessageRequest struct {
	SessionID string     `json:"-" validate:"required,max=128"`
	SenderID  string     `json:"-" validate:"required,max=128"`
	Role      SenderRole `json:"role" validate:"required,oneof=volunteer system"`
	Text      string     `json:"text" validate:"required,maxbytes"`
}

// Validate checks field constraints.
func (r *StaffMessageRequest) Validate() error {
	if err := crisisValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid staff message: %w", err)
	}
	return nil
}

// SendMessageResponse is the HTTP view of a stored message. Content stays
// encrypted; only metadata safe for the sender is echoed.
type SendMessageResponse struct {
	MessageID  string         `json:"message_id"`
	Sequence   int64          `json:"sequence"`
	Role       SenderRole     `json:"role"`
	Severity   int            `json:"severity,omitempty"`
	Escalation EscalationKind `json:"escalation"`
}

// EndSessionRequest terminates a session.
type EndSessionRequest struct {
	Outcome string `json:"outcome,omitempty" validate:"max=256"`
}

// Validate checks field constraints.
func (r *EndSessionRequest) Validate() error {
	if err := crisisValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid end request: %w", err)
	}
	return nil
}

// CompleteOverrideRequest closes an override activation.
type CompleteOverrideRequest struct {
	Outcome string `json:"outcome" validate:"required,max=512"`
}

// Validate checks field constraints.
func (r *CompleteOverrideRequest) Validate() error {
	if err := crisisValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid override completion: %w", err)
	}
	return nil
}

// AcceptSessionRequest is sent by a volunteer joining a session. The
// session is addressed by ID; staff never see the anonymous user's token.
type AcceptSessionRequest struct {
	SessionID   string `json:"-" validate:"required,max=128"`
	VolunteerID string `json:"volunteer_id" validate:"required,max=128"`
}

// Validate checks field constraints.
func (r *AcceptSessionRequest) Validate() error {
	if err := crisisValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid accept request: %w", err)
	}
	return nil
}

// JoinResponse tells a participant where to attach a new connection. It is
// returned when a volunteer accepts a session and when the anonymous user
// reconnects.
type JoinResponse struct {
	SessionID    string        `json:"session_id"`
	AnonymousID  string        `json:"anonymous_id,omitempty"`
	VolunteerID  string        `json:"volunteer_id,omitempty"`
	Status       SessionStatus `json:"status"`
	ConnectionID string        `json:"connection_id"`
	URL          string        `json:"url"`
}
