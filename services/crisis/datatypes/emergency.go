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

// GeoLocation is an optional, user-consented location.
type GeoLocation struct {
	Latitude       float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64 `json:"longitude" validate:"gte=-180,lte=180"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty" validate:"gte=0"`
}

// EmergencyContact is a region-appropriate contact from the registry.
type EmergencyContact struct {
	Name         string   `json:"name" yaml:"name"`
	Phone        string   `json:"phone,omitempty" yaml:"phone"`
	SMS          string   `json:"sms,omitempty" yaml:"sms"`
	Region       string   `json:"region,omitempty" yaml:"region"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
}

// HasCapability reports whether the contact lists capability c.
func (c EmergencyContact) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// SafetyLevel is the immediate safety tier chosen at override activation.
type SafetyLevel string

const (
	SafetyModerate SafetyLevel = "MODERATE"
	SafetyHigh     SafetyLevel = "HIGH"
	SafetyCritical SafetyLevel = "CRITICAL"
)

// ActionType names one emergency action.
type ActionType string

const (
	ActionContactEmergencyServices ActionType = "contact_emergency_services"
	ActionActivateLocation         ActionType = "activate_location_services"
	ActionConnectHotline           ActionType = "connect_crisis_hotline"
	ActionAlertSupervisors         ActionType = "alert_supervisors"
	ActionMobilizeCrisisTeam       ActionType = "mobilize_crisis_team"
)

// ActionStatus is the outcome of one emergency action at response time.
type ActionStatus string

const (
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	// ActionPending means the action was still running at the response
	// deadline. It keeps running to completion.
	ActionPending ActionStatus = "pending"
	ActionSkipped ActionStatus = "skipped"
)

// ActionResult reports one dispatched emergency action.
type ActionResult struct {
	Action   ActionType    `json:"action"`
	Status   ActionStatus  `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// EmergencyOverrideRequest starts an override activation.
type EmergencyOverrideRequest struct {
	// OverrideID is optional. Activate assigns one when empty.
	OverrideID    string       `json:"override_id,omitempty"`
	SessionID     string       `json:"session_id"`
	AnonymousID   string       `json:"anonymous_id"`
	TriggerReason string       `json:"trigger_reason"`
	Severity      int          `json:"severity"`
	RawSeverity   float64      `json:"raw_severity"`
	Confidence    float64      `json:"confidence"`
	ImmediateRisk bool         `json:"immediate_risk"`
	Keywords      []string     `json:"keywords,omitempty"`
	Location      *GeoLocation `json:"location,omitempty"`
	Region        string       `json:"region,omitempty"`
	RequestedAt   time.Time    `json:"requested_at"`
}

// EmergencyOverrideResponse is the immutable result of an activation.
// FallbackPlan is always non-empty.
type EmergencyOverrideResponse struct {
	OverrideID   string             `json:"override_id"`
	SessionID    string             `json:"session_id"`
	SafetyLevel  SafetyLevel        `json:"safety_level"`
	Actions      []ActionResult     `json:"actions"`
	Contacts     []EmergencyContact `json:"contacts"`
	ResponseTime time.Duration      `json:"response_time"`
	FallbackPlan string             `json:"fallback_plan"`
	UsedFallback bool               `json:"used_fallback"`
	ActivatedAt  time.Time          `json:"activated_at"`
}

// HasAction reports whether the response includes action a.
func (r *EmergencyOverrideResponse) HasAction(a ActionType) bool {
	for _, res := range r.Actions {
		if res.Action == a {
			return true
		}
	}
	return false
}

// OverrideRecord is the audit form of an override, persisted by the store.
type OverrideRecord struct {
	OverrideID  string                    `json:"override_id"`
	SessionID   string                    `json:"session_id"`
	Request     EmergencyOverrideRequest  `json:"request"`
	Response    EmergencyOverrideResponse `json:"response"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Outcome     string                    `json:"outcome,omitempty"`
}
