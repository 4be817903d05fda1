// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package emergency

import (
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// Trigger thresholds.
const (
	ImmediateRiskSeverity    = 9.5
	EmergencyKeywordTrigger  = 3
	HighConfidenceSeverity   = 9
	HighConfidenceThreshold  = 0.9
	SustainedCriticalWindow  = 3
	SustainedCriticalMinimum = 9
)

// Trigger reasons, recorded on the override request.
const (
	ReasonImmediateRisk      = "severity_immediate_risk"
	ReasonEmergencyKeywords  = "multiple_emergency_keywords"
	ReasonPlanFinalityNow    = "planning_finality_immediacy"
	ReasonHighConfidence     = "high_confidence_critical"
	ReasonSustainedCritical  = "sustained_critical_severity"
	ReasonManualEscalation   = "manual_escalation"
	ReasonFallbackActivation = "fallback"
)

// OverrideContext is the session history the predicate may consult.
//
// RecentSeverities includes the current message's severity as its last
// element, oldest first.
type OverrideContext struct {
	RecentSeverities []int
}

// ContextFrom builds an OverrideContext from a session that has already
// recorded the current severity.
func ContextFrom(s *datatypes.CrisisSession) OverrideContext {
	if s == nil {
		return OverrideContext{}
	}
	return OverrideContext{RecentSeverities: append([]int(nil), s.RecentSeverities...)}
}

// ShouldTrigger reports whether an assessment demands an emergency override.
//
// # Description
//
// Pure predicate. True when any of:
//
//   - raw severity >= 9.5 with immediate risk
//   - 3 or more distinct emergency keywords
//   - planning, finality and immediacy language together
//   - severity >= 9 with confidence >= 0.9
//   - the last 3 severities in the session were all >= 9
func ShouldTrigger(a datatypes.CrisisAssessment, oc OverrideContext) bool {
	return TriggerReason(a, oc) != ""
}

// TriggerReason returns the first matching reason, or "" if none.
func TriggerReason(a datatypes.CrisisAssessment, oc OverrideContext) string {
	switch {
	case a.RawSeverity >= ImmediateRiskSeverity && a.ImmediateRisk:
		return ReasonImmediateRisk
	case distinct(a.Keywords.Emergency) >= EmergencyKeywordTrigger:
		return ReasonEmergencyKeywords
	case a.Context.Planning && a.Context.Finality && a.Context.Immediacy:
		return ReasonPlanFinalityNow
	case a.Severity >= HighConfidenceSeverity && a.Confidence >= HighConfidenceThreshold:
		return ReasonHighConfidence
	case sustainedCritical(oc.RecentSeverities):
		return ReasonSustainedCritical
	}
	return ""
}

func distinct(words []string) int {
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	return len(seen)
}

func sustainedCritical(recent []int) bool {
	if len(recent) < SustainedCriticalWindow {
		return false
	}
	for _, s := range recent[len(recent)-SustainedCriticalWindow:] {
		if s < SustainedCriticalMinimum {
			return false
		}
	}
	return true
}

// SafetyLevelFor picks the immediate safety tier for a request.
func SafetyLevelFor(req datatypes.EmergencyOverrideRequest) datatypes.SafetyLevel {
	switch {
	case req.ImmediateRisk && (req.Severity >= 9 || req.RawSeverity >= ImmediateRiskSeverity):
		return datatypes.SafetyCritical
	case req.ImmediateRisk || req.Severity >= 8:
		return datatypes.SafetyHigh
	}
	return datatypes.SafetyModerate
}

// ActionsFor returns the ordered action set for a tier. Higher tiers are
// supersets of lower ones.
func ActionsFor(level datatypes.SafetyLevel) []datatypes.ActionType {
	moderate := []datatypes.ActionType{
		datatypes.ActionConnectHotline,
		datatypes.ActionAlertSupervisors,
	}
	high := append([]datatypes.ActionType{
		datatypes.ActionMobilizeCrisisTeam,
		datatypes.ActionActivateLocation,
	}, moderate...)

	switch level {
	case datatypes.SafetyCritical:
		return append([]datatypes.ActionType{datatypes.ActionContactEmergencyServices}, high...)
	case datatypes.SafetyHigh:
		return high
	}
	return moderate
}

// fallbackActions is the hard-coded plan used when activation fails.
func fallbackActions() []datatypes.ActionType {
	return []datatypes.ActionType{
		datatypes.ActionConnectHotline,
		datatypes.ActionAlertSupervisors,
	}
}
