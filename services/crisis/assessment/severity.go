// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assessment

import (
	"math"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	MinSeverity = 1
	MaxSeverity = 10

	baseSeverity  = 3.0
	keywordScale  = 0.35
	keywordAdjMin = -2.0
	keywordAdjMax = 6.0

	// protectedFloor is the level protective factors cannot pull a high
	// pre-protection severity below.
	protectedFloor = 7.0
	// emergencyFloor applies whenever an emergency phrase matched.
	emergencyFloor = 9.0
	// emergencyImmediateFloor applies when an emergency phrase appears with
	// immediacy, planning or finality.
	emergencyImmediateFloor = 10.0

	futureProtection  = 1.0
	supportProtection = 0.5
)

// Recommended action identifiers.
const (
	ActionImmediateEscalation = "immediate_escalation"
	ActionEmergencyServices   = "emergency_services_alert"
	ActionSupervisorNotify    = "crisis_supervisor_notify"
	ActionPriorityVolunteer   = "priority_volunteer_assignment"
	ActionSafetyPlanReview    = "safety_plan_review"
	ActionStandardVolunteer   = "standard_volunteer_assignment"
	ActionCheckIn             = "check_in_followup"
	ActionPeerSupport         = "peer_support"
	ActionResourceSharing     = "resource_sharing"
	ActionReinforceCoping     = "reinforce_coping_strategies"
	ActionAcknowledgeProgress = "acknowledge_progress"
	ActionConnectionBuilding  = "connection_building"
	ActionCognitiveReframing  = "cognitive_reframing"
)

const (
	distortionReframeMinimum    = 2
	confidenceMinTokensForBonus = 5
)

// =============================================================================
// Scoring
// =============================================================================

// severityInputs is everything the pure scorer needs.
type severityInputs struct {
	keywordScore   float64
	emergencyCount int
	sentiment      float64
	context        datatypes.ContextSignals
}

// scoreSeverity combines keyword, sentiment and context signals into a raw
// severity in [1, 10].
//
// # Description
//
// The pre-protection score is base + clamp(0.35*keywordScore) + sentiment
// adjustment + context risk. Protective factors (future orientation,
// mentioned support) subtract, but cannot pull a score of 7 or more below 7.
// Any emergency phrase floors the result at 9. An emergency phrase with
// immediacy, planning or finality floors it at 10 and marks immediate risk.
//
// # Outputs
//
//   - float64: Raw severity, clamped to [1, 10].
//   - bool: Immediate risk.
//
// # Limitations
//
// Monotone in keywordScore for a fixed emergency phrase count. Adding an
// emergency phrase raises both, and the emergency floor only raises.
func scoreSeverity(in severityInputs) (float64, bool) {
	kwAdj := clamp(keywordScale*in.keywordScore, keywordAdjMin, keywordAdjMax)

	var sentAdj float64
	if in.sentiment < 0 {
		sentAdj = -2 * in.sentiment
	} else {
		sentAdj = -in.sentiment
	}

	pre := baseSeverity + kwAdj + sentAdj + contextRisk(in.context)

	var protective float64
	if in.context.FutureOriented {
		protective += futureProtection
	}
	if in.context.SupportMentioned {
		protective += supportProtection
	}

	v := pre - protective
	if pre >= protectedFloor {
		v = math.Max(v, protectedFloor)
	}

	c := in.context
	immediate := c.Planning && c.Finality && c.Immediacy
	if in.emergencyCount > 0 {
		v = math.Max(v, emergencyFloor)
		if c.Immediacy || c.Planning || c.Finality {
			v = math.Max(v, emergencyImmediateFloor)
			immediate = true
		}
	}

	return clamp(v, MinSeverity, MaxSeverity), immediate
}

func contextRisk(c datatypes.ContextSignals) float64 {
	r := 0.5 * c.PunctuationIntensity
	if c.Immediacy {
		r += 1
	}
	if c.Planning {
		r += 1.5
	}
	if c.Finality {
		r += 1.5
	}
	if c.Isolation {
		r += 0.5
	}
	r += math.Min(1, 0.25*float64(c.CognitiveDistortions))
	if c.RapidThoughts {
		r += 0.5
	}
	if c.Rumination {
		r += 0.5
	}
	return r
}

// roundSeverity rounds half up and clamps to the integer scale.
func roundSeverity(raw float64) int {
	s := int(math.Floor(raw + 0.5))
	if s < MinSeverity {
		return MinSeverity
	}
	if s > MaxSeverity {
		return MaxSeverity
	}
	return s
}

// confidence estimates how much evidence backs the assessment, in [0.1, 1].
func confidence(indicators int, tokens int) float64 {
	if tokens == 0 {
		return 0.1
	}
	density := float64(indicators) / float64(tokens)
	c := 0.3 + math.Min(0.4, 0.1*float64(indicators)) + math.Min(0.2, 0.5*density)
	if tokens >= confidenceMinTokensForBonus {
		c += 0.1
	}
	return clamp(c, 0.1, 1)
}

// riskScore maps raw severity to [0, 1] weighted by confidence.
func riskScore(raw, conf float64) float64 {
	return clamp(((raw-MinSeverity)/(MaxSeverity-MinSeverity))*(0.5+0.5*conf), 0, 1)
}

// recommendActions picks the tier actions for a severity and adds
// follow-ups for the signals present.
func recommendActions(severity int, kw datatypes.KeywordMatches, c datatypes.ContextSignals) []string {
	var actions []string
	switch {
	case severity >= 9:
		actions = []string{ActionImmediateEscalation, ActionEmergencyServices, ActionSupervisorNotify}
	case severity >= 7:
		actions = []string{ActionPriorityVolunteer, ActionSafetyPlanReview}
	case severity >= 5:
		actions = []string{ActionStandardVolunteer, ActionCheckIn}
	default:
		actions = []string{ActionPeerSupport, ActionResourceSharing}
	}

	if len(kw.Coping) > 0 {
		actions = append(actions, ActionReinforceCoping)
	}
	if len(kw.Positive) > 0 {
		actions = append(actions, ActionAcknowledgeProgress)
	}
	if c.Isolation {
		actions = append(actions, ActionConnectionBuilding)
	}
	if c.CognitiveDistortions >= distortionReframeMinimum {
		actions = append(actions, ActionCognitiveReframing)
	}
	return actions
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
