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

// =============================================================================
// Assessment
// =============================================================================

// KeywordMatches lists the distinct lexicon phrases found per category.
type KeywordMatches struct {
	Emergency []string `json:"emergency,omitempty"`
	HighRisk  []string `json:"high_risk,omitempty"`
	Moderate  []string `json:"moderate,omitempty"`
	Positive  []string `json:"positive,omitempty"`
	Coping    []string `json:"coping,omitempty"`
}

// Total returns the number of matched phrases across all categories.
func (k KeywordMatches) Total() int {
	return len(k.Emergency) + len(k.HighRisk) + len(k.Moderate) + len(k.Positive) + len(k.Coping)
}

// All returns every matched phrase, emergency first.
func (k KeywordMatches) All() []string {
	out := make([]string, 0, k.Total())
	out = append(out, k.Emergency...)
	out = append(out, k.HighRisk...)
	out = append(out, k.Moderate...)
	out = append(out, k.Positive...)
	return append(out, k.Coping...)
}

// ContextSignals are the contextual patterns detected in a message.
type ContextSignals struct {
	PunctuationIntensity float64 `json:"punctuation_intensity"`
	Immediacy            bool    `json:"immediacy"`
	Planning             bool    `json:"planning"`
	Finality             bool    `json:"finality"`
	Isolation            bool    `json:"isolation"`
	CognitiveDistortions int     `json:"cognitive_distortions"`
	RapidThoughts        bool    `json:"rapid_thoughts"`
	Rumination           bool    `json:"rumination"`
	FutureOriented       bool    `json:"future_oriented"`
	SupportMentioned     bool    `json:"support_mentioned"`
}

// CrisisAssessment is the severity verdict for one message. It is computed
// once and never mutated afterwards.
//
// Severity is RawSeverity rounded and clamped to [1,10]. RawSeverity keeps
// the unrounded value so predicates such as "at least 9.5" stay meaningful.
type CrisisAssessment struct {
	Severity           int            `json:"severity"`
	RawSeverity        float64        `json:"raw_severity"`
	RiskScore          float64        `json:"risk_score"`
	Keywords           KeywordMatches `json:"keywords"`
	KeywordScore       float64        `json:"keyword_score"`
	Sentiment          float64        `json:"sentiment"`
	Confidence         float64        `json:"confidence"`
	ImmediateRisk      bool           `json:"immediate_risk"`
	RecommendedActions []string       `json:"recommended_actions"`
	Context            ContextSignals `json:"context"`
	AssessedAt         time.Time      `json:"assessed_at"`
	ProcessingTime     time.Duration  `json:"processing_time"`
}

// =============================================================================
// Risk
// =============================================================================

// RiskTier is a coarse risk bucket. Tiers are totally ordered by Rank.
type RiskTier string

const (
	RiskLow       RiskTier = "LOW"
	RiskMedium    RiskTier = "MEDIUM"
	RiskHigh      RiskTier = "HIGH"
	RiskCritical  RiskTier = "CRITICAL"
	RiskEmergency RiskTier = "EMERGENCY"
)

// Rank orders tiers from 0 (LOW) to 4 (EMERGENCY). Unknown tiers rank -1.
func (t RiskTier) Rank() int {
	switch t {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	case RiskEmergency:
		return 4
	}
	return -1
}

// RiskBreakdown combines one assessment with session history.
// ImmediateAction is the sole gate for escalation.
type RiskBreakdown struct {
	Tier            RiskTier           `json:"tier"`
	ImmediateAction bool               `json:"immediate_action"`
	TotalScore      float64            `json:"total_score"`
	Factors         map[string]float64 `json:"factors,omitempty"`
}
