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
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// SessionContext is the session history the RiskScorer weighs.
type SessionContext struct {
	// PriorHighSeverityCount is messages at or above the high threshold.
	PriorHighSeverityCount int
	PriorEscalations       int
	// RecentSeverities is the rolling window, oldest first, excluding the
	// message being scored.
	RecentSeverities []int
}

// SessionContextFrom builds a SessionContext from a session snapshot.
func SessionContextFrom(s *datatypes.CrisisSession) SessionContext {
	if s == nil {
		return SessionContext{}
	}
	return SessionContext{
		PriorHighSeverityCount: s.HighSeverityCount,
		PriorEscalations:       s.EscalationCount,
		RecentSeverities:       append([]int(nil), s.RecentSeverities...),
	}
}

// RiskConfig tunes the RiskScorer.
type RiskConfig struct {
	// CriticalSeverity forces immediate action on its own. Default 8.
	CriticalSeverity int
	// EmergencyKeywordGate is the emergency phrase count that forces
	// immediate action. Default 2.
	EmergencyKeywordGate int
}

// DefaultRiskConfig returns production thresholds.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{CriticalSeverity: 8, EmergencyKeywordGate: 2}
}

const (
	severityPoints      = 10.0
	highHistoryPoints   = 5.0
	highHistoryCap      = 4
	escalationPoints    = 8.0
	escalationCap       = 2
	risingTrendPoints   = 5.0
	immediateRiskPoints = 15.0
	// risingTrendMargin is how far above the recent mean the current
	// severity must sit to count as rising.
	risingTrendMargin = 1.0
	minTrendWindow    = 2
)

// Tier thresholds on TotalScore.
const (
	EmergencyTierScore = 100.0
	CriticalTierScore  = 80.0
	HighTierScore      = 60.0
	MediumTierScore    = 40.0
)

// RiskScorer folds session history into a risk tier.
//
// # Description
//
// TotalScore = 10*severity + 5*min(priorHigh, 4) + 8*min(priorEscalations, 2)
// + 5 when severity is rising + 15 when the assessment flags immediate risk.
// Every term is non-decreasing in severity, so the tier is monotonic in
// severity with all else equal.
//
// # Thread Safety
//
// Stateless; safe for concurrent use.
type RiskScorer struct {
	cfg RiskConfig
}

// NewRiskScorer creates a RiskScorer. Zero fields take defaults.
func NewRiskScorer(cfg RiskConfig) *RiskScorer {
	def := DefaultRiskConfig()
	if cfg.CriticalSeverity <= 0 {
		cfg.CriticalSeverity = def.CriticalSeverity
	}
	if cfg.EmergencyKeywordGate <= 0 {
		cfg.EmergencyKeywordGate = def.EmergencyKeywordGate
	}
	return &RiskScorer{cfg: cfg}
}

// Score computes the RiskBreakdown for one assessment.
//
// # Outputs
//
//   - datatypes.RiskBreakdown: Tier, ImmediateAction and the per-factor
//     contributions. ImmediateAction is the sole gate for escalation.
func (r *RiskScorer) Score(a datatypes.CrisisAssessment, sc SessionContext) datatypes.RiskBreakdown {
	factors := map[string]float64{
		"severity":          severityPoints * float64(a.Severity),
		"prior_high":        highHistoryPoints * float64(min(max(sc.PriorHighSeverityCount, 0), highHistoryCap)),
		"prior_escalations": escalationPoints * float64(min(max(sc.PriorEscalations, 0), escalationCap)),
		"rising_trend":      0,
		"immediate_risk":    0,
	}
	if rising(a.Severity, sc.RecentSeverities) {
		factors["rising_trend"] = risingTrendPoints
	}
	if a.ImmediateRisk {
		factors["immediate_risk"] = immediateRiskPoints
	}

	var total float64
	for _, v := range factors {
		total += v
	}

	tier := tierFor(total)
	immediate := tier.Rank() >= datatypes.RiskCritical.Rank() ||
		a.Severity >= r.cfg.CriticalSeverity ||
		len(a.Keywords.Emergency) >= r.cfg.EmergencyKeywordGate

	return datatypes.RiskBreakdown{
		Tier:            tier,
		ImmediateAction: immediate,
		TotalScore:      total,
		Factors:         factors,
	}
}

func tierFor(total float64) datatypes.RiskTier {
	switch {
	case total >= EmergencyTierScore:
		return datatypes.RiskEmergency
	case total >= CriticalTierScore:
		return datatypes.RiskCritical
	case total >= HighTierScore:
		return datatypes.RiskHigh
	case total >= MediumTierScore:
		return datatypes.RiskMedium
	}
	return datatypes.RiskLow
}

func rising(current int, recent []int) bool {
	if len(recent) < minTrendWindow {
		return false
	}
	var sum int
	for _, s := range recent {
		sum += s
	}
	mean := float64(sum) / float64(len(recent))
	return float64(current) >= mean+risingTrendMargin
}
