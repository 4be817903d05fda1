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
	"testing"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/stretchr/testify/assert"
)

func TestRiskScorer_Tiers(t *testing.T) {
	r := NewRiskScorer(RiskConfig{})

	tests := []struct {
		name     string
		severity int
		ctx      SessionContext
		want     datatypes.RiskTier
	}{
		{"low", 3, SessionContext{}, datatypes.RiskLow},
		{"medium", 4, SessionContext{}, datatypes.RiskMedium},
		{"high", 6, SessionContext{}, datatypes.RiskHigh},
		{"critical", 8, SessionContext{}, datatypes.RiskCritical},
		{"emergency by history", 9, SessionContext{PriorHighSeverityCount: 2}, datatypes.RiskEmergency},
		{"history caps", 2, SessionContext{PriorHighSeverityCount: 100, PriorEscalations: 100}, datatypes.RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Score(datatypes.CrisisAssessment{Severity: tt.severity}, tt.ctx)
			assert.Equal(t, tt.want, got.Tier, "total %.1f", got.TotalScore)
		})
	}
}

func TestRiskScorer_MonotonicInSeverity(t *testing.T) {
	r := NewRiskScorer(RiskConfig{})

	contexts := []SessionContext{
		{},
		{PriorHighSeverityCount: 2},
		{PriorEscalations: 1, RecentSeverities: []int{3, 4, 5}},
		{PriorHighSeverityCount: 4, PriorEscalations: 2, RecentSeverities: []int{9, 9}},
	}
	for _, sc := range contexts {
		for _, immediate := range []bool{false, true} {
			prevRank := -1
			prevAction := false
			for sev := MinSeverity; sev <= MaxSeverity; sev++ {
				got := r.Score(datatypes.CrisisAssessment{Severity: sev, ImmediateRisk: immediate}, sc)
				assert.GreaterOrEqual(t, got.Tier.Rank(), prevRank, "severity %d", sev)
				if prevAction {
					assert.True(t, got.ImmediateAction, "severity %d", sev)
				}
				prevRank = got.Tier.Rank()
				prevAction = got.ImmediateAction
			}
		}
	}
}

func TestRiskScorer_ImmediateActionGates(t *testing.T) {
	r := NewRiskScorer(RiskConfig{})

	assert.False(t, r.Score(datatypes.CrisisAssessment{Severity: 7}, SessionContext{}).ImmediateAction)
	assert.True(t, r.Score(datatypes.CrisisAssessment{Severity: 8}, SessionContext{}).ImmediateAction)

	twoEmergency := datatypes.CrisisAssessment{
		Severity: 3,
		Keywords: datatypes.KeywordMatches{Emergency: []string{"suicide", "overdose"}},
	}
	assert.True(t, r.Score(twoEmergency, SessionContext{}).ImmediateAction)

	// History alone can lift a moderate message into the critical tier.
	got := r.Score(datatypes.CrisisAssessment{Severity: 6},
		SessionContext{PriorHighSeverityCount: 4, PriorEscalations: 2})
	assert.Equal(t, datatypes.RiskCritical, got.Tier)
	assert.True(t, got.ImmediateAction)
}

func TestRiskScorer_RisingTrend(t *testing.T) {
	r := NewRiskScorer(RiskConfig{})

	flat := r.Score(datatypes.CrisisAssessment{Severity: 5}, SessionContext{RecentSeverities: []int{5, 5}})
	rising := r.Score(datatypes.CrisisAssessment{Severity: 5}, SessionContext{RecentSeverities: []int{2, 3}})

	assert.Zero(t, flat.Factors["rising_trend"])
	assert.Equal(t, risingTrendPoints, rising.Factors["rising_trend"])
	assert.Greater(t, rising.TotalScore, flat.TotalScore)
}

func TestSessionContextFrom(t *testing.T) {
	s := &datatypes.CrisisSession{HighSeverityCount: 2, EscalationCount: 1, RecentSeverities: []int{4, 8}}

	sc := SessionContextFrom(s)
	s.RecentSeverities[0] = 1

	assert.Equal(t, 2, sc.PriorHighSeverityCount)
	assert.Equal(t, 1, sc.PriorEscalations)
	assert.Equal(t, []int{4, 8}, sc.RecentSeverities)
	assert.Equal(t, SessionContext{}, SessionContextFrom(nil))
}
