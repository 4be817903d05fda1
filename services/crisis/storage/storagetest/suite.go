// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storagetest is a conformance suite for storage.Backend
// implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Backend

// Run executes every conformance test against backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"SessionLifecycle", testSessionLifecycle},
		{"TokenIsNeverPersisted", testTokenNotPersisted},
		{"DuplicateSession", testDuplicateSession},
		{"CountSessions", testCountSessions},
		{"IdleSessions", testIdleSessions},
		{"Messages", testMessages},
		{"Resources", testResources},
		{"Overrides", testOverrides},
		{"VolunteerLoad", testVolunteerLoad},
		{"ConcurrentIncrement", testConcurrentIncrement},
		{"CandidateFilter", testCandidateFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

// NewSession returns a valid session with a fresh token.
func NewSession() *datatypes.CrisisSession {
	token := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &datatypes.CrisisSession{
		ID:           uuid.NewString(),
		AnonymousID:  "anon-" + uuid.NewString()[:8],
		SessionToken: token,
		TokenDigest:  datatypes.TokenDigest(token),
		Severity:     3,
		Status:       datatypes.StatusConnecting,
		StartedAt:    now,
		LastActivity: now,
	}
}

func testSessionLifecycle(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	s := NewSession()
	require.NoError(t, b.CreateSession(ctx, s))

	got, err := b.FindSessionByToken(ctx, s.TokenDigest)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, datatypes.StatusConnecting, got.Status)

	got.Status = datatypes.StatusActive
	got.RecordSeverity(8, 7)
	got.VolunteerID = "vol-1"
	require.NoError(t, b.UpdateSession(ctx, got))

	again, err := b.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusActive, again.Status)
	assert.Equal(t, 8, again.PeakSeverity)
	assert.Equal(t, []int{8}, again.RecentSeverities)
	assert.Equal(t, "vol-1", again.VolunteerID)

	_, err = b.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
	_, err = b.FindSessionByToken(ctx, datatypes.TokenDigest("nope"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	missing := NewSession()
	assert.ErrorIs(t, b.UpdateSession(ctx, missing), storage.ErrSessionNotFound)
}

func testTokenNotPersisted(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	s := NewSession()
	require.NoError(t, b.CreateSession(ctx, s))

	got, err := b.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SessionToken)
	assert.Equal(t, s.TokenDigest, got.TokenDigest)
}

func testDuplicateSession(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	s := NewSession()
	require.NoError(t, b.CreateSession(ctx, s))
	assert.ErrorIs(t, b.CreateSession(ctx, s), storage.ErrAlreadyExists)
}

func testCountSessions(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	for _, st := range []datatypes.SessionStatus{datatypes.StatusActive, datatypes.StatusActive, datatypes.StatusEnded} {
		s := NewSession()
		s.Status = st
		require.NoError(t, b.CreateSession(ctx, s))
	}

	n, err := b.CountSessions(ctx, storage.SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.CountSessions(ctx, storage.SessionFilter{Statuses: []datatypes.SessionStatus{datatypes.StatusActive}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testIdleSessions(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now().UTC()

	stale := NewSession()
	stale.Status = datatypes.StatusActive
	stale.LastActivity = now.Add(-2 * time.Hour)
	fresh := NewSession()
	fresh.Status = datatypes.StatusActive
	ended := NewSession()
	ended.Status = datatypes.StatusEnded
	ended.LastActivity = now.Add(-3 * time.Hour)

	for _, s := range []*datatypes.CrisisSession{stale, fresh, ended} {
		require.NoError(t, b.CreateSession(ctx, s))
	}

	idle, err := b.ListIdleSessions(ctx, now.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, stale.ID, idle[0].ID)
}

func testMessages(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	s := NewSession()
	require.NoError(t, b.CreateSession(ctx, s))

	assessment := &datatypes.CrisisAssessment{Severity: 6, Confidence: 0.7, RecommendedActions: []string{"check_in_followup"}}
	stored, err := b.StoreMessage(ctx, datatypes.NewMessage{
		SessionID: s.ID,
		Sequence:  1,
		Role:      datatypes.RoleAnonymousUser,
		Payload: datatypes.EncryptedMessage{
			Ciphertext: []byte{1, 2, 3},
			Tag:        make([]byte, 16),
			IV:         make([]byte, 12),
			Salt:       make([]byte, 32),
			Timestamp:  time.Now().UTC(),
			SenderRole: datatypes.RoleAnonymousUser,
		},
		ContentHash: "abc",
		Metadata:    datatypes.MessageMetadata{Assessment: assessment, Escalation: datatypes.EscalationNone},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())

	got, err := b.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.Payload.Ciphertext)
	assert.Equal(t, "abc", got.ContentHash)
	require.NotNil(t, got.Metadata.Assessment)
	assert.Equal(t, 6, got.Metadata.Assessment.Severity)

	_, err = b.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)

	_, err = b.StoreMessage(ctx, datatypes.NewMessage{SessionID: "missing"})
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func testResources(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.UpsertResource(ctx, datatypes.Resource{ID: "ca-talk", Name: "Talk Suicide Canada", Kind: "hotline", Region: "CA", Available24x7: true}))

	ca, err := b.ListResources(ctx, storage.ResourceFilter{Region: "CA", Kind: "hotline"})
	require.NoError(t, err)
	require.NotEmpty(t, ca)
	for _, r := range ca {
		assert.Contains(t, []string{"", "CA"}, r.Region)
	}

	all, err := b.ListResources(ctx, storage.ResourceFilter{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 1)
}

func testOverrides(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	rec := datatypes.OverrideRecord{
		OverrideID: uuid.NewString(),
		SessionID:  "s1",
		Request:    datatypes.EmergencyOverrideRequest{SessionID: "s1", Severity: 10},
		Response: datatypes.EmergencyOverrideResponse{
			SafetyLevel:  datatypes.SafetyCritical,
			FallbackPlan: "call 988",
		},
	}
	require.NoError(t, b.RecordOverride(ctx, rec))

	done := time.Now().UTC()
	rec.CompletedAt = &done
	rec.Outcome = "connected"
	require.NoError(t, b.RecordOverride(ctx, rec))

	got, err := b.GetOverride(ctx, rec.OverrideID)
	require.NoError(t, err)
	assert.Equal(t, "connected", got.Outcome)
	assert.Equal(t, datatypes.SafetyCritical, got.Response.SafetyLevel)
	require.NotNil(t, got.CompletedAt)

	_, err = b.GetOverride(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrOverrideNotFound)
}

func testVolunteerLoad(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.UpsertVolunteer(ctx, datatypes.Volunteer{ID: "v1", MaxConcurrent: 1, Available: true}))

	require.NoError(t, b.IncrementLoad(ctx, "v1"))
	assert.ErrorIs(t, b.IncrementLoad(ctx, "v1"), storage.ErrCapacityExceeded)

	require.NoError(t, b.DecrementLoad(ctx, "v1"))
	require.NoError(t, b.DecrementLoad(ctx, "v1"))
	v, err := b.GetVolunteer(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 0, v.CurrentLoad)

	assert.ErrorIs(t, b.IncrementLoad(ctx, "nobody"), storage.ErrVolunteerNotFound)
}

func testConcurrentIncrement(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.UpsertVolunteer(ctx, datatypes.Volunteer{ID: "v1", MaxConcurrent: 3, Available: true}))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.IncrementLoad(ctx, "v1") == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	v, err := b.GetVolunteer(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 3, v.CurrentLoad)
}

func testCandidateFilter(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	vols := []datatypes.Volunteer{
		{ID: "ok", MaxConcurrent: 2, Available: true, ResponseRate: 0.9, AverageRating: 4.5},
		{ID: "full", MaxConcurrent: 1, CurrentLoad: 1, Available: true, ResponseRate: 0.9, AverageRating: 4.5},
		{ID: "slow", MaxConcurrent: 2, Available: true, ResponseRate: 0.2, AverageRating: 4.5},
		{ID: "burnt", MaxConcurrent: 2, Available: true, ResponseRate: 0.9, AverageRating: 4.5, BurnoutScore: 0.95},
		{ID: "er", MaxConcurrent: 2, Available: true, ResponseRate: 0.9, AverageRating: 4.0, EmergencyResponder: true},
		{ID: "off", MaxConcurrent: 2, Available: false, ResponseRate: 0.9, AverageRating: 4.5},
	}
	for _, v := range vols {
		require.NoError(t, b.UpsertVolunteer(ctx, v))
	}

	got, err := b.ListCandidates(ctx, storage.VolunteerQuery{MinResponseRate: 0.5, MinRating: 3, MaxBurnout: 0.8})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ok", "er"}, volunteerIDs(got))

	got, err = b.ListCandidates(ctx, storage.VolunteerQuery{MinResponseRate: 0.5, MinRating: 3, EmergencyOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"er"}, volunteerIDs(got))
}

func volunteerIDs(vs []datatypes.Volunteer) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}
