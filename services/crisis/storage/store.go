// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines persistence contracts for crisis sessions.
//
// Implementations live in subpackages: memory (tests and local runs),
// badger (embedded durable store) and postgres (gorm). Stores only ever
// see ciphertext and token digests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = fmt.Errorf("session %w", ErrNotFound)
	ErrMessageNotFound   = fmt.Errorf("message %w", ErrNotFound)
	ErrVolunteerNotFound = fmt.Errorf("volunteer %w", ErrNotFound)
	ErrOverrideNotFound  = fmt.Errorf("override %w", ErrNotFound)

	ErrAlreadyExists    = errors.New("already exists")
	ErrCapacityExceeded = errors.New("volunteer at capacity")
	ErrClosed           = errors.New("store closed")
)

// =============================================================================
// Filters
// =============================================================================

// SessionFilter narrows CountSessions. Zero fields match everything.
type SessionFilter struct {
	Statuses    []datatypes.SessionStatus
	StartedFrom time.Time
	VolunteerID string
}

// Matches reports whether s passes the filter.
func (f SessionFilter) Matches(s *datatypes.CrisisSession) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if s.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.StartedFrom.IsZero() && s.StartedAt.Before(f.StartedFrom) {
		return false
	}
	if f.VolunteerID != "" && s.VolunteerID != f.VolunteerID {
		return false
	}
	return true
}

// ResourceFilter narrows ListResources.
type ResourceFilter struct {
	Region     string
	Kind       string
	Only24x7   bool
	MaxResults int
}

// Matches reports whether r passes the filter. An empty resource region
// matches every region.
func (f ResourceFilter) Matches(r datatypes.Resource) bool {
	if f.Region != "" && r.Region != "" && r.Region != f.Region {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Only24x7 && !r.Available24x7 {
		return false
	}
	return true
}

// VolunteerQuery selects matcher candidates.
type VolunteerQuery struct {
	MinResponseRate float64
	MinRating       float64
	// MaxBurnout excludes volunteers above it. Zero disables the check.
	MaxBurnout    float64
	EmergencyOnly bool
	Limit         int
}

// Matches applies the query to v, including the capacity check.
func (q VolunteerQuery) Matches(v datatypes.Volunteer) bool {
	if !v.Available || !v.HasCapacity() {
		return false
	}
	if v.ResponseRate < q.MinResponseRate || v.AverageRating < q.MinRating {
		return false
	}
	if q.MaxBurnout > 0 && v.BurnoutScore > q.MaxBurnout {
		return false
	}
	if q.EmergencyOnly && !v.EmergencyResponder {
		return false
	}
	return true
}

// =============================================================================
// Interfaces
// =============================================================================

// Store persists sessions, encrypted messages, resources, metrics and
// override audit records.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession inserts s. ID and TokenDigest must be set.
	CreateSession(ctx context.Context, s *datatypes.CrisisSession) error

	GetSession(ctx context.Context, id string) (*datatypes.CrisisSession, error)

	// FindSessionByToken looks a session up by datatypes.TokenDigest.
	FindSessionByToken(ctx context.Context, tokenDigest string) (*datatypes.CrisisSession, error)

	// UpdateSession replaces the stored session with s.
	UpdateSession(ctx context.Context, s *datatypes.CrisisSession) error

	CountSessions(ctx context.Context, f SessionFilter) (int, error)

	// ListIdleSessions returns non-terminal sessions whose LastActivity is
	// before cutoff, up to limit (0 for no limit).
	ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*datatypes.CrisisSession, error)

	// StoreMessage assigns an ID and CreatedAt and persists msg.
	StoreMessage(ctx context.Context, msg datatypes.NewMessage) (*datatypes.StoredMessage, error)

	GetMessage(ctx context.Context, id string) (*datatypes.StoredMessage, error)

	ListResources(ctx context.Context, f ResourceFilter) ([]datatypes.Resource, error)
	UpsertResource(ctx context.Context, r datatypes.Resource) error

	RecordMetric(ctx context.Context, m datatypes.MetricSample) error

	// RecordOverride inserts or replaces the audit record for an override.
	RecordOverride(ctx context.Context, rec datatypes.OverrideRecord) error
	GetOverride(ctx context.Context, id string) (*datatypes.OverrideRecord, error)

	Close() error
}

// VolunteerDirectory is the matcher's view of volunteer management.
type VolunteerDirectory interface {
	ListCandidates(ctx context.Context, q VolunteerQuery) ([]datatypes.Volunteer, error)
	GetVolunteer(ctx context.Context, id string) (*datatypes.Volunteer, error)

	// IncrementLoad atomically takes one slot, or returns
	// ErrCapacityExceeded.
	IncrementLoad(ctx context.Context, id string) error

	// DecrementLoad releases one slot. Load never goes below zero.
	DecrementLoad(ctx context.Context, id string) error

	UpsertVolunteer(ctx context.Context, v datatypes.Volunteer) error
}

// Backend is a store that also serves the volunteer directory.
type Backend interface {
	Store
	VolunteerDirectory
}
