// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory is an in-process storage.Backend for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
	"github.com/google/uuid"
)

// maxMetrics bounds the retained metric samples.
const maxMetrics = 10_000

var _ storage.Backend = (*Store)(nil)

// Store keeps everything in maps behind one RWMutex.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]*datatypes.CrisisSession
	byDigest   map[string]string
	messages   map[string]*datatypes.StoredMessage
	resources  map[string]datatypes.Resource
	volunteers map[string]*datatypes.Volunteer
	overrides  map[string]datatypes.OverrideRecord
	metrics    []datatypes.MetricSample
	closed     bool

	now func() time.Time
}

// New returns an empty Store seeded with the default emergency resources.
func New() *Store {
	s := &Store{
		sessions:   make(map[string]*datatypes.CrisisSession),
		byDigest:   make(map[string]string),
		messages:   make(map[string]*datatypes.StoredMessage),
		resources:  make(map[string]datatypes.Resource),
		volunteers: make(map[string]*datatypes.Volunteer),
		overrides:  make(map[string]datatypes.OverrideRecord),
		now:        time.Now,
	}
	for _, r := range datatypes.DefaultEmergencyResources() {
		s.resources[r.ID] = r
	}
	return s
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Store) CreateSession(ctx context.Context, sess *datatypes.CrisisSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return storage.ErrAlreadyExists
	}
	if _, ok := s.byDigest[sess.TokenDigest]; ok {
		return storage.ErrAlreadyExists
	}
	c := sess.Clone()
	c.SessionToken = ""
	s.sessions[c.ID] = c
	s.byDigest[c.TokenDigest] = c.ID
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*datatypes.CrisisSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) FindSessionByToken(ctx context.Context, tokenDigest string) (*datatypes.CrisisSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDigest[tokenDigest]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return s.sessions[id].Clone(), nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *datatypes.CrisisSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.sessions[sess.ID]; !ok {
		return storage.ErrSessionNotFound
	}
	c := sess.Clone()
	c.SessionToken = ""
	s.sessions[c.ID] = c
	return nil
}

func (s *Store) CountSessions(ctx context.Context, f storage.SessionFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if f.Matches(sess) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*datatypes.CrisisSession, error) {
	s.mu.RLock()
	var out []*datatypes.CrisisSession
	for _, sess := range s.sessions {
		if !sess.Status.IsTerminal() && sess.LastActivity.Before(cutoff) {
			out = append(out, sess.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *Store) StoreMessage(ctx context.Context, msg datatypes.NewMessage) (*datatypes.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return nil, storage.ErrSessionNotFound
	}
	stored := &datatypes.StoredMessage{
		ID:          uuid.NewString(),
		SessionID:   msg.SessionID,
		Sequence:    msg.Sequence,
		Role:        msg.Role,
		SenderID:    msg.SenderID,
		Payload:     msg.Payload,
		ContentHash: msg.ContentHash,
		Metadata:    msg.Metadata,
		CreatedAt:   s.now(),
	}
	s.messages[stored.ID] = stored
	c := *stored
	return &c, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*datatypes.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	c := *m
	return &c, nil
}

// MessagesForSession returns a session's messages in sequence order.
func (s *Store) MessagesForSession(sessionID string) []datatypes.StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.StoredMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// =============================================================================
// Resources, Metrics, Overrides
// =============================================================================

func (s *Store) ListResources(ctx context.Context, f storage.ResourceFilter) ([]datatypes.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Resource
	for _, r := range s.resources {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.MaxResults > 0 && len(out) > f.MaxResults {
		out = out[:f.MaxResults]
	}
	return out, nil
}

func (s *Store) UpsertResource(ctx context.Context, r datatypes.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.ID] = r
	return nil
}

func (s *Store) RecordMetric(ctx context.Context, m datatypes.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	if len(s.metrics) > maxMetrics {
		s.metrics = s.metrics[len(s.metrics)-maxMetrics:]
	}
	return nil
}

// Metrics returns a copy of the retained samples.
func (s *Store) Metrics() []datatypes.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]datatypes.MetricSample(nil), s.metrics...)
}

func (s *Store) RecordOverride(ctx context.Context, rec datatypes.OverrideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.overrides[rec.OverrideID] = rec
	return nil
}

func (s *Store) GetOverride(ctx context.Context, id string) (*datatypes.OverrideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.overrides[id]
	if !ok {
		return nil, storage.ErrOverrideNotFound
	}
	return &rec, nil
}

// =============================================================================
// Volunteers
// =============================================================================

func (s *Store) ListCandidates(ctx context.Context, q storage.VolunteerQuery) ([]datatypes.Volunteer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Volunteer
	for _, v := range s.volunteers {
		if q.Matches(*v) {
			out = append(out, copyVolunteer(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetVolunteer(ctx context.Context, id string) (*datatypes.Volunteer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.volunteers[id]
	if !ok {
		return nil, storage.ErrVolunteerNotFound
	}
	c := copyVolunteer(v)
	return &c, nil
}

func (s *Store) IncrementLoad(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volunteers[id]
	if !ok {
		return storage.ErrVolunteerNotFound
	}
	if !v.HasCapacity() {
		return storage.ErrCapacityExceeded
	}
	v.CurrentLoad++
	v.LastActive = s.now()
	return nil
}

func (s *Store) DecrementLoad(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volunteers[id]
	if !ok {
		return storage.ErrVolunteerNotFound
	}
	if v.CurrentLoad > 0 {
		v.CurrentLoad--
	}
	return nil
}

func (s *Store) UpsertVolunteer(ctx context.Context, v datatypes.Volunteer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyVolunteer(&v)
	s.volunteers[v.ID] = &c
	return nil
}

// Close marks the store closed. Reads keep working.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyVolunteer(v *datatypes.Volunteer) datatypes.Volunteer {
	c := *v
	c.Specializations = append([]string(nil), v.Specializations...)
	c.Languages = append([]string(nil), v.Languages...)
	return c
}
