// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package matcher ranks available volunteers against a crisis request.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// =============================================================================
// Types
// =============================================================================

// Urgency is the matching urgency derived from severity.
type Urgency string

const (
	UrgencyRoutine   Urgency = "routine"
	UrgencyElevated  Urgency = "elevated"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

// Rank orders urgencies, routine lowest.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyElevated:
		return 1
	case UrgencyCritical:
		return 2
	case UrgencyEmergency:
		return 3
	}
	return 0
}

// UrgencyForSeverity maps a 1-10 severity to an urgency.
func UrgencyForSeverity(severity int) Urgency {
	switch {
	case severity >= 9:
		return UrgencyEmergency
	case severity >= 7:
		return UrgencyCritical
	case severity >= 5:
		return UrgencyElevated
	}
	return UrgencyRoutine
}

// MatchCriteria describes what a session needs.
type MatchCriteria struct {
	SessionID   string
	Severity    int
	Keywords    []string
	Language    string
	Urgency     Urgency
	RequestedAt time.Time
}

// Weights are the score components. They should sum to 1.
type Weights struct {
	Specialization float64
	Availability   float64
	ResponseRate   float64
	Rating         float64
	Language       float64
}

// Config tunes the Matcher.
type Config struct {
	Weights Weights

	// EmergencyBonus is added for emergency responders on critical or
	// emergency requests.
	EmergencyBonus float64

	MatchThreshold  float64
	MinResponseRate float64
	MinRating       float64

	// MaxBurnout excludes volunteers above it. Negative disables the
	// exclusion.
	MaxBurnout float64

	Timeout        time.Duration
	CandidateLimit int
}

// DefaultConfig returns production matching parameters.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Specialization: 0.35,
			Availability:   0.25,
			ResponseRate:   0.20,
			Rating:         0.15,
			Language:       0.05,
		},
		EmergencyBonus:  0.10,
		MatchThreshold:  0.6,
		MinResponseRate: 0.5,
		MinRating:       3.0,
		MaxBurnout:      0.8,
		Timeout:         2 * time.Second,
		CandidateLimit:  500,
	}
}

// ErrMatchTimeout is returned when ranking exceeds the time budget.
var ErrMatchTimeout = errors.New("volunteer matching timed out")

// Scored is a candidate with its score breakdown.
type Scored struct {
	Volunteer    datatypes.Volunteer
	Score        float64
	Availability float64
}

// =============================================================================
// Matcher
// =============================================================================

// Matcher scores directory candidates.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the directory.
type Matcher struct {
	dir storage.VolunteerDirectory
	cfg Config
}

// New creates a Matcher. Zero config fields take DefaultConfig values.
func New(dir storage.VolunteerDirectory, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.EmergencyBonus == 0 {
		cfg.EmergencyBonus = def.EmergencyBonus
	}
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if cfg.MinResponseRate == 0 {
		cfg.MinResponseRate = def.MinResponseRate
	}
	if cfg.MinRating == 0 {
		cfg.MinRating = def.MinRating
	}
	if cfg.MaxBurnout == 0 {
		cfg.MaxBurnout = def.MaxBurnout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	return &Matcher{dir: dir, cfg: cfg}
}

// FindBestMatch returns the highest scoring volunteer above the threshold.
//
// # Description
//
// Pulls candidates that have capacity and clear the response-rate, rating
// and burnout filters; emergency requests only consider emergency
// responders. Candidates are scored and ranked, ties broken by
// availability. Does not reserve capacity; see AssignVolunteer.
//
// # Outputs
//
//   - *datatypes.Volunteer: Best match, or nil when nobody clears the
//     threshold. Nil means queue, not failure.
//   - error: Directory errors or ErrMatchTimeout.
func (m *Matcher) FindBestMatch(ctx context.Context, c MatchCriteria) (*datatypes.Volunteer, error) {
	ranked, err := m.Rank(ctx, c)
	if err != nil || len(ranked) == 0 {
		return nil, err
	}
	v := ranked[0].Volunteer
	return &v, nil
}

// AssignVolunteer reserves the best available volunteer.
//
// # Description
//
// Walks ranked candidates and takes a slot with IncrementLoad. A candidate
// that filled up since ranking is skipped.
//
// # Outputs
//
//   - *datatypes.Volunteer: Assigned volunteer, or nil to queue.
//   - error: Directory errors or ErrMatchTimeout.
func (m *Matcher) AssignVolunteer(ctx context.Context, c MatchCriteria) (*datatypes.Volunteer, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	ranked, err := m.Rank(ctx, c)
	if err != nil {
		return nil, err
	}
	for _, s := range ranked {
		err := m.dir.IncrementLoad(ctx, s.Volunteer.ID)
		if err == nil {
			v := s.Volunteer
			v.CurrentLoad++
			slog.Info("Volunteer assigned",
				"session_id", c.SessionID,
				"volunteer_id", v.ID,
				"score", s.Score,
			)
			return &v, nil
		}
		if errors.Is(err, storage.ErrCapacityExceeded) || errors.Is(err, storage.ErrVolunteerNotFound) {
			continue
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrMatchTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("failed to reserve volunteer %s: %w", s.Volunteer.ID, err)
	}
	return nil, nil
}

// ReleaseVolunteer frees the slot taken by AssignVolunteer.
func (m *Matcher) ReleaseVolunteer(ctx context.Context, volunteerID string) error {
	if volunteerID == "" {
		return nil
	}
	if err := m.dir.DecrementLoad(ctx, volunteerID); err != nil {
		return fmt.Errorf("failed to release volunteer %s: %w", volunteerID, err)
	}
	return nil
}

// Rank scores every eligible candidate and returns those at or above the
// threshold, best first.
func (m *Matcher) Rank(ctx context.Context, c MatchCriteria) ([]Scored, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	start := time.Now()

	if c.Urgency == "" {
		c.Urgency = UrgencyForSeverity(c.Severity)
	}

	q := storage.VolunteerQuery{
		MinResponseRate: m.cfg.MinResponseRate,
		MinRating:       m.cfg.MinRating,
		EmergencyOnly:   c.Urgency == UrgencyEmergency,
		Limit:           m.cfg.CandidateLimit,
	}
	if m.cfg.MaxBurnout > 0 {
		q.MaxBurnout = m.cfg.MaxBurnout
	}

	candidates, err := m.dir.ListCandidates(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrMatchTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	needed := specializationsFor(c.Keywords)
	ranked := make([]Scored, 0, len(candidates))
	for i, v := range candidates {
		if i%64 == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %d of %d candidates", ErrMatchTimeout, i, len(candidates))
		}
		if !q.Matches(v) {
			continue
		}
		s := m.score(v, c, needed)
		if s.Score >= m.cfg.MatchThreshold {
			ranked = append(ranked, s)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Availability != ranked[j].Availability {
			return ranked[i].Availability > ranked[j].Availability
		}
		return ranked[i].Volunteer.ID < ranked[j].Volunteer.ID
	})

	slog.Debug("Ranked volunteers",
		"session_id", c.SessionID,
		"candidates", len(candidates),
		"eligible", len(ranked),
		"duration", time.Since(start),
	)
	return ranked, nil
}

// score computes the weighted match score for one volunteer.
func (m *Matcher) score(v datatypes.Volunteer, c MatchCriteria, needed map[string]struct{}) Scored {
	w := m.cfg.Weights

	avail := 0.0
	if v.MaxConcurrent > 0 {
		avail = float64(v.MaxConcurrent-v.CurrentLoad) / float64(v.MaxConcurrent)
	}

	lang := 1.0
	if c.Language != "" && !v.SpeaksLanguage(c.Language) {
		lang = 0
	}

	total := w.Specialization*specializationScore(v, needed) +
		w.Availability*clamp01(avail) +
		w.ResponseRate*clamp01(v.ResponseRate) +
		w.Rating*clamp01(v.AverageRating/5) +
		w.Language*lang

	if v.EmergencyResponder && c.Urgency.Rank() >= UrgencyCritical.Rank() {
		total += m.cfg.EmergencyBonus
	}

	return Scored{Volunteer: v, Score: total, Availability: avail}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
