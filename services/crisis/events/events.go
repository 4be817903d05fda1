// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes escalation events to downstream systems.
//
// Events carry routing and severity metadata only. Message content, in
// plaintext or ciphertext, never leaves the service through this package.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeStandardEscalation = "escalation.standard"
	TypeOverrideActivated  = "escalation.override"
	TypeOverrideCompleted  = "escalation.override_completed"
	TypeEmergencyDispatch  = "emergency.dispatch"
	TypeCrisisTeam         = "emergency.crisis_team"
	TypeLocationRequest    = "emergency.location"
	TypeHotlineConnect     = "emergency.hotline"
)

// Event is one escalation record.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	SessionID   string            `json:"session_id"`
	AnonymousID string            `json:"anonymous_id,omitempty"`
	OverrideID  string            `json:"override_id,omitempty"`
	Severity    int               `json:"severity,omitempty"`
	RiskTier    string            `json:"risk_tier,omitempty"`
	SafetyLevel string            `json:"safety_level,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Region      string            `json:"region,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Key is the partition key: events of one session stay ordered.
func (e Event) Key() []byte {
	return []byte(e.SessionID)
}

// Encode returns the JSON wire form.
func (e Event) Encode() ([]byte, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", e.Type, err)
	}
	return b, nil
}

// Publisher delivers events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// =============================================================================
// LogPublisher
// =============================================================================

// LogPublisher writes events to the structured log. It is the default when
// no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, e Event) error {
	slog.InfoContext(ctx, "Escalation event",
		"event_type", e.Type,
		"session_id", e.SessionID,
		"override_id", e.OverrideID,
		"severity", e.Severity,
		"risk_tier", e.RiskTier,
		"safety_level", e.SafetyLevel,
		"reason", e.Reason,
	)
	return nil
}

func (LogPublisher) Close() error { return nil }

// =============================================================================
// MultiPublisher
// =============================================================================

// MultiPublisher fans out to every publisher concurrently. Publish fails
// only if every publisher fails, so one broken sink never hides an event
// that reached another.
type MultiPublisher struct {
	pubs []Publisher
}

// NewMultiPublisher skips nil entries.
func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range pubs {
		if p != nil {
			m.pubs = append(m.pubs, p)
		}
	}
	return m
}

func (m *MultiPublisher) Publish(ctx context.Context, e Event) error {
	if len(m.pubs) == 0 {
		return nil
	}
	errs := make([]error, len(m.pubs))
	var wg sync.WaitGroup
	for i, p := range m.pubs {
		wg.Add(1)
		go func(i int, p Publisher) {
			defer wg.Done()
			errs[i] = p.Publish(ctx, e)
		}(i, p)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	joined := errors.Join(errs...)
	if failed == len(m.pubs) {
		return fmt.Errorf("all publishers failed: %w", joined)
	}
	if joined != nil {
		slog.Warn("Some event publishers failed", "event_type", e.Type, "failed", failed, "error", joined)
	}
	return nil
}

func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.pubs {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

var (
	_ Publisher = LogPublisher{}
	_ Publisher = (*MultiPublisher)(nil)
)
