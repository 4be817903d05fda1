// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package emergency implements the emergency override protocol: the
// trigger predicate, safety tiering, concurrent action dispatch under a
// hard response budget, and the always-available fallback plan.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the protocol. Zero fields take the defaults.
type Config struct {
	// ResponseBudget is how long Activate waits for actions before
	// reporting the rest as pending. Default: 4.5s, under the 5s contract.
	ResponseBudget time.Duration `yaml:"response_budget"`

	// ActionTimeout bounds each action, including pending ones that keep
	// running after Activate returns. Default: 30s.
	ActionTimeout time.Duration `yaml:"action_timeout"`

	// ContactLookupTimeout bounds the registry call. Default: 500ms.
	ContactLookupTimeout time.Duration `yaml:"contact_lookup_timeout"`

	// RecordGrace is how long past ResponseBudget Activate waits for the
	// override to be persisted, audited and published. Bookkeeping still
	// running then finishes in the background. Default: 250ms.
	RecordGrace time.Duration `yaml:"record_grace"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ResponseBudget:       4500 * time.Millisecond,
		ActionTimeout:        30 * time.Second,
		ContactLookupTimeout: 500 * time.Millisecond,
		RecordGrace:          250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResponseBudget <= 0 {
		c.ResponseBudget = d.ResponseBudget
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.ContactLookupTimeout <= 0 {
		c.ContactLookupTimeout = d.ContactLookupTimeout
	}
	if c.RecordGrace <= 0 {
		c.RecordGrace = d.RecordGrace
	}
	return c
}

// OverrideStore is the persistence the protocol needs. storage.Store
// satisfies it.
type OverrideStore interface {
	RecordOverride(ctx context.Context, rec datatypes.OverrideRecord) error
	GetOverride(ctx context.Context, id string) (*datatypes.OverrideRecord, error)
}

// Deps are the collaborators of a Protocol. Nil fields take safe defaults:
// the built-in contacts, a logging dispatcher, no persistence, and slog
// auditing.
type Deps struct {
	Registry   ContactRegistry
	Dispatcher Dispatcher
	Store      OverrideStore
	Audit      extensions.AuditLogger
	Publisher  events.Publisher
}

// ErrOverrideCompleted is returned when completing an override twice.
var ErrOverrideCompleted = errors.New("override already completed")

// OverrideError records where an activation failed. It is logged and
// converted into the fallback plan; Activate never returns it.
type OverrideError struct {
	Stage string
	Err   error
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("emergency override %s: %v", e.Stage, e.Err)
}

func (e *OverrideError) Unwrap() error { return e.Err }

// =============================================================================
// Protocol
// =============================================================================

// Protocol activates and completes emergency overrides.
//
// # Description
//
// Activate never fails and returns within ResponseBudget plus RecordGrace,
// however slow the store, audit log or publisher are. Actions run concurrently on a context
// detached from the caller. Actions that have not finished when the
// budget expires are reported as pending and keep running until they
// finish or hit ActionTimeout; their final status is written back to the
// override record.
//
// # Thread Safety
//
// Safe for concurrent use.
type Protocol struct {
	cfg        Config
	registry   ContactRegistry
	dispatcher Dispatcher
	store      OverrideStore
	audit      extensions.AuditLogger
	publisher  events.Publisher

	mu     sync.Mutex
	active map[string]*datatypes.OverrideRecord

	// recordMu orders each record mutation with its write to the store.
	recordMu sync.Mutex

	// inflight tracks action goroutines and late collectors.
	inflight sync.WaitGroup

	now func() time.Time
}

// NewProtocol builds a Protocol.
func NewProtocol(cfg Config, deps Deps) *Protocol {
	p := &Protocol{
		cfg:        cfg.withDefaults(),
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		audit:      deps.Audit,
		publisher:  deps.Publisher,
		active:     make(map[string]*datatypes.OverrideRecord),
		now:        time.Now,
	}
	if p.registry == nil {
		p.registry = NewStaticRegistry(nil)
	}
	if p.dispatcher == nil {
		p.dispatcher = NewEventDispatcher(nil, nil)
	}
	if p.audit == nil {
		p.audit = &extensions.SlogAuditLogger{}
	}
	if p.publisher == nil {
		p.publisher = events.LogPublisher{}
	}
	return p
}

// Activate runs the override for req.
//
// # Description
//
// Picks the safety tier, resolves regional contacts, dispatches the tier's
// actions concurrently and returns once every action has finished or the
// response budget is spent. Any internal failure, including a panic,
// yields the fallback response: crisis hotline plus supervisor alert
// against the built-in contacts.
//
// # Outputs
//
//   - *datatypes.EmergencyOverrideResponse: Never nil. FallbackPlan is
//     always populated.
func (p *Protocol) Activate(ctx context.Context, req datatypes.EmergencyOverrideRequest) *datatypes.EmergencyOverrideResponse {
	start := p.now()
	overrideID := req.OverrideID
	if overrideID == "" {
		overrideID = NewOverrideID()
		req.OverrideID = overrideID
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = start.UTC()
	}
	// Persistence and late actions must outlive a cancelled request.
	detached := context.WithoutCancel(ctx)

	resp, err := p.safeActivate(detached, overrideID, req, start)
	if err != nil {
		slog.Error("Emergency override failed, using fallback plan",
			"life_safety", true,
			"override_id", overrideID,
			"session_id", req.SessionID,
			"error", err)
		resp = p.fallback(detached, overrideID, req, start)
	}

	p.finishActivation(detached, req, resp, start.Add(p.cfg.ResponseBudget+p.cfg.RecordGrace))
	resp.ResponseTime = p.now().Sub(start)
	return resp
}

// NewOverrideID returns a fresh override identifier. Callers that must
// reference an override before Activate returns preassign one on the
// request.
func NewOverrideID() string {
	return "ovr-" + uuid.NewString()
}

func (p *Protocol) safeActivate(ctx context.Context, overrideID string, req datatypes.EmergencyOverrideRequest, start time.Time) (resp *datatypes.EmergencyOverrideResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, &OverrideError{Stage: "activate", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if req.SessionID == "" {
		return nil, &OverrideError{Stage: "validate", Err: errors.New("session id is required")}
	}

	level := SafetyLevelFor(req)
	contacts := p.lookupContacts(ctx, req.Region)
	results := p.runActions(ctx, overrideID, req, level, contacts, ActionsFor(level), start)

	return &datatypes.EmergencyOverrideResponse{
		OverrideID:   overrideID,
		SessionID:    req.SessionID,
		SafetyLevel:  level,
		Actions:      results,
		Contacts:     contacts,
		ResponseTime: p.now().Sub(start),
		FallbackPlan: FallbackPlan(contacts),
		ActivatedAt:  start.UTC(),
	}, nil
}

// fallback dispatches the hard-coded plan. Only code that cannot fail
// outside the per-action recovery runs here.
func (p *Protocol) fallback(ctx context.Context, overrideID string, req datatypes.EmergencyOverrideRequest, start time.Time) *datatypes.EmergencyOverrideResponse {
	contacts := DefaultContacts()
	level := SafetyLevelFor(req)
	if req.TriggerReason == "" {
		req.TriggerReason = ReasonFallbackActivation
	}
	results := p.runActions(ctx, overrideID, req, level, contacts, fallbackActions(), start)
	return &datatypes.EmergencyOverrideResponse{
		OverrideID:   overrideID,
		SessionID:    req.SessionID,
		SafetyLevel:  level,
		Actions:      results,
		Contacts:     contacts,
		ResponseTime: p.now().Sub(start),
		FallbackPlan: FallbackPlan(contacts),
		UsedFallback: true,
		ActivatedAt:  start.UTC(),
	}
}

func (p *Protocol) lookupContacts(ctx context.Context, region string) []datatypes.EmergencyContact {
	if region == "" {
		region = DefaultRegion
	}
	lctx, cancel := context.WithTimeout(ctx, p.cfg.ContactLookupTimeout)
	defer cancel()

	contacts, err := p.registry.Contacts(lctx, region)
	if err != nil || len(contacts) == 0 {
		slog.Error("Emergency contact lookup failed, using built-in contacts",
			"life_safety", true, "region", region, "error", err)
		return DefaultContacts()
	}
	return contacts
}

type actionOutcome struct {
	idx int
	res datatypes.ActionResult
}

// runActions dispatches every action concurrently and waits until they
// finish or the response budget measured from start runs out. Unfinished
// actions are reported pending and handed to a late collector.
func (p *Protocol) runActions(
	ctx context.Context,
	overrideID string,
	req datatypes.EmergencyOverrideRequest,
	level datatypes.SafetyLevel,
	contacts []datatypes.EmergencyContact,
	actions []datatypes.ActionType,
	start time.Time,
) []datatypes.ActionResult {
	results := make([]datatypes.ActionResult, len(actions))
	done := make(chan actionOutcome, len(actions))

	for i, a := range actions {
		results[i] = datatypes.ActionResult{Action: a, Status: datatypes.ActionPending}
		ar := ActionRequest{
			OverrideID:  overrideID,
			Action:      a,
			SafetyLevel: level,
			Request:     req,
			Contacts:    contacts,
		}
		p.inflight.Add(1)
		go func(idx int) {
			defer p.inflight.Done()
			done <- actionOutcome{idx: idx, res: p.runAction(ctx, ar)}
		}(i)
	}

	remaining := len(actions)
	budget := p.cfg.ResponseBudget - p.now().Sub(start)
	if budget < time.Millisecond {
		budget = time.Millisecond
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	for remaining > 0 {
		select {
		case o := <-done:
			results[o.idx] = o.res
			remaining--
		case <-timer.C:
			slog.Warn("Emergency actions still running at response deadline",
				"override_id", overrideID, "pending", remaining)
			p.inflight.Add(1)
			go p.collectLate(ctx, overrideID, done, remaining)
			return results
		}
	}
	return results
}

// runAction dispatches one action, converting panics and errors into a
// failed result.
func (p *Protocol) runAction(ctx context.Context, ar ActionRequest) (res datatypes.ActionResult) {
	started := time.Now()
	res.Action = ar.Action
	defer func() {
		if r := recover(); r != nil {
			res.Status = datatypes.ActionFailed
			res.Error = fmt.Sprintf("panic: %v", r)
			slog.Error("Emergency action panicked",
				"life_safety", true, "override_id", ar.OverrideID, "action", ar.Action, "panic", r)
		}
		res.Duration = time.Since(started)
	}()

	actx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
	defer cancel()

	detail, err := p.dispatcher.Dispatch(actx, ar)
	if err != nil {
		slog.Error("Emergency action failed",
			"life_safety", true, "override_id", ar.OverrideID, "action", ar.Action, "error", err)
		res.Status = datatypes.ActionFailed
		res.Error = err.Error()
		return res
	}
	res.Status = datatypes.ActionCompleted
	res.Detail = detail
	return res
}

// collectLate waits for actions that outlived the response budget and
// writes their final status back to the override record.
func (p *Protocol) collectLate(ctx context.Context, overrideID string, done <-chan actionOutcome, remaining int) {
	defer p.inflight.Done()
	for ; remaining > 0; remaining-- {
		o := <-done
		slog.Info("Pending emergency action finished",
			"override_id", overrideID, "action", o.res.Action, "status", o.res.Status,
			"duration_ms", o.res.Duration.Milliseconds())

		p.recordMu.Lock()
		rec, ok := p.updateActive(overrideID, o)
		if ok {
			p.persist(ctx, rec)
		}
		p.recordMu.Unlock()
		if !ok {
			continue
		}
		p.auditEvent(ctx, extensions.AuditEvent{
			EventType:    "override.action_finished",
			Actor:        "system",
			ResourceType: "override",
			ResourceID:   overrideID,
			Outcome:      outcomeFor(o.res.Status),
			Metadata: map[string]any{
				"session_id": rec.SessionID,
				"action":     string(o.res.Action),
				"status":     string(o.res.Status),
			},
		})
	}
}

// updateActive applies a late outcome to the tracked record. The record
// may not be registered yet if the action finished while Activate was
// still returning, so this waits briefly for it.
func (p *Protocol) updateActive(overrideID string, o actionOutcome) (datatypes.OverrideRecord, bool) {
	for attempt := 0; attempt < 50; attempt++ {
		p.mu.Lock()
		rec, ok := p.active[overrideID]
		if ok {
			if o.idx < len(rec.Response.Actions) {
				rec.Response.Actions[o.idx] = o.res
			}
			cp := cloneRecord(*rec)
			p.mu.Unlock()
			return cp, true
		}
		p.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	slog.Warn("Late emergency action result has no active override", "override_id", overrideID)
	return datatypes.OverrideRecord{}, false
}

// finishActivation tracks the override and records it. The record is
// registered before returning so Complete and late actions can find it;
// persisting, auditing and publishing run on a tracked goroutine that is
// waited for until deadline.
func (p *Protocol) finishActivation(ctx context.Context, req datatypes.EmergencyOverrideRequest, resp *datatypes.EmergencyOverrideResponse, deadline time.Time) {
	rec := datatypes.OverrideRecord{
		OverrideID: resp.OverrideID,
		SessionID:  resp.SessionID,
		Request:    req,
		Response:   *resp,
	}
	rec = cloneRecord(rec)

	// Held until the first write so a late action cannot persist first.
	p.recordMu.Lock()
	p.mu.Lock()
	tracked := rec
	p.active[resp.OverrideID] = &tracked
	p.mu.Unlock()

	done := make(chan struct{})
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer close(done)
		bctx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
		defer cancel()
		p.persist(bctx, rec)
		p.recordMu.Unlock()
		p.recordActivation(bctx, rec)
	}()

	wait := time.NewTimer(time.Until(deadline))
	defer wait.Stop()
	select {
	case <-done:
	case <-wait.C:
		slog.Warn("Override bookkeeping still running at response deadline",
			"life_safety", true, "override_id", resp.OverrideID)
	}
}

// recordActivation audits and publishes a new override. It reads only rec,
// which Activate no longer touches.
func (p *Protocol) recordActivation(ctx context.Context, rec datatypes.OverrideRecord) {
	req, resp := rec.Request, rec.Response
	outcome := "success"
	if resp.UsedFallback {
		outcome = "degraded"
	}
	p.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventOverrideActivated,
		Actor:        "system",
		ResourceType: "override",
		ResourceID:   resp.OverrideID,
		Outcome:      outcome,
		Metadata: map[string]any{
			"session_id":     resp.SessionID,
			"anonymous_id":   req.AnonymousID,
			"safety_level":   string(resp.SafetyLevel),
			"trigger_reason": req.TriggerReason,
			"severity":       req.Severity,
			"actions":        actionSummary(resp.Actions),
			"response_ms":    resp.ResponseTime.Milliseconds(),
			"used_fallback":  resp.UsedFallback,
		},
	})
	p.publish(ctx, events.TypeOverrideActivated, rec)

	slog.Warn("Emergency override activated",
		"override_id", resp.OverrideID,
		"session_id", resp.SessionID,
		"safety_level", resp.SafetyLevel,
		"trigger_reason", req.TriggerReason,
		"used_fallback", resp.UsedFallback,
		"response_ms", resp.ResponseTime.Milliseconds())
}

// Complete closes an override with outcome.
//
// # Outputs
//
//   - error: storage.ErrOverrideNotFound for unknown IDs,
//     ErrOverrideCompleted if already closed, or a store error.
func (p *Protocol) Complete(ctx context.Context, overrideID, outcome string) error {
	p.mu.Lock()
	tracked, ok := p.active[overrideID]
	var rec datatypes.OverrideRecord
	if ok {
		rec = cloneRecord(*tracked)
		delete(p.active, overrideID)
	}
	p.mu.Unlock()

	if !ok {
		if p.store == nil {
			return fmt.Errorf("complete %s: %w", overrideID, storage.ErrOverrideNotFound)
		}
		stored, err := p.store.GetOverride(ctx, overrideID)
		if err != nil {
			return fmt.Errorf("complete %s: %w", overrideID, err)
		}
		if stored.CompletedAt != nil {
			return fmt.Errorf("complete %s: %w", overrideID, ErrOverrideCompleted)
		}
		rec = *stored
	}

	now := p.now().UTC()
	rec.CompletedAt = &now
	rec.Outcome = outcome

	var err error
	if p.store != nil {
		// Ordered after the activation write, which may still be running.
		p.recordMu.Lock()
		err = p.store.RecordOverride(ctx, rec)
		p.recordMu.Unlock()
		if err != nil {
			err = fmt.Errorf("failed to record override completion: %w", err)
			slog.Error("Override completion not persisted", "override_id", overrideID, "error", err)
		}
	}

	p.auditEvent(ctx, extensions.AuditEvent{
		EventType:    extensions.EventOverrideCompleted,
		Actor:        "system",
		ResourceType: "override",
		ResourceID:   overrideID,
		Outcome:      "success",
		Metadata: map[string]any{
			"session_id":  rec.SessionID,
			"outcome":     outcome,
			"duration_ms": now.Sub(rec.Response.ActivatedAt).Milliseconds(),
		},
	})
	p.publish(ctx, events.TypeOverrideCompleted, rec)
	return err
}

// Active returns the overrides not yet completed, as copies.
func (p *Protocol) Active() []datatypes.OverrideRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]datatypes.OverrideRecord, 0, len(p.active))
	for _, rec := range p.active {
		out = append(out, cloneRecord(*rec))
	}
	return out
}

// Wait blocks until every dispatched action has finished or ctx is done.
// Used on shutdown so pending actions are not abandoned.
func (p *Protocol) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Protocol) persist(ctx context.Context, rec datatypes.OverrideRecord) {
	if p.store == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Override record store panicked", "life_safety", true, "override_id", rec.OverrideID, "panic", r)
		}
	}()
	if err := p.store.RecordOverride(ctx, rec); err != nil {
		slog.Error("Failed to persist override record",
			"life_safety", true, "override_id", rec.OverrideID, "error", err)
	}
}

func (p *Protocol) auditEvent(ctx context.Context, e extensions.AuditEvent) {
	if err := p.audit.Log(ctx, e); err != nil {
		slog.Error("Failed to audit override event",
			"event_type", e.EventType, "override_id", e.ResourceID, "error", err)
	}
}

func (p *Protocol) publish(ctx context.Context, eventType string, rec datatypes.OverrideRecord) {
	e := events.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		SessionID:   rec.SessionID,
		AnonymousID: rec.Request.AnonymousID,
		OverrideID:  rec.OverrideID,
		Severity:    rec.Request.Severity,
		SafetyLevel: string(rec.Response.SafetyLevel),
		Reason:      rec.Request.TriggerReason,
		Region:      rec.Request.Region,
		Attributes:  map[string]string{"used_fallback": fmt.Sprint(rec.Response.UsedFallback)},
		OccurredAt:  p.now().UTC(),
	}
	if rec.Outcome != "" {
		e.Attributes["outcome"] = rec.Outcome
	}
	if err := p.publisher.Publish(ctx, e); err != nil {
		slog.Error("Failed to publish override event", "event_type", eventType, "override_id", rec.OverrideID, "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// FallbackPlan renders the plain-language plan shown to the user. It is
// never empty.
func FallbackPlan(contacts []datatypes.EmergencyContact) string {
	var b strings.Builder
	b.WriteString("If you are in immediate danger, call your local emergency number now.")
	for _, c := range contacts {
		switch {
		case c.HasCapability(CapEmergencyServices) && c.Phone != "":
			fmt.Fprintf(&b, " Emergency services: call %s.", c.Phone)
		case c.Phone != "" && c.SMS != "":
			fmt.Fprintf(&b, " %s: call or text %s.", c.Name, c.Phone)
		case c.Phone != "":
			fmt.Fprintf(&b, " %s: call %s.", c.Name, c.Phone)
		case c.SMS != "":
			fmt.Fprintf(&b, " %s: text %s.", c.Name, c.SMS)
		}
	}
	b.WriteString(" Stay with someone you trust until help arrives.")
	return b.String()
}

func cloneRecord(rec datatypes.OverrideRecord) datatypes.OverrideRecord {
	rec.Response.Actions = append([]datatypes.ActionResult(nil), rec.Response.Actions...)
	rec.Response.Contacts = cloneContacts(rec.Response.Contacts)
	rec.Request.Keywords = append([]string(nil), rec.Request.Keywords...)
	if rec.Request.Location != nil {
		loc := *rec.Request.Location
		rec.Request.Location = &loc
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		rec.CompletedAt = &t
	}
	return rec
}

func actionSummary(results []datatypes.ActionResult) map[string]string {
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[string(r.Action)] = string(r.Status)
	}
	return out
}

func outcomeFor(s datatypes.ActionStatus) string {
	if s == datatypes.ActionFailed {
		return "failure"
	}
	return "success"
}
