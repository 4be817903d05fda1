// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/matcher"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/observability"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/memory"
)

// =============================================================================
// Test Doubles
// =============================================================================

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []extensions.SupervisorAlert
}

func (n *recordingNotifier) NotifySupervisors(_ context.Context, a extensions.SupervisorAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *recordingAudit) Flush(context.Context) error { return nil }

func (a *recordingAudit) count(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []emergency.ActionRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ar emergency.ActionRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, ar)
	return "dispatched", nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actions)
}

// failingStore fails session creation.
type failingStore struct {
	*memory.Store
}

func (f *failingStore) CreateSession(context.Context, *datatypes.CrisisSession) error {
	return errors.New("disk on fire")
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	eng      *Engine
	store    *memory.Store
	crypto   *sessioncrypto.Manager
	tr       *connections.MemoryTransport
	conns    *connections.Manager
	pub      *recordingPublisher
	notifier *recordingNotifier
	audit    *recordingAudit
	dispatch *recordingDispatcher
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()

	seed, err := sessioncrypto.GenerateMasterSeed()
	require.NoError(t, err)
	crypto, err := sessioncrypto.New(sessioncrypto.Config{
		MasterSeed:          seed,
		Iterations:          sessioncrypto.MinIterations,
		AllowInsecureMemory: true,
	})
	require.NoError(t, err)

	f := &fixture{
		store:    memory.New(),
		crypto:   crypto,
		tr:       connections.NewMemoryTransport(),
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
		audit:    &recordingAudit{},
		dispatch: &recordingDispatcher{},
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	f.conns = connections.NewManager(f.tr, connections.Config{})

	cfg := DefaultConfig()
	deps := Deps{
		Store:       f.store,
		Crypto:      crypto,
		Connections: f.conns,
		Publisher:   f.pub,
		Notifier:    f.notifier,
		Audit:       f.audit,
		Metrics:     f.metrics,
		Override: emergency.NewProtocol(emergency.Config{}, emergency.Deps{
			Dispatcher: f.dispatch,
			Store:      f.store,
			Audit:      f.audit,
			Publisher:  f.pub,
		}),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	f.eng, err = New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, f.eng.Close(ctx))
		crypto.Close()
	})
	return f
}

func (f *fixture) connect(t *testing.T, req datatypes.ConnectRequest) *datatypes.ConnectResponse {
	t.Helper()
	resp, err := f.eng.ConnectAnonymous(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.Degraded)
	_, err = f.conns.Attach(resp.ConnectionID, resp.SessionToken)
	require.NoError(t, err)
	return resp
}

// acceptedSession connects an anonymous user, lets the matcher assign
// volunteerID and attaches the volunteer's connection.
func (f *fixture) acceptedSession(t *testing.T, volunteerID string) (*datatypes.ConnectResponse, *datatypes.JoinResponse) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertVolunteer(ctx, counsellor(volunteerID)))
	resp := f.connect(t, datatypes.ConnectRequest{})
	require.Eventually(t, func() bool { return f.session(t, resp.SessionID).VolunteerID == volunteerID },
		2*time.Second, 10*time.Millisecond)

	join, err := f.eng.AcceptVolunteer(ctx, datatypes.AcceptSessionRequest{SessionID: resp.SessionID, VolunteerID: volunteerID})
	require.NoError(t, err)
	_, err = f.conns.AttachParticipant(join.ConnectionID, resp.SessionID, volunteerID)
	require.NoError(t, err)
	return resp, join
}

func (f *fixture) session(t *testing.T, id string) *datatypes.CrisisSession {
	t.Helper()
	s, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) eventsOfType(connID, eventType string) []connections.BroadcastEvent {
	var out []connections.BroadcastEvent
	for _, ev := range f.tr.Events(connID) {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func counsellor(id string) datatypes.Volunteer {
	return datatypes.Volunteer{
		ID:              id,
		Specializations: []string{matcher.SpecCrisisIntervention, matcher.SpecAnxiety, matcher.SpecSuicidePrevention},
		Languages:       []string{"en"},
		MaxConcurrent:   3,
		AverageRating:   4.8,
		ResponseRate:    0.95,
		BurnoutScore:    0.1,
		Available:       true,
		LastActive:      time.Now(),
	}
}

// =============================================================================
// Connect
// =============================================================================

func TestConnectAnonymous_ModerateMessageWaitsForVolunteer(t *testing.T) {
	f := newFixture(t)

	resp := f.connect(t, datatypes.ConnectRequest{InitialMessage: "I'm feeling a bit anxious", Language: "en"})

	assert.NotEmpty(t, resp.SessionToken)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, datatypes.StatusWaiting, resp.Status)
	assert.Equal(t, 5, resp.Severity)
	assert.NotEmpty(t, resp.EmergencyResources)

	sess := f.session(t, resp.SessionID)
	assert.Equal(t, int64(1), sess.MessageCount)
	assert.Zero(t, sess.EscalationCount)
	assert.Empty(t, sess.SessionToken, "the raw token is never persisted")
	assert.Equal(t, datatypes.TokenDigest(resp.SessionToken), sess.TokenDigest)

	// Nobody is on shift, so the session is queued for a retry.
	require.Eventually(t, func() bool { return f.eng.queue.Position(resp.SessionID) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.pub.ofType(events.TypeStandardEscalation))
	assert.Zero(t, f.dispatch.count())
	assert.Equal(t, 1, f.audit.count(extensions.EventSessionStarted))
}

func TestConnectAnonymous_AssignsAvailableVolunteer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertVolunteer(context.Background(), counsellor("v1")))

	resp := f.connect(t, datatypes.ConnectRequest{InitialMessage: "I'm feeling a bit anxious", Language: "en"})

	require.Eventually(t, func() bool { return f.session(t, resp.SessionID).VolunteerID == "v1" },
		2*time.Second, 10*time.Millisecond)
	v, err := f.store.GetVolunteer(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, v.CurrentLoad)
	assert.Zero(t, f.eng.queue.Len())
	require.Eventually(t, func() bool { return f.audit.count(extensions.EventVolunteerAssigned) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestConnectAnonymous_TokensAreDistinct(t *testing.T) {
	f := newFixture(t)

	tokens := make(map[string]struct{})
	ids := make(map[string]struct{})
	anons := make(map[string]struct{})
	for i := 0; i < 25; i++ {
		resp := f.connect(t, datatypes.ConnectRequest{})
		tokens[resp.SessionToken] = struct{}{}
		ids[resp.SessionID] = struct{}{}
		anons[resp.AnonymousID] = struct{}{}
	}
	assert.Len(t, tokens, 25)
	assert.Len(t, ids, 25)
	assert.Len(t, anons, 25)
	assert.Equal(t, 25, f.crypto.KeyCount())
}

func TestConnectAnonymous_DegradedOnStoreFailure(t *testing.T) {
	f := newFixture(t, func(_ *Config, d *Deps) {
		d.Store = &failingStore{Store: memory.New()}
	})

	resp, err := f.eng.ConnectAnonymous(context.Background(), datatypes.ConnectRequest{InitialMessage: "help"})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Degraded)
	assert.Empty(t, resp.SessionToken)
	assert.Equal(t, datatypes.DefaultEmergencyResources(), resp.EmergencyResources)
	assert.Zero(t, f.crypto.KeyCount())
}

func TestConnectAnonymous_InvalidRequestStillCarriesResources(t *testing.T) {
	f := newFixture(t)

	resp, err := f.eng.ConnectAnonymous(context.Background(), datatypes.ConnectRequest{Region: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	require.NotNil(t, resp)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.EmergencyResources)
}

func TestConnectAnonymous_AfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Close(context.Background()))

	resp, err := f.eng.ConnectAnonymous(context.Background(), datatypes.ConnectRequest{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, resp.Degraded)

	assert.NotPanics(t, func() {
		_, err = f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{SessionToken: "tok", Text: "hi"})
		assert.ErrorIs(t, err, ErrClosed)
		_, err = f.eng.SendStaffMessage(context.Background(), datatypes.StaffMessageRequest{
			SessionID: "s1", SenderID: "v1", Role: datatypes.RoleVolunteer, Text: "hi",
		})
		assert.ErrorIs(t, err, ErrClosed)
		_, err = f.eng.Reconnect(context.Background(), "tok")
		assert.ErrorIs(t, err, ErrClosed)
		_, err = f.eng.AcceptVolunteer(context.Background(), datatypes.AcceptSessionRequest{SessionID: "s1", VolunteerID: "v1"})
		assert.ErrorIs(t, err, ErrClosed)
		_, _ = f.eng.GetMessage(context.Background(), "msg-1", "tok")
		_, _ = f.eng.GetStaffMessage(context.Background(), "s1", "msg-1", "v1")
		_ = f.eng.EndSession(context.Background(), "tok", "")
	})
	assert.NoError(t, f.eng.Close(context.Background()), "closing twice is harmless")
}

// =============================================================================
// Messages
// =============================================================================

func TestSendMessage_EmergencyActivatesOverride(t *testing.T) {
	f := newFixture(t)
	resp := f.connect(t, datatypes.ConnectRequest{Region: "US"})

	stored, err := f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{
		SessionToken: resp.SessionToken,
		Text:         "I want to kill myself tonight",
	})
	require.NoError(t, err)
	assert.Equal(t, datatypes.RoleAnonymousUser, stored.Payload.SenderRole)
	assert.Equal(t, datatypes.EscalationOverride, stored.Metadata.Escalation)
	require.NotEmpty(t, stored.Metadata.OverrideID)
	require.NotNil(t, stored.Metadata.Assessment)
	assert.Equal(t, 10, stored.Metadata.Assessment.Severity)

	sess := f.session(t, resp.SessionID)
	assert.Equal(t, datatypes.StatusEscalated, sess.Status)
	assert.Equal(t, 1, sess.EscalationCount)
	assert.Equal(t, 10, sess.PeakSeverity)

	var override connections.BroadcastEvent
	require.Eventually(t, func() bool {
		evs := f.eventsOfType(resp.ConnectionID, connections.EventOverride)
		if len(evs) == 0 {
			return false
		}
		override = evs[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, stored.Metadata.OverrideID, override.OverrideID)
	assert.NotEmpty(t, override.FallbackPlan)
	assert.NotEmpty(t, override.Resources)
	assert.NotEmpty(t, override.SafetyLevel)
	assert.Positive(t, f.dispatch.count())

	rec, err := f.store.GetOverride(context.Background(), stored.Metadata.OverrideID)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, rec.SessionID)
	assert.Len(t, f.pub.ofType(events.TypeOverrideActivated), 1)
}

func TestSendStaffMessage_VolunteerMessagesAreNotAssessed(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.acceptedSession(t, "v1")

	stored, err := f.eng.SendStaffMessage(context.Background(), datatypes.StaffMessageRequest{
		SessionID: resp.SessionID,
		Text:      "You said you want to kill myself tonight, is that right?",
		SenderID:  "v1",
		Role:      datatypes.RoleVolunteer,
	})
	require.NoError(t, err)
	assert.Nil(t, stored.Metadata.Assessment)
	assert.Equal(t, datatypes.EscalationNone, stored.Metadata.Escalation)
	assert.Equal(t, datatypes.RoleVolunteer, stored.Payload.SenderRole)
	assert.Zero(t, f.session(t, resp.SessionID).EscalationCount)
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{
		SessionToken: "not-a-session", Text: "hello",
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendMessage_OrderedUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	resp := f.connect(t, datatypes.ConnectRequest{})

	const n = 30
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.eng.SendStaffMessage(context.Background(), datatypes.StaffMessageRequest{
				SessionID: resp.SessionID,
				Text:      fmt.Sprintf("message %d", i),
				SenderID:  "supervisor-1",
				Role:      datatypes.RoleSystem,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored := f.store.MessagesForSession(resp.SessionID)
	require.Len(t, stored, n)
	for i, m := range stored {
		assert.Equal(t, int64(i), m.Sequence)
	}

	broadcast := f.eventsOfType(resp.ConnectionID, connections.EventMessage)
	require.Len(t, broadcast, n)
	for i, ev := range broadcast {
		assert.Equal(t, int64(i), ev.Sequence, "broadcast order matches storage order")
	}
	assert.Equal(t, int64(n), f.session(t, resp.SessionID).MessageCount)
}

func TestGetMessage_OwnerReadsPlaintext(t *testing.T) {
	f := newFixture(t)
	resp := f.connect(t, datatypes.ConnectRequest{})

	stored, err := f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{
		SessionToken: resp.SessionToken, Text: "is anyone there",
	})
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Payload.Ciphertext), "anyone")

	got, err := f.eng.GetMessage(context.Background(), stored.ID, resp.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "is anyone there", got)
}

func TestGetMessage_DeniesEveryoneElse(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, datatypes.ConnectRequest{})
	b := f.connect(t, datatypes.ConnectRequest{})

	stored, err := f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{
		SessionToken: a.SessionToken, Text: "private",
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		messageID string
		token     string
	}{
		{"other session", stored.ID, b.SessionToken},
		{"unknown token", stored.ID, "forged-token"},
		{"empty token", stored.ID, ""},
		{"unknown message", "msg-missing", a.SessionToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.eng.GetMessage(context.Background(), tt.messageID, tt.token)
			assert.ErrorIs(t, err, ErrAccessDenied)
			assert.Empty(t, got)
		})
	}
	assert.Equal(t, len(tests), f.audit.count(extensions.EventAccessDenied))
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestEndSession_DestroysAccess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertVolunteer(context.Background(), counsellor("v1")))
	resp := f.connect(t, datatypes.ConnectRequest{InitialMessage: "I'm feeling a bit anxious", Language: "en"})
	require.Eventually(t, func() bool { return f.session(t, resp.SessionID).VolunteerID == "v1" },
		2*time.Second, 10*time.Millisecond)

	msgs := f.store.MessagesForSession(resp.SessionID)
	require.Len(t, msgs, 1)
	_, err := f.eng.GetMessage(context.Background(), msgs[0].ID, resp.SessionToken)
	require.NoError(t, err)

	require.NoError(t, f.eng.EndSession(context.Background(), resp.SessionToken, ""))

	sess := f.session(t, resp.SessionID)
	assert.Equal(t, datatypes.StatusResolved, sess.Status)
	assert.Equal(t, "resolved", sess.Outcome)
	require.NotNil(t, sess.EndedAt)
	assert.False(t, f.crypto.HasKeys(resp.SessionToken))
	assert.False(t, f.tr.IsOpen(resp.ConnectionID))
	assert.Len(t, f.eventsOfType(resp.ConnectionID, connections.EventSessionEnded), 1)

	v, err := f.store.GetVolunteer(context.Background(), "v1")
	require.NoError(t, err)
	assert.Zero(t, v.CurrentLoad, "volunteer slot released")

	_, err = f.eng.GetMessage(context.Background(), msgs[0].ID, resp.SessionToken)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.ErrorIs(t, f.eng.EndSession(context.Background(), resp.SessionToken, ""), ErrSessionEnded)
	_, err = f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{
		SessionToken: resp.SessionToken, Text: "hello?",
	})
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.Equal(t, 1, f.audit.count(extensions.EventSessionEnded))
}

func TestEndSession_UnknownToken(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.eng.EndSession(context.Background(), "nope", "done"), ErrSessionNotFound)
}

func TestAcceptVolunteer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertVolunteer(ctx, counsellor("v2")))

	resp := f.connect(t, datatypes.ConnectRequest{})
	require.Eventually(t, func() bool { return f.session(t, resp.SessionID).VolunteerID == "v2" },
		2*time.Second, 10*time.Millisecond)

	_, err := f.eng.AcceptVolunteer(ctx, datatypes.AcceptSessionRequest{SessionID: resp.SessionID, VolunteerID: "v9"})
	assert.ErrorIs(t, err, ErrVolunteerMismatch)

	join, err := f.eng.AcceptVolunteer(ctx, datatypes.AcceptSessionRequest{SessionID: resp.SessionID, VolunteerID: "v2"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusActive, join.Status)
	assert.Equal(t, "v2", join.VolunteerID)
	assert.NotEmpty(t, join.ConnectionID)
	assert.Len(t, f.eventsOfType(resp.ConnectionID, connections.EventVolunteerJoin), 1)

	conn, ok := f.conns.Get(join.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, "v2", conn.Participant)
	assert.Equal(t, resp.SessionID, conn.SessionID)

	v, err := f.store.GetVolunteer(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, 1, v.CurrentLoad, "accepting an assignment takes no extra slot")
}

func TestAcceptVolunteer_UnassignedSessionReservesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := f.connect(t, datatypes.ConnectRequest{})
	require.Eventually(t, func() bool { return f.eng.queue.Position(resp.SessionID) == 1 },
		2*time.Second, 10*time.Millisecond)

	_, err := f.eng.AcceptVolunteer(ctx, datatypes.AcceptSessionRequest{SessionID: resp.SessionID, VolunteerID: "ghost"})
	assert.ErrorIs(t, err, storage.ErrVolunteerNotFound)

	v := counsellor("walk-in")
	v.Available = false
	require.NoError(t, f.store.UpsertVolunteer(ctx, v))
	join, err := f.eng.AcceptVolunteer(ctx, datatypes.AcceptSessionRequest{SessionID: resp.SessionID, VolunteerID: "walk-in"})
	require.NoError(t, err)
	assert.Equal(t, "walk-in", join.VolunteerID)
	assert.Equal(t, "walk-in", f.session(t, resp.SessionID).VolunteerID)
	assert.Zero(t, f.eng.queue.Position(resp.SessionID))

	got, err := f.store.GetVolunteer(ctx, "walk-in")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentLoad)
}

func TestStaffMessages_ReachBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, join := f.acceptedSession(t, "v1")

	fromVolunteer, err := f.eng.SendStaffMessage(ctx, datatypes.StaffMessageRequest{
		SessionID: resp.SessionID, SenderID: "v1", Role: datatypes.RoleVolunteer, Text: "I'm here with you",
	})
	require.NoError(t, err)
	fromUser, err := f.eng.SendMessage(ctx, datatypes.SendMessageRequest{SessionToken: resp.SessionToken, Text: "thank you"})
	require.NoError(t, err)

	for _, connID := range []string{resp.ConnectionID, join.ConnectionID} {
		msgs := f.eventsOfType(connID, connections.EventMessage)
		require.Len(t, msgs, 2, "connection %s", connID)
		assert.Equal(t, fromVolunteer.ID, msgs[0].MessageID)
		assert.Equal(t, fromUser.ID, msgs[1].MessageID)
	}

	got, err := f.eng.GetMessage(ctx, fromVolunteer.ID, resp.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "I'm here with you", got)

	got, err = f.eng.GetStaffMessage(ctx, resp.SessionID, fromUser.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, "thank you", got)
}

func TestSendStaffMessage_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, _ := f.acceptedSession(t, "v1")
	ended := f.connect(t, datatypes.ConnectRequest{})
	require.NoError(t, f.eng.EndSession(ctx, ended.SessionToken, ""))

	tests := []struct {
		name string
		req  datatypes.StaffMessageRequest
		want error
	}{
		{"missing sender", datatypes.StaffMessageRequest{SessionID: resp.SessionID, Role: datatypes.RoleVolunteer, Text: "hi"}, ErrInvalidRequest},
		{"anonymous role", datatypes.StaffMessageRequest{SessionID: resp.SessionID, SenderID: "v1", Role: datatypes.RoleAnonymousUser, Text: "hi"}, ErrInvalidRequest},
		{"unknown session", datatypes.StaffMessageRequest{SessionID: "sess-missing", SenderID: "v1", Role: datatypes.RoleVolunteer, Text: "hi"}, ErrSessionNotFound},
		{"other volunteer", datatypes.StaffMessageRequest{SessionID: resp.SessionID, SenderID: "v2", Role: datatypes.RoleVolunteer, Text: "hi"}, ErrVolunteerMismatch},
		{"ended session", datatypes.StaffMessageRequest{SessionID: ended.SessionID, SenderID: "v1", Role: datatypes.RoleSystem, Text: "hi"}, ErrSessionEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.SendStaffMessage(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.store.MessagesForSession(resp.SessionID))
}

func TestGetStaffMessage_OnlyAssignedVolunteer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, _ := f.acceptedSession(t, "v1")
	other := f.connect(t, datatypes.ConnectRequest{})

	stored, err := f.eng.SendMessage(ctx, datatypes.SendMessageRequest{SessionToken: resp.SessionToken, Text: "private"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		sessionID string
		messageID string
		volunteer string
	}{
		{"other volunteer", resp.SessionID, stored.ID, "v2"},
		{"no volunteer", resp.SessionID, stored.ID, ""},
		{"other session", other.SessionID, stored.ID, "v1"},
		{"unknown session", "sess-missing", stored.ID, "v1"},
		{"unknown message", resp.SessionID, "msg-missing", "v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.eng.GetStaffMessage(ctx, tt.sessionID, tt.messageID, tt.volunteer)
			assert.ErrorIs(t, err, ErrAccessDenied)
		})
	}
	assert.Equal(t, len(tests), f.audit.count(extensions.EventAccessDenied))
}

func TestSendStaffMessage_UnavailableUntilUserReconnects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, _ := f.acceptedSession(t, "v1")
	req := datatypes.StaffMessageRequest{SessionID: resp.SessionID, SenderID: "v1", Role: datatypes.RoleVolunteer, Text: "still there?"}

	require.True(t, f.crypto.DestroySessionKeys(resp.SessionToken))
	_, err := f.eng.SendStaffMessage(ctx, req)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.Empty(t, f.store.MessagesForSession(resp.SessionID))

	_, err = f.eng.Reconnect(ctx, resp.SessionToken)
	require.NoError(t, err)
	_, err = f.eng.SendStaffMessage(ctx, req)
	assert.NoError(t, err)
}

func TestReconnect_AfterConnectionReaped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.connect(t, datatypes.ConnectRequest{})

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, f.conns.ReapIdle(time.Millisecond))
	_, ok := f.conns.Get(resp.ConnectionID)
	require.False(t, ok)

	join, err := f.eng.Reconnect(ctx, resp.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, join.SessionID)
	assert.Equal(t, resp.AnonymousID, join.AnonymousID)
	assert.NotEqual(t, resp.ConnectionID, join.ConnectionID)
	_, err = f.conns.Attach(join.ConnectionID, resp.SessionToken)
	require.NoError(t, err)

	stored, err := f.eng.SendMessage(ctx, datatypes.SendMessageRequest{SessionToken: resp.SessionToken, Text: "back again"})
	require.NoError(t, err)
	msgs := f.eventsOfType(join.ConnectionID, connections.EventMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, stored.ID, msgs[0].MessageID)
}

func TestReconnect_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.connect(t, datatypes.ConnectRequest{})
	require.NoError(t, f.eng.EndSession(ctx, resp.SessionToken, ""))

	_, err := f.eng.Reconnect(ctx, resp.SessionToken)
	assert.ErrorIs(t, err, ErrSessionEnded)
	_, err = f.eng.Reconnect(ctx, "not-a-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpireIdleSessions(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.IdleTimeout = 20 * time.Millisecond })
	active := f.connect(t, datatypes.ConnectRequest{})
	idle := f.connect(t, datatypes.ConnectRequest{})

	time.Sleep(50 * time.Millisecond)
	_, err := f.eng.SendMessage(context.Background(), datatypes.SendMessageRequest{
		SessionToken: active.SessionToken, Text: "still here",
	})
	require.NoError(t, err)

	n, err := f.eng.ExpireIdleSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess := f.session(t, idle.SessionID)
	assert.Equal(t, datatypes.StatusEnded, sess.Status)
	assert.Equal(t, "idle_timeout", sess.Outcome)
	assert.False(t, f.crypto.HasKeys(idle.SessionToken))
	assert.True(t, f.crypto.HasKeys(active.SessionToken))
	assert.Equal(t, 1, f.audit.count(extensions.EventSessionExpired))
}

// =============================================================================
// Escalation and Matching
// =============================================================================

func TestStandardEscalation_PublishesAndNotifies(t *testing.T) {
	f := newFixture(t)
	resp := f.connect(t, datatypes.ConnectRequest{})
	sess := f.session(t, resp.SessionID)

	f.eng.submitEscalation(sess, &messageOutcome{
		escalation: datatypes.EscalationStandard,
		assessment: &datatypes.CrisisAssessment{Severity: 8},
		risk:       &datatypes.RiskBreakdown{Tier: datatypes.RiskHigh, ImmediateAction: true},
	})

	require.Eventually(t, func() bool { return len(f.pub.ofType(events.TypeStandardEscalation)) == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.audit.count(extensions.EventEscalation) == 1 },
		2*time.Second, 10*time.Millisecond)

	ev := f.pub.ofType(events.TypeStandardEscalation)[0]
	assert.Equal(t, resp.SessionID, ev.SessionID)
	assert.Equal(t, 8, ev.Severity)
	assert.Zero(t, f.dispatch.count(), "standard escalation never dispatches emergency actions")
}

func TestStandardEscalation_RunsWhenPoolIsFull(t *testing.T) {
	block := make(chan struct{})
	f := newFixture(t, func(c *Config, _ *Deps) {
		c.Pool = PoolConfig{Workers: 1, QueueSize: 1}
	})
	require.NoError(t, f.eng.pool.Submit(Task{Name: "blocker", Work: func(context.Context) error { <-block; return nil }}))
	require.Eventually(t, func() bool { return f.eng.pool.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.eng.pool.Submit(Task{Name: "filler", Work: func(context.Context) error { <-block; return nil }}))
	defer close(block)

	sess := &datatypes.CrisisSession{ID: "sess-full", AnonymousID: "anon-full"}
	f.eng.submitEscalation(sess, &messageOutcome{escalation: datatypes.EscalationStandard})

	require.Eventually(t, func() bool { return f.notifier.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStandardEscalation_RunsInlineAfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Close(context.Background()))

	sess := &datatypes.CrisisSession{ID: "sess-late", AnonymousID: "anon-late"}
	f.eng.submitEscalation(sess, &messageOutcome{escalation: datatypes.EscalationStandard})

	assert.Equal(t, 1, f.notifier.count(), "the escalation completed before submitEscalation returned")
	assert.Equal(t, 1, f.audit.count(extensions.EventEscalation))
}

func TestGoTracked(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	var ran atomic.Int32
	f.eng.goTracked(func() {
		<-release
		ran.Add(1)
	})

	closed := make(chan error, 1)
	go func() { closed <- f.eng.Close(context.Background()) }()
	select {
	case <-closed:
		t.Fatal("Close returned while tracked work was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, int32(1), ran.Load())

	f.eng.goTracked(func() { ran.Add(1) })
	assert.Equal(t, int32(2), ran.Load(), "work after Close runs inline")
}

func TestRetryQueuedMatches(t *testing.T) {
	f := newFixture(t)
	resp := f.connect(t, datatypes.ConnectRequest{InitialMessage: "I'm feeling a bit anxious"})
	require.Eventually(t, func() bool { return f.eng.queue.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	n, err := f.eng.RetryQueuedMatches(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.eng.queue.Len(), "still nobody on shift")

	require.NoError(t, f.store.UpsertVolunteer(context.Background(), counsellor("v1")))
	n, err = f.eng.RetryQueuedMatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.eng.queue.Len())
	assert.Equal(t, "v1", f.session(t, resp.SessionID).VolunteerID)
}

func TestRecordAssignment_ReleasesSlotForEndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.connect(t, datatypes.ConnectRequest{})
	require.Eventually(t, func() bool { return f.eng.queue.Position(resp.SessionID) == 1 },
		2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.eng.EndSession(ctx, resp.SessionToken, "caller left"))

	require.NoError(t, f.store.UpsertVolunteer(ctx, counsellor("v1")))
	require.NoError(t, f.store.IncrementLoad(ctx, "v1"))

	ok, err := f.eng.recordAssignment(ctx, resp.SessionID, "v1")
	require.NoError(t, err)
	assert.False(t, ok)
	v, err := f.store.GetVolunteer(ctx, "v1")
	require.NoError(t, err)
	assert.Zero(t, v.CurrentLoad)
}

// =============================================================================
// Overrides and Reporting
// =============================================================================

func TestCompleteOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.connect(t, datatypes.ConnectRequest{})

	stored, err := f.eng.SendMessage(ctx, datatypes.SendMessageRequest{
		SessionToken: resp.SessionToken, Text: "I want to kill myself tonight",
	})
	require.NoError(t, err)
	id := stored.Metadata.OverrideID
	require.Eventually(t, func() bool {
		_, err := f.store.GetOverride(ctx, id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	err = f.eng.CompleteOverride(ctx, id, "sup-1", datatypes.CompleteOverrideRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, f.eng.CompleteOverride(ctx, id, "sup-1", datatypes.CompleteOverrideRequest{Outcome: "caller safe with family"}))
	err = f.eng.CompleteOverride(ctx, id, "sup-1", datatypes.CompleteOverrideRequest{Outcome: "again"})
	assert.ErrorIs(t, err, emergency.ErrOverrideCompleted)

	rec, err := f.store.GetOverride(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, "caller safe with family", rec.Outcome)
}

func TestPerformanceReport(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, datatypes.ConnectRequest{})
	b := f.connect(t, datatypes.ConnectRequest{})
	require.NoError(t, f.eng.EndSession(context.Background(), b.SessionToken, ""))
	require.True(t, f.crypto.HasKeys(a.SessionToken))

	r, err := f.eng.PerformanceReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.ActiveSessions)
	assert.Equal(t, 1, r.LiveConnections)
	assert.Equal(t, 1, r.SessionKeys)
	assert.Equal(t, 2, r.Operations[OpConnect].Samples)
	assert.Equal(t, 1, r.Operations[OpEndSession].Samples)
	assert.Equal(t, 100*time.Millisecond, r.Operations[OpConnect].Target)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LiveConnections))
}

func TestCheckPerformance_CountsBreaches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.eng.perf.Record(OpSendMessage, 80*time.Millisecond, true)
	}

	require.NoError(t, f.eng.CheckPerformance(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TargetBreachesTotal.WithLabelValues(OpSendMessage)))
}
