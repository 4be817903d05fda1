// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/connections"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/engine"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/handlers"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/middleware"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/observability"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/memory"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	supervisorToken = "sup-token"
	volunteerToken  = "vol-token"
)

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	conns  *connections.Manager
	ws     *connections.WebSocketTransport
}

func newTestServer(t *testing.T, limiter *middleware.IPRateLimiter) *testServer {
	t.Helper()

	seed, err := sessioncrypto.GenerateMasterSeed()
	require.NoError(t, err)
	crypto, err := sessioncrypto.New(sessioncrypto.Config{
		MasterSeed: seed, Iterations: sessioncrypto.MinIterations, AllowInsecureMemory: true,
	})
	require.NoError(t, err)

	store := memory.New()
	ws := connections.NewWebSocketTransport(connections.WebSocketConfig{BaseURL: "ws://placeholder/v1/sessions/ws"})
	conns := connections.NewManager(ws, connections.Config{SendTimeout: time.Second})
	reg := prometheus.NewRegistry()

	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Store:       store,
		Crypto:      crypto,
		Connections: conns,
		Audit:       &extensions.NopAuditLogger{},
		Notifier:    &extensions.NopSupervisorNotifier{},
		Metrics:     observability.NewMetrics(reg),
		Override: emergency.NewProtocol(emergency.Config{}, emergency.Deps{
			Store: store,
			Audit: &extensions.NopAuditLogger{},
			Dispatcher: emergency.DispatcherFunc(func(context.Context, emergency.ActionRequest) (string, error) {
				return "ok", nil
			}),
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
		crypto.Close()
	})

	router := gin.New()
	SetupRoutes(router, Deps{
		Service:     eng,
		Connections: conns,
		Socket:      ws,
		Options: extensions.DefaultOptions().
			WithAuth(extensions.NewStaticTokenProvider(map[string]string{"sup-1": supervisorToken, "v1": volunteerToken})).
			WithAudit(&extensions.NopAuditLogger{}),
		Limiter:  limiter,
		Gatherer: reg,
	})
	return &testServer{router: router, store: store, conns: conns, ws: ws}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) connect(t *testing.T, body any) datatypes.ConnectResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/sessions", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp datatypes.ConnectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func tokenHeader(token string) map[string]string {
	return map[string]string{handlers.SessionTokenHeader: token}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// readUntil reads events until one of the given type arrives.
func readUntil(t *testing.T, client *websocket.Conn, eventType string) connections.BroadcastEvent {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev connections.BroadcastEvent
		require.NoError(t, client.ReadJSON(&ev))
		if ev.Type == eventType {
			return ev
		}
	}
}

// ============================================================================
// Anonymous Session Flow
// ============================================================================

func TestRoutes_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.connect(t, datatypes.ConnectRequest{InitialMessage: "I'm feeling a bit anxious"})
	assert.NotEmpty(t, resp.SessionToken)
	assert.Contains(t, resp.URL, "connection_id="+resp.ConnectionID)
	assert.NotEmpty(t, resp.EmergencyResources)

	w := s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "thanks for being here"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent datatypes.SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, int64(1), sent.Sequence)
	assert.Equal(t, datatypes.EscalationNone, sent.Escalation)

	w = s.do(t, http.MethodGet, "/v1/sessions/messages/"+sent.MessageID, nil, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "thanks for being here")

	w = s.do(t, http.MethodGet, "/v1/sessions/messages/"+sent.MessageID, nil, tokenHeader("someone-else"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "thanks")

	w = s.do(t, http.MethodPost, "/v1/sessions/end", gin.H{"outcome": "feeling better"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/end", nil, tokenHeader(resp.SessionToken))
	assert.Equal(t, http.StatusGone, w.Code)
	w = s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "hello?"}, tokenHeader(resp.SessionToken))
	assert.Equal(t, http.StatusGone, w.Code)
	w = s.do(t, http.MethodGet, "/v1/sessions/messages/"+sent.MessageID, nil, tokenHeader(resp.SessionToken))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRoutes_EmergencyMessageReportsOverride(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.connect(t, nil)

	w := s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "I want to kill myself tonight"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code)
	var sent datatypes.SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, datatypes.EscalationOverride, sent.Escalation)
	assert.Equal(t, 10, sent.Severity)
}

func TestRoutes_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "hi"}, tokenHeader("unknown"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": ""}, tokenHeader("unknown"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "hi", "role": "admin"}, tokenHeader("unknown"))
	assert.Equal(t, http.StatusNotFound, w.Code, "role is not part of the anonymous request")

	w = s.do(t, http.MethodPost, "/v1/sessions/connections", nil, tokenHeader("unknown"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/end", nil, tokenHeader("unknown"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_AnonymousMessagesAreAlwaysAssessed(t *testing.T) {
	for _, role := range []string{"system", "volunteer", "anonymous_user"} {
		t.Run(role, func(t *testing.T) {
			s := newTestServer(t, nil)
			resp := s.connect(t, nil)

			w := s.do(t, http.MethodPost, "/v1/sessions/messages",
				gin.H{"text": "I want to kill myself tonight", "role": role, "sender_id": "v1"},
				tokenHeader(resp.SessionToken))
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
			var sent datatypes.SendMessageResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
			assert.Equal(t, datatypes.RoleAnonymousUser, sent.Role)
			assert.Equal(t, 10, sent.Severity)
			assert.Equal(t, datatypes.EscalationOverride, sent.Escalation)
		})
	}
}

func TestRoutes_ReconnectAfterConnectionReaped(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.connect(t, nil)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, s.conns.ReapIdle(time.Millisecond))

	w := s.do(t, http.MethodPost, "/v1/sessions/connections", nil, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var join datatypes.JoinResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &join))
	assert.Equal(t, resp.SessionID, join.SessionID)
	assert.NotEqual(t, resp.ConnectionID, join.ConnectionID)
	assert.Contains(t, join.URL, "/v1/sessions/ws?connection_id="+join.ConnectionID)

	w = s.do(t, http.MethodPost, "/v1/sessions/end", nil, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(t, http.MethodPost, "/v1/sessions/connections", nil, tokenHeader(resp.SessionToken))
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestRoutes_InvalidConnectStillReturnsResources(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/sessions", gin.H{"region": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		EmergencyResources []datatypes.Resource `json:"emergency_resources"`
		Degraded           bool                 `json:"degraded"`
		Error              string               `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.EmergencyResources)
	assert.True(t, body.Degraded)
	assert.NotEmpty(t, body.Error)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "emergency_resources")
}

func TestRoutes_ConnectIsRateLimited(t *testing.T) {
	s := newTestServer(t, middleware.NewIPRateLimiter(middleware.RateLimitConfig{PerMinute: 1, Burst: 2}))

	s.connect(t, nil)
	s.connect(t, nil)
	w := s.do(t, http.MethodPost, "/v1/sessions", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "emergency_resources")
}

// ============================================================================
// Staff Routes
// ============================================================================

func TestRoutes_StaffRequireAuth(t *testing.T) {
	s := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/performance"},
		{http.MethodPost, "/v1/overrides/ovr-1/complete"},
		{http.MethodPost, "/v1/staff/sessions/sess-1/accept"},
		{http.MethodPost, "/v1/staff/sessions/sess-1/messages"},
		{http.MethodGet, "/v1/staff/sessions/sess-1/messages/msg-1"},
		{http.MethodGet, "/v1/staff/sessions/sess-1/ws"},
	} {
		w := s.do(t, tc.method, tc.path, gin.H{}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}
}

func TestRoutes_PerformanceReport(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, nil)

	w := s.do(t, http.MethodGet, "/v1/performance", nil, map[string]string{"Authorization": "Bearer " + supervisorToken})
	require.Equal(t, http.StatusOK, w.Code)
	var r engine.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	assert.Equal(t, 1, r.ActiveSessions)
	assert.Equal(t, 1, r.Operations[engine.OpConnect].Samples)
}

func TestRoutes_CompleteOverride(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.connect(t, nil)
	auth := map[string]string{"Authorization": "Bearer " + supervisorToken}

	w := s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "I want to kill myself tonight"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code)
	sent, err := s.store.GetMessage(context.Background(), messageID(t, w))
	require.NoError(t, err)
	id := sent.Metadata.OverrideID
	require.Eventually(t, func() bool {
		_, err := s.store.GetOverride(context.Background(), id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodPost, "/v1/overrides/"+id+"/complete", gin.H{}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/overrides/"+id+"/complete", gin.H{"outcome": "mobile team arrived"}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/v1/overrides/"+id+"/complete", gin.H{"outcome": "again"}, auth)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/overrides/ovr-missing/complete", gin.H{"outcome": "x"}, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_AcceptSession(t *testing.T) {
	s := newTestServer(t, nil)
	auth := map[string]string{"Authorization": "Bearer " + supervisorToken}
	require.NoError(t, s.store.UpsertVolunteer(context.Background(), datatypes.Volunteer{
		ID: "v1", MaxConcurrent: 2, Available: false, AverageRating: 4, ResponseRate: 0.9,
	}))
	resp := s.connect(t, nil)

	path := "/v1/staff/sessions/" + resp.SessionID + "/accept"
	w := s.do(t, http.MethodPost, path, gin.H{"volunteer_id": "v1"}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var join datatypes.JoinResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &join))
	assert.Equal(t, datatypes.StatusActive, join.Status)
	assert.Equal(t, "v1", join.VolunteerID)
	assert.Contains(t, join.URL, "/v1/staff/sessions/"+resp.SessionID+"/ws?connection_id="+join.ConnectionID)
	assert.NotContains(t, w.Body.String(), resp.SessionToken)

	w = s.do(t, http.MethodPost, path, gin.H{"volunteer_id": "v2"}, auth)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/staff/sessions/sess-missing/accept", nil, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutes_StaffMessaging(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.store.UpsertVolunteer(context.Background(), datatypes.Volunteer{
		ID: "v1", MaxConcurrent: 2, Available: false, AverageRating: 4, ResponseRate: 0.9,
	}))
	resp := s.connect(t, nil)
	base := "/v1/staff/sessions/" + resp.SessionID

	w := s.do(t, http.MethodPost, base+"/messages", gin.H{"text": "hello, I'm here"}, bearer(volunteerToken))
	assert.Equal(t, http.StatusConflict, w.Code, "only the assigned volunteer may write")

	w = s.do(t, http.MethodPost, base+"/accept", nil, bearer(volunteerToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, base+"/messages", gin.H{"text": "hello, I'm here", "role": "anonymous_user"}, bearer(volunteerToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, base+"/messages", gin.H{"text": "hello, I'm here"}, bearer(volunteerToken))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sent datatypes.SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, datatypes.RoleVolunteer, sent.Role)
	assert.Equal(t, datatypes.EscalationNone, sent.Escalation)

	w = s.do(t, http.MethodGet, "/v1/sessions/messages/"+sent.MessageID, nil, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello, I'm here")

	w = s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "thank you"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code)
	reply := messageID(t, w)

	w = s.do(t, http.MethodGet, base+"/messages/"+reply, nil, bearer(volunteerToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "thank you")

	w = s.do(t, http.MethodGet, base+"/messages/"+reply, nil, bearer(supervisorToken))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NotContains(t, w.Body.String(), "thank you")

	w = s.do(t, http.MethodPost, base+"/messages", gin.H{"text": "supervisor note", "role": "system"}, bearer(supervisorToken))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func messageID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var sent datatypes.SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	return sent.MessageID
}

// ============================================================================
// Infrastructure Routes
// ============================================================================

func TestRoutes_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	s.connect(t, nil)

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "aleutian_crisis_operation_duration_seconds")
}

func TestRoutes_WebSocketReceivesBroadcasts(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp := s.connect(t, nil)

	url := wsURL(srv, "/v1/sessions/ws?connection_id="+resp.ConnectionID)
	_, badResp, err := websocket.DefaultDialer.Dial(url, http.Header{handlers.SessionTokenHeader: []string{"wrong"}})
	require.Error(t, err)
	require.NotNil(t, badResp)
	assert.Equal(t, http.StatusForbidden, badResp.StatusCode)

	client, _, err := websocket.DefaultDialer.Dial(url, http.Header{handlers.SessionTokenHeader: []string{resp.SessionToken}})
	require.NoError(t, err)
	defer client.Close()

	_, live := s.conns.Counts()
	require.Equal(t, 1, live)
	// The server registers the socket just after writing the upgrade
	// response, which the client may see first.
	time.Sleep(50 * time.Millisecond)

	w := s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "hello"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code)

	ev := readUntil(t, client, connections.EventMessage)
	assert.Equal(t, messageID(t, w), ev.MessageID)
	assert.NotContains(t, string(ev.Payload.Ciphertext), "hello")
}

func TestRoutes_StaffWebSocketSharesSessionEvents(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	require.NoError(t, s.store.UpsertVolunteer(context.Background(), datatypes.Volunteer{
		ID: "v1", MaxConcurrent: 2, Available: false, AverageRating: 4, ResponseRate: 0.9,
	}))
	resp := s.connect(t, nil)
	base := "/v1/staff/sessions/" + resp.SessionID

	w := s.do(t, http.MethodPost, base+"/accept", nil, bearer(volunteerToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var join datatypes.JoinResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &join))

	url := wsURL(srv, base+"/ws?connection_id="+join.ConnectionID)
	_, badResp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + supervisorToken}})
	require.Error(t, err)
	require.NotNil(t, badResp)
	assert.Equal(t, http.StatusForbidden, badResp.StatusCode, "the connection belongs to v1")

	staff, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + volunteerToken}})
	require.NoError(t, err)
	defer staff.Close()
	time.Sleep(50 * time.Millisecond)

	w = s.do(t, http.MethodPost, "/v1/sessions/messages", gin.H{"text": "are you there"}, tokenHeader(resp.SessionToken))
	require.Equal(t, http.StatusCreated, w.Code)
	ev := readUntil(t, staff, connections.EventMessage)
	assert.Equal(t, messageID(t, w), ev.MessageID)
	assert.Equal(t, resp.SessionID, ev.SessionID)
}
