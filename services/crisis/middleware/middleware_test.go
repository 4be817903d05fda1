// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockAuthProvider struct {
	authInfo *extensions.AuthInfo
	err      error
}

func (m *mockAuthProvider) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.authInfo, nil
}

type captureAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *captureAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *captureAudit) Flush(context.Context) error { return nil }

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer ABC123", "ABC123"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// SupervisorAuth Tests
// =============================================================================

func supervisorRouter(provider extensions.AuthProvider, audit extensions.AuditLogger) *gin.Engine {
	r := gin.New()
	r.GET("/v1/admin", SupervisorAuth(provider, audit), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": GetAuthInfo(c).UserID})
	})
	return r
}

func TestSupervisorAuth_StaticTokens(t *testing.T) {
	audit := &captureAudit{}
	r := supervisorRouter(extensions.NewStaticTokenProvider(map[string]string{"sup-1": "s3cret"}), audit)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sup-1")

	req = httptest.NewRequest(http.MethodGet, "/v1/admin", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.Len(t, audit.events, 1)
	assert.Equal(t, extensions.EventSupervisorAuthFail, audit.events[0].EventType)
	assert.NotContains(t, audit.events[0].Metadata, "token")
}

func TestSupervisorAuth_Failures(t *testing.T) {
	tests := []struct {
		name     string
		provider extensions.AuthProvider
		want     int
	}{
		{"deny by default", &extensions.DenyAuthProvider{}, http.StatusUnauthorized},
		{"provider error", &mockAuthProvider{err: errors.New("idp down")}, http.StatusUnauthorized},
		{"missing role", &mockAuthProvider{authInfo: &extensions.AuthInfo{UserID: "viewer", Roles: []string{"viewer"}}}, http.StatusForbidden},
		{"nil identity", &mockAuthProvider{}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/admin", nil)
			req.Header.Set("Authorization", "Bearer anything")
			supervisorRouter(tt.provider, nil).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetAuthInfo_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))
	c.Set(authInfoKey, "not auth info")
	assert.Nil(t, GetAuthInfo(c))
}

// =============================================================================
// Rate Limit Tests
// =============================================================================

func TestIPRateLimiter_BurstThenRefill(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{PerMinute: 60, Burst: 2})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "buckets are per IP")

	clock = clock.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
}

func TestIPRateLimiter_ForgetsIdleClients(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{PerMinute: 60, IdleTTL: time.Minute})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 2, l.Clients())

	clock = clock.Add(2 * time.Minute)
	l.Allow("c")
	assert.Equal(t, 1, l.Clients())
}

func TestIPRateLimiter_DisabledAllowsAll(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{})
	assert.Nil(t, l)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("10.0.0.1"))
	}
}

func TestRateLimit_ThrottledResponseCarriesResources(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{PerMinute: 1, Burst: 1})
	r := gin.New()
	r.POST("/v1/sessions", RateLimit(l), func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	assert.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body struct {
		EmergencyResources []json.RawMessage `json:"emergency_resources"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.EmergencyResources)
}
