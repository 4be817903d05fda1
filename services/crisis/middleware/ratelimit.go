// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// RateLimitConfig bounds anonymous session creation per client IP.
type RateLimitConfig struct {
	// PerMinute is the sustained rate. Zero disables limiting.
	PerMinute float64 `yaml:"per_minute"`

	// Burst is how many requests may arrive at once. Default: 5.
	Burst int `yaml:"burst"`

	// IdleTTL forgets clients idle this long. Default: 10m.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// IPRateLimiter holds one token bucket per client IP.
//
// # Thread Safety
//
// Safe for concurrent use.
type IPRateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
	now       func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter returns nil when cfg.PerMinute is zero; a nil limiter
// allows everything.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	if cfg.PerMinute <= 0 {
		return nil
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &IPRateLimiter{
		limit:   rate.Limit(cfg.PerMinute / 60),
		burst:   cfg.Burst,
		ttl:     cfg.IdleTTL,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow reports whether ip may make another request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.ttl {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) >= l.ttl {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked IPs.
func (l *IPRateLimiter) Clients() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RateLimit rejects clients over their budget with 429. The body still
// carries emergency resources so a throttled caller is never left with
// nothing.
func RateLimit(l *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		slog.Warn("Anonymous connect rate limited", "path", c.FullPath())
		c.Header("Retry-After", "60")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               "too many requests",
			"emergency_resources": datatypes.DefaultEmergencyResources(),
		})
	}
}
