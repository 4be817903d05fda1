// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when authentication fails.
var ErrUnauthorized = errors.New("unauthorized")

// RoleSupervisor may complete overrides and read performance reports.
const RoleSupervisor = "supervisor"

// AuthInfo identifies an authenticated supervisor.
type AuthInfo struct {
	// UserID is the supervisor identifier. Never empty.
	UserID string

	// Roles drives authorization checks.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens on supervisor endpoints.
//
// Anonymous users never authenticate; their session token is checked by
// the engine, not here.
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// DenyAuthProvider rejects every token. It is the default until
// supervisor credentials are configured.
type DenyAuthProvider struct{}

func (p *DenyAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return nil, fmt.Errorf("no supervisor credentials configured: %w", ErrUnauthorized)
}

// StaticTokenProvider validates against a fixed token table.
//
// # Description
//
// Tokens are held as SHA-256 digests and compared in constant time. Every
// entry is granted RoleSupervisor.
//
// # Thread Safety
//
// Immutable after construction.
type StaticTokenProvider struct {
	entries []staticToken
}

type staticToken struct {
	digest [sha256.Size]byte
	userID string
}

// NewStaticTokenProvider builds a provider from supervisor ID to token.
// Empty tokens are ignored.
func NewStaticTokenProvider(tokens map[string]string) *StaticTokenProvider {
	p := &StaticTokenProvider{}
	for userID, token := range tokens {
		if token == "" {
			continue
		}
		p.entries = append(p.entries, staticToken{digest: sha256.Sum256([]byte(token)), userID: userID})
	}
	return p
}

// Validate checks every entry so timing does not reveal table position.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}
	sum := sha256.Sum256([]byte(token))
	matched := ""
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare(sum[:], e.digest[:]) == 1 {
			matched = e.userID
		}
	}
	if matched == "" {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: matched, Roles: []string{RoleSupervisor}}, nil
}

var (
	_ AuthProvider = (*DenyAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
