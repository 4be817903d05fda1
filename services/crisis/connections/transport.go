// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connections

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// Transport moves events to clients.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Send may be called for
// different connections concurrently.
type Transport interface {
	// Open prepares a connection and returns the URL the client dials.
	Open(ctx context.Context, conn datatypes.Connection) (string, error)

	// Send delivers ev to one connection, honouring ctx's deadline.
	Send(ctx context.Context, connectionID string, ev BroadcastEvent) error

	// Close tears the connection down. Closing an unknown connection is
	// not an error.
	Close(connectionID string) error
}

// MemoryTransport keeps delivered events in memory. It backs local runs
// without a websocket listener and the service tests.
type MemoryTransport struct {
	mu     sync.Mutex
	opened map[string]bool
	events map[string][]BroadcastEvent
	// FailSend, when set, makes Send fail for the given connections.
	FailSend map[string]error
}

// NewMemoryTransport returns an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		opened: make(map[string]bool),
		events: make(map[string][]BroadcastEvent),
	}
}

func (t *MemoryTransport) Open(ctx context.Context, conn datatypes.Connection) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	t.opened[conn.ID] = true
	t.mu.Unlock()
	return "memory://" + conn.ID, nil
}

func (t *MemoryTransport) Send(ctx context.Context, connectionID string, ev BroadcastEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.FailSend[connectionID]; err != nil {
		return err
	}
	if !t.opened[connectionID] {
		return ErrNotAttached
	}
	t.events[connectionID] = append(t.events[connectionID], ev)
	return nil
}

func (t *MemoryTransport) Close(connectionID string) error {
	t.mu.Lock()
	delete(t.opened, connectionID)
	t.mu.Unlock()
	return nil
}

// Events returns what was delivered to a connection.
func (t *MemoryTransport) Events(connectionID string) []BroadcastEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]BroadcastEvent(nil), t.events[connectionID]...)
}

// IsOpen reports whether the connection is open.
func (t *MemoryTransport) IsOpen(connectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened[connectionID]
}

var _ Transport = (*MemoryTransport)(nil)
