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
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// WebSocketConfig tunes the websocket transport.
type WebSocketConfig struct {
	// BaseURL is the public websocket endpoint, e.g.
	// wss://crisis.example.org/v1/sessions/ws.
	BaseURL string

	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration

	// PongWait is how long a silent client is kept. Default: 60s.
	PongWait time.Duration

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

type wsConn struct {
	ws *websocket.Conn
	// writeMu serializes writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (c *wsConn) write(deadline time.Time, fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return fn()
}

// WebSocketTransport delivers events over gorilla websockets.
//
// # Description
//
// Open only mints the dial URL. The client then dials it and the HTTP
// handler hands the request to Serve, which upgrades it and keeps the read
// side running until the client leaves.
//
// # Thread Safety
//
// Safe for concurrent use.
type WebSocketTransport struct {
	cfg      WebSocketConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewWebSocketTransport builds a transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	t := &WebSocketTransport{cfg: cfg, conns: make(map[string]*wsConn)}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     t.checkOrigin,
	}
	return t
}

func (t *WebSocketTransport) checkOrigin(r *http.Request) bool {
	if len(t.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range t.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (t *WebSocketTransport) Open(ctx context.Context, conn datatypes.Connection) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, err := url.Parse(t.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket base url: %w", err)
	}
	if conn.Participant != "" {
		// Staff sockets live under the authenticated staff tree.
		prefix := strings.TrimSuffix(u.Path, "/sessions/ws")
		u.Path = prefix + "/staff/sessions/" + url.PathEscape(conn.SessionID) + "/ws"
	}
	q := u.Query()
	q.Set("connection_id", conn.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Serve upgrades the request and blocks until the client disconnects.
// onActivity is called for every frame the client sends.
func (t *WebSocketTransport) Serve(w http.ResponseWriter, r *http.Request, connectionID string, onActivity func()) error {
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade websocket: %w", err)
	}
	c := &wsConn{ws: ws}

	t.mu.Lock()
	if prev, ok := t.conns[connectionID]; ok {
		_ = prev.ws.Close()
	}
	t.conns[connectionID] = c
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.conns[connectionID] == c {
			delete(t.conns, connectionID)
		}
		t.mu.Unlock()
		_ = ws.Close()
	}()

	_ = ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		if onActivity != nil {
			onActivity()
		}
		return ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go t.pingLoop(c, done)

	slog.Info("Websocket client attached", "connection_id", connectionID)
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("Websocket client disconnected", "connection_id", connectionID, "error", err)
			}
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		if onActivity != nil {
			onActivity()
		}
	}
}

func (t *WebSocketTransport) pingLoop(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.write(time.Now().Add(t.cfg.WriteTimeout), func() error {
				return c.ws.WriteMessage(websocket.PingMessage, nil)
			})
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (t *WebSocketTransport) Send(ctx context.Context, connectionID string, ev BroadcastEvent) error {
	t.mu.RLock()
	c, ok := t.conns[connectionID]
	t.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.write(deadline, func() error { return c.ws.WriteJSON(ev) }); err != nil {
		return fmt.Errorf("failed to write websocket event: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) Close(connectionID string) error {
	t.mu.Lock()
	c, ok := t.conns[connectionID]
	delete(t.conns, connectionID)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	_ = c.write(time.Now().Add(t.cfg.WriteTimeout), func() error {
		return c.ws.WriteMessage(websocket.CloseMessage, msg)
	})
	return c.ws.Close()
}

var _ Transport = (*WebSocketTransport)(nil)
