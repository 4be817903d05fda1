// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matcher

import (
	"container/list"
	"sync"
)

// WaitQueue holds match requests that found no volunteer, in arrival order.
// A session appears at most once; re-enqueueing refreshes its criteria but
// keeps its place.
//
// # Thread Safety
//
// Safe for concurrent use.
type WaitQueue struct {
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

// NewWaitQueue creates an empty queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Enqueue adds c, or updates the criteria of an already-queued session.
// Returns the 1-based queue position.
func (q *WaitQueue) Enqueue(c MatchCriteria) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if el, ok := q.index[c.SessionID]; ok {
		el.Value = c
		return q.positionLocked(el)
	}
	q.index[c.SessionID] = q.order.PushBack(c)
	return q.order.Len()
}

// Remove drops a session from the queue. Reports whether it was queued.
func (q *WaitQueue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[sessionID]
	if !ok {
		return false
	}
	q.order.Remove(el)
	delete(q.index, sessionID)
	return true
}

// Position returns the 1-based position of a session, or 0 if not queued.
func (q *WaitQueue) Position(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[sessionID]
	if !ok {
		return 0
	}
	return q.positionLocked(el)
}

// Snapshot returns the queued criteria in order without removing them.
func (q *WaitQueue) Snapshot() []MatchCriteria {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]MatchCriteria, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(MatchCriteria))
	}
	return out
}

// Len returns the number of queued sessions.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

func (q *WaitQueue) positionLocked(target *list.Element) int {
	pos := 1
	for el := q.order.Front(); el != nil; el = el.Next() {
		if el == target {
			return pos
		}
		pos++
	}
	return 0
}
