// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"slices"
	"sync"
	"time"
)

// Operation names used for performance tracking and metrics.
const (
	OpConnect     = "connect"
	OpSendMessage = "send_message"
	OpGetMessage  = "get_message"
	OpEndSession  = "end_session"
	OpOverride    = "emergency_override"
	OpMatch       = "volunteer_match"
)

// DefaultTargets are the per-operation latency targets.
func DefaultTargets() map[string]time.Duration {
	return map[string]time.Duration{
		OpConnect:     100 * time.Millisecond,
		OpSendMessage: 50 * time.Millisecond,
		OpGetMessage:  50 * time.Millisecond,
		OpEndSession:  100 * time.Millisecond,
		OpOverride:    5 * time.Second,
		OpMatch:       2 * time.Second,
	}
}

// OpStats summarizes one operation's window.
type OpStats struct {
	Samples     int           `json:"samples"`
	Failures    int           `json:"failures"`
	Mean        time.Duration `json:"mean"`
	P95         time.Duration `json:"p95"`
	Max         time.Duration `json:"max"`
	Target      time.Duration `json:"target,omitempty"`
	OverTarget  bool          `json:"over_target"`
	SuccessRate float64       `json:"success_rate"`
}

// Breach is an operation whose p95 is above its target.
type Breach struct {
	Operation string        `json:"operation"`
	P95       time.Duration `json:"p95"`
	Target    time.Duration `json:"target"`
}

type sample struct {
	d  time.Duration
	ok bool
}

// ring is a fixed-size window of samples.
type ring struct {
	buf  []sample
	next int
	full bool
}

func (r *ring) add(s sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) samples() []sample {
	if r.full {
		return r.buf
	}
	return r.buf[:r.next]
}

// PerfTracker keeps a bounded window of latency samples per operation.
//
// # Thread Safety
//
// Safe for concurrent use.
type PerfTracker struct {
	mu      sync.Mutex
	window  int
	targets map[string]time.Duration
	rings   map[string]*ring
}

// NewPerfTracker creates a tracker. A window below 1 becomes 100; nil
// targets use DefaultTargets.
func NewPerfTracker(window int, targets map[string]time.Duration) *PerfTracker {
	if window < 1 {
		window = 100
	}
	if targets == nil {
		targets = DefaultTargets()
	}
	return &PerfTracker{window: window, targets: targets, rings: make(map[string]*ring)}
}

// Record adds one sample.
func (p *PerfTracker) Record(op string, d time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, exists := p.rings[op]
	if !exists {
		r = &ring{buf: make([]sample, p.window)}
		p.rings[op] = r
	}
	r.add(sample{d: d, ok: ok})
}

// Snapshot returns stats for every operation seen.
func (p *PerfTracker) Snapshot() map[string]OpStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]OpStats, len(p.rings))
	for op, r := range p.rings {
		out[op] = p.statsLocked(op, r.samples())
	}
	return out
}

// Check returns every operation whose p95 exceeds its target.
func (p *PerfTracker) Check() []Breach {
	var breaches []Breach
	for op, st := range p.Snapshot() {
		if st.OverTarget {
			breaches = append(breaches, Breach{Operation: op, P95: st.P95, Target: st.Target})
		}
	}
	slices.SortFunc(breaches, func(a, b Breach) int {
		if a.Operation < b.Operation {
			return -1
		}
		if a.Operation > b.Operation {
			return 1
		}
		return 0
	})
	return breaches
}

func (p *PerfTracker) statsLocked(op string, ss []sample) OpStats {
	st := OpStats{Samples: len(ss), Target: p.targets[op]}
	if len(ss) == 0 {
		return st
	}
	durs := make([]time.Duration, len(ss))
	var total time.Duration
	for i, s := range ss {
		durs[i] = s.d
		total += s.d
		if !s.ok {
			st.Failures++
		}
	}
	slices.Sort(durs)
	st.Mean = total / time.Duration(len(ss))
	st.Max = durs[len(durs)-1]
	st.P95 = durs[(len(durs)*95+99)/100-1]
	st.SuccessRate = float64(len(ss)-st.Failures) / float64(len(ss))
	st.OverTarget = st.Target > 0 && st.P95 > st.Target
	return st
}
