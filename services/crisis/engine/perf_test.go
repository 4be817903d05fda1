// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerfTracker_Stats(t *testing.T) {
	p := NewPerfTracker(100, nil)
	for i := 1; i <= 20; i++ {
		p.Record(OpConnect, time.Duration(i)*time.Millisecond, i != 20)
	}

	st := p.Snapshot()[OpConnect]
	assert.Equal(t, 20, st.Samples)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 19*time.Millisecond, st.P95)
	assert.Equal(t, 20*time.Millisecond, st.Max)
	assert.Equal(t, 10500*time.Microsecond, st.Mean)
	assert.InDelta(t, 0.95, st.SuccessRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, st.Target)
	assert.False(t, st.OverTarget)
}

func TestPerfTracker_WindowDropsOldSamples(t *testing.T) {
	p := NewPerfTracker(5, nil)
	for i := 0; i < 5; i++ {
		p.Record(OpSendMessage, time.Second, true)
	}
	for i := 0; i < 5; i++ {
		p.Record(OpSendMessage, time.Millisecond, true)
	}

	st := p.Snapshot()[OpSendMessage]
	assert.Equal(t, 5, st.Samples)
	assert.Equal(t, time.Millisecond, st.Max)
}

func TestPerfTracker_CheckSortedBreaches(t *testing.T) {
	p := NewPerfTracker(10, map[string]time.Duration{"b": time.Millisecond, "a": time.Millisecond, "ok": time.Hour})
	for _, op := range []string{"b", "a", "ok"} {
		p.Record(op, 10*time.Millisecond, true)
	}
	p.Record("untargeted", time.Hour, true)

	breaches := p.Check()
	require.Len(t, breaches, 2)
	assert.Equal(t, "a", breaches[0].Operation)
	assert.Equal(t, "b", breaches[1].Operation)
	assert.Equal(t, 10*time.Millisecond, breaches[0].P95)
}

func TestPerfTracker_Concurrent(t *testing.T) {
	p := NewPerfTracker(50, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Record(OpGetMessage, time.Millisecond, true)
				_ = p.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, p.Snapshot()[OpGetMessage].Samples)
}

func TestSequencer_SerializesPerKey(t *testing.T) {
	s := newSequencer()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.do("k", func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, s.size(), "idle keys are forgotten")
}

func TestSequencer_KeysAreIndependent(t *testing.T) {
	s := newSequencer()
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.do("a", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	done := make(chan struct{})
	go func() {
		_ = s.do("b", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
	assert.Equal(t, 1, s.size())
	close(release)
}
