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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPool_RunsAndObservesEveryTask(t *testing.T) {
	var (
		mu      sync.Mutex
		results []TaskResult
	)
	p := NewTaskPool(PoolConfig{Workers: 4, QueueSize: 32}, func(r TaskResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(Task{Name: "count", Work: func(context.Context) error {
			ran.Add(1)
			return nil
		}}))
	}
	require.NoError(t, p.Submit(Task{Name: "fails", SessionID: "s1", Work: func(context.Context) error {
		return errors.New("boom")
	}}))
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(20), ran.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 21)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			assert.Equal(t, "fails", r.Name)
			assert.Equal(t, "s1", r.SessionID)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestTaskPool_PanicBecomesError(t *testing.T) {
	got := make(chan TaskResult, 1)
	p := NewTaskPool(PoolConfig{Workers: 1}, func(r TaskResult) { got <- r })
	defer p.Close(context.Background())

	require.NoError(t, p.Submit(Task{Name: "panics", Work: func(context.Context) error { panic("bad state") }}))
	select {
	case r := <-got:
		assert.ErrorContains(t, r.Err, "panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestTaskPool_TaskTimeout(t *testing.T) {
	got := make(chan TaskResult, 1)
	p := NewTaskPool(PoolConfig{Workers: 1, TaskTimeout: 20 * time.Millisecond}, func(r TaskResult) { got <- r })
	defer p.Close(context.Background())

	require.NoError(t, p.Submit(Task{Name: "slow", Work: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))
	r := <-got
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}

func TestTaskPool_FullAndClosed(t *testing.T) {
	block := make(chan struct{})
	p := NewTaskPool(PoolConfig{Workers: 1, QueueSize: 1}, nil)

	work := func(context.Context) error { <-block; return nil }
	require.NoError(t, p.Submit(Task{Name: "a", Work: work}))
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Submit(Task{Name: "b", Work: work}))
	assert.Equal(t, 1, p.Pending())
	assert.ErrorIs(t, p.Submit(Task{Name: "c", Work: work}), ErrPoolFull)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, p.Submit(Task{Name: "d", Work: work}), ErrPoolClosed)

	close(block)
	require.NoError(t, p.Close(context.Background()))
}
