// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ttl

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsJobsPeriodically(t *testing.T) {
	var runs atomic.Int64
	s, err := NewScheduler(Job{
		Name:     "sweep",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
	assert.GreaterOrEqual(t, s.Stats()["sweep"].Runs, int64(3))
}

func TestScheduler_RunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	s, err := NewScheduler(Job{
		Name:       "report",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestScheduler_FailuresAndPanicsAreRecorded(t *testing.T) {
	s, err := NewScheduler(
		Job{Name: "fails", Interval: time.Hour, Run: func(ctx context.Context) error { return errors.New("store down") }},
		Job{Name: "panics", Interval: time.Hour, Run: func(ctx context.Context) error { panic("boom") }},
	)
	require.NoError(t, err)

	assert.EqualError(t, s.RunNow(context.Background(), "fails"), "store down")
	assert.ErrorContains(t, s.RunNow(context.Background(), "panics"), "panicked")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats["fails"].Failures)
	assert.Equal(t, "store down", stats["fails"].LastError)
	assert.Equal(t, int64(1), stats["panics"].Failures)
}

func TestScheduler_JobTimeout(t *testing.T) {
	s, err := NewScheduler(Job{
		Name:     "slow",
		Interval: time.Hour,
		Timeout:  10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)
}

func TestScheduler_Validation(t *testing.T) {
	noop := func(context.Context) error { return nil }

	_, err := NewScheduler(Job{Name: "", Interval: time.Second, Run: noop})
	assert.Error(t, err)
	_, err = NewScheduler(Job{Name: "x", Interval: 0, Run: noop})
	assert.Error(t, err)
	_, err = NewScheduler(Job{Name: "x", Interval: time.Second, Run: noop}, Job{Name: "x", Interval: time.Second, Run: noop})
	assert.Error(t, err)

	s, err := NewScheduler()
	require.NoError(t, err)
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Add(Job{Name: "late", Interval: time.Second, Run: noop}))
	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
