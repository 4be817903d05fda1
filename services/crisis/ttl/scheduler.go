// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ttl runs the periodic maintenance of the crisis service (key
// sweeps, idle-session expiry, wait-queue retries, connection reaping,
// performance checks) and keeps its tamper-evident audit chain.
package ttl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Scheduler
// =============================================================================

// Job is one periodic maintenance task.
//
// # Fields
//
//   - Name: Unique job name, used in logs and RunNow.
//   - Interval: Time between runs. Must be positive.
//   - Timeout: Per-run deadline. Zero means Interval.
//   - RunOnStart: Run once immediately when the scheduler starts.
//   - Run: The work. Errors are logged; they never stop the schedule.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// JobStats summarizes a job's history.
type JobStats struct {
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// ErrUnknownJob is returned by RunNow for an unregistered name.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler runs each Job on its own ticker goroutine.
//
// # Description
//
// Jobs never hold foreground locks across a run; each job goroutine only
// touches the scheduler's own stats mutex. Stop waits for in-flight runs.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]Job
	order   []string
	stats   map[string]*JobStats
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with the given jobs.
func NewScheduler(jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{
		jobs:  make(map[string]Job),
		stats: make(map[string]*JobStats),
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a job. Jobs cannot be added while running.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %s: scheduler is running", j.Name)
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("job %s: already registered", j.Name)
	}
	s.jobs[j.Name] = j
	s.order = append(s.order, j.Name)
	s.stats[j.Name] = &JobStats{}
	return nil
}

// Start launches one goroutine per job.
//
// # Inputs
//
//   - ctx: Cancelling it stops every job loop.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})

	slog.Info("Maintenance scheduler starting", "jobs", len(s.order))
	for _, name := range s.order {
		j := s.jobs[name]
		s.wg.Add(1)
		go s.runLoop(ctx, j, s.done)
	}
	return nil
}

// Stop signals every job loop and waits for in-flight runs. Safe to call
// more than once.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	slog.Info("Maintenance scheduler stopping")
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// Stats returns a copy of every job's stats.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context, j Job, done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	if j.RunOnStart {
		_ = s.execute(ctx, j)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Maintenance job stopped (context cancelled)", "job", j.Name)
			return
		case <-done:
			slog.Debug("Maintenance job stopped (stop requested)", "job", j.Name)
			return
		case <-ticker.C:
			_ = s.execute(ctx, j)
		}
	}
}

// execute runs one job with a deadline and panic recovery, then records
// stats. Errors are logged here and returned for RunNow callers.
func (s *Scheduler) execute(ctx context.Context, j Job) (err error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, r)
		}
		s.record(j.Name, start, err)
		if err != nil {
			slog.Error("Maintenance job failed", "job", j.Name, "error", err)
		} else {
			slog.Debug("Maintenance job completed", "job", j.Name, "duration", time.Since(start))
		}
	}()

	return j.Run(runCtx)
}

func (s *Scheduler) record(name string, start time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		return
	}
	st.Runs++
	st.LastRun = start
	st.LastDuration = time.Since(start)
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
}
