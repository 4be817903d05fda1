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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PoolConfig bounds background work.
type PoolConfig struct {
	// Workers is the number of goroutines draining the queue. Default: 8.
	Workers int `yaml:"workers"`

	// QueueSize is how many tasks may wait. Default: 256.
	QueueSize int `yaml:"queue_size"`

	// TaskTimeout bounds each task. Default: 30s.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	return c
}

var (
	// ErrPoolFull is returned when the queue has no room.
	ErrPoolFull = errors.New("task queue is full")

	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("task pool is closed")
)

// Task is one unit of fire-and-forget work.
type Task struct {
	Name      string
	SessionID string
	Work      func(ctx context.Context) error
}

// TaskResult reports a finished task.
type TaskResult struct {
	Name      string
	SessionID string
	Err       error
	Duration  time.Duration
}

// TaskPool runs tasks on a fixed set of workers.
//
// # Description
//
// Every result goes to one results channel drained by a single goroutine,
// which logs failures at ERROR and hands each result to the optional
// observer. Panics inside a task become errors. Nothing submitted is ever
// left unobserved: a rejected Submit returns its error to the caller.
//
// # Thread Safety
//
// Safe for concurrent use.
type TaskPool struct {
	cfg     PoolConfig
	queue   chan Task
	results chan TaskResult
	observe func(TaskResult)

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
	drained chan struct{}
}

// NewTaskPool starts the workers and the result drain.
//
// # Inputs
//
//   - cfg: Zero fields take defaults.
//   - observe: Called for every result from the drain goroutine. May be nil.
func NewTaskPool(cfg PoolConfig, observe func(TaskResult)) *TaskPool {
	cfg = cfg.withDefaults()
	p := &TaskPool{
		cfg:     cfg,
		queue:   make(chan Task, cfg.QueueSize),
		results: make(chan TaskResult, cfg.QueueSize),
		observe: observe,
		drained: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	go p.drain()
	return p
}

// Submit queues t without blocking.
func (p *TaskPool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- t:
		return nil
	default:
		return fmt.Errorf("%w: %s dropped", ErrPoolFull, t.Name)
	}
}

// Pending returns the number of queued tasks.
func (p *TaskPool) Pending() int {
	return len(p.queue)
}

// Close stops intake and waits for queued tasks to finish or ctx to end.
// Idempotent.
func (p *TaskPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
		go func() {
			p.workers.Wait()
			close(p.results)
		}()
	}
	p.mu.Unlock()

	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task pool did not drain: %w", ctx.Err())
	}
}

func (p *TaskPool) work() {
	defer p.workers.Done()
	for t := range p.queue {
		p.results <- p.run(t)
	}
}

func (p *TaskPool) run(t Task) (res TaskResult) {
	start := time.Now()
	res = TaskResult{Name: t.Name, SessionID: t.SessionID}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
		res.Duration = time.Since(start)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TaskTimeout)
	defer cancel()
	res.Err = t.Work(ctx)
	return res
}

func (p *TaskPool) drain() {
	defer close(p.drained)
	for res := range p.results {
		if res.Err != nil {
			slog.Error("Background task failed",
				"task", res.Name,
				"session_id", res.SessionID,
				"duration", res.Duration,
				"error", res.Err)
		}
		if p.observe != nil {
			p.observe(res)
		}
	}
}
