// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"errors"
	"log/slog"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// Sink receives performance samples. Record must not block the caller.
type Sink interface {
	Record(s datatypes.MetricSample)
	Close() error
}

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token" validate:"required"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`

	// BatchSize is points per write. Default: 500.
	BatchSize uint `yaml:"batch_size"`

	// Measurement name. Default: "crisis_operation".
	Measurement string `yaml:"measurement"`
}

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
	Errors() <-chan error
}

// InfluxSink writes samples to InfluxDB through the client's non-blocking
// batch writer. Write errors are logged, never returned.
//
// # Thread Safety
//
// Safe for concurrent use.
type InfluxSink struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	done        chan struct{}
	closeOnce   sync.Once
}

// NewInfluxSink connects a batch writer. The server is not contacted until
// the first flush.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx url, token, org and bucket are required")
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 500
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(batch))
	s := newInfluxSink(client.WriteAPI(cfg.Org, cfg.Bucket), cfg.Measurement)
	s.client = client
	return s, nil
}

func newInfluxSink(w pointWriter, measurement string) *InfluxSink {
	if measurement == "" {
		measurement = "crisis_operation"
	}
	s := &InfluxSink{writer: w, measurement: measurement, done: make(chan struct{})}
	go s.drainErrors()
	return s
}

func (s *InfluxSink) drainErrors() {
	errs := s.writer.Errors()
	for {
		select {
		case <-s.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			slog.Warn("InfluxDB write failed", "error", err)
		}
	}
}

// Record queues one sample as a point tagged by operation and outcome.
func (s *InfluxSink) Record(m datatypes.MetricSample) {
	p := influxdb2.NewPoint(s.measurement,
		map[string]string{
			"operation": m.Operation,
			"status":    statusLabel(m.Success),
		},
		map[string]interface{}{
			"duration_ms": float64(m.Duration.Microseconds()) / 1000,
		},
		m.Timestamp,
	)
	s.writer.WritePoint(p)
}

// Close flushes pending points and releases the client. Idempotent.
func (s *InfluxSink) Close() error {
	s.closeOnce.Do(func() {
		s.writer.Flush()
		close(s.done)
		if s.client != nil {
			s.client.Close()
		}
	})
	return nil
}

var _ Sink = (*InfluxSink)(nil)
