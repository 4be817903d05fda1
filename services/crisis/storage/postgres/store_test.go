// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/storagetest"
)

// testDSN points at a disposable database. Tables are dropped between tests.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CRISIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CRISIS_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func openClean(t *testing.T) *Store {
	t.Helper()
	dsn := testDSN(t)
	s, err := Open(context.Background(), Config{DSN: dsn})
	require.NoError(t, err)
	err = s.db.Migrator().DropTable(&sessionRow{}, &messageRow{}, &resourceRow{}, &volunteerRow{}, &overrideRow{}, &metricRow{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), Config{DSN: dsn, MaxOpenConns: 8})
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	testDSN(t)
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openClean(t)
	})
}

func TestStore_LoadColumnIsAuthoritative(t *testing.T) {
	s := openClean(t)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.UpsertVolunteer(ctx, datatypes.Volunteer{ID: "v1", MaxConcurrent: 2, Available: true}))
	require.NoError(t, s.IncrementLoad(ctx, "v1"))
	require.NoError(t, s.IncrementLoad(ctx, "v1"))
	assert.ErrorIs(t, s.IncrementLoad(ctx, "v1"), storage.ErrCapacityExceeded)

	v, err := s.GetVolunteer(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, v.CurrentLoad, "body JSON is stale, column wins")

	assert.ErrorIs(t, s.IncrementLoad(ctx, "missing"), storage.ErrVolunteerNotFound)
}

func TestStore_PruneMetrics(t *testing.T) {
	s := openClean(t)
	defer s.Close()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, s.RecordMetric(ctx, datatypes.MetricSample{Operation: "connect", Duration: time.Millisecond, Success: true, Timestamp: old}))
	require.NoError(t, s.RecordMetric(ctx, datatypes.MetricSample{Operation: "connect", Duration: time.Millisecond, Success: true}))

	n, err := s.PruneMetrics(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}
