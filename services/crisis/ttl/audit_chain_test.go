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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditLogger(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crisis_audit.log")
	l, err := NewAuditLogger(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func overrideEvent(id string) extensions.AuditEvent {
	return extensions.AuditEvent{
		EventType:    extensions.EventOverrideActivated,
		Actor:        "system",
		ResourceType: "session",
		ResourceID:   id,
		Outcome:      "success",
		Metadata:     map[string]any{"safety_level": "CRITICAL", "severity": 10},
	}
}

func TestNewAuditLogger_CreatesFileWithRestrictedPermissions(t *testing.T) {
	l, path := newTestAuditLogger(t)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NoError(t, l.VerifyFilePermissions())
}

func TestAuditLogger_VerifyFilePermissions_DetectsChange(t *testing.T) {
	l, path := newTestAuditLogger(t)
	require.NoError(t, os.Chmod(path, 0644))
	assert.Error(t, l.VerifyFilePermissions())
}

func TestAuditLogger_ChainLinks(t *testing.T) {
	l, _ := newTestAuditLogger(t)

	first, err := l.Append(overrideEvent("s1"))
	require.NoError(t, err)
	second, err := l.Append(overrideEvent("s2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, GenesisHash, first.PrevHash)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, int64(2), l.EntryCount())

	valid, idx, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(-1), idx)
}

func TestAuditLogger_ContinuesChainAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crisis_audit.log")

	l, err := NewAuditLogger(path)
	require.NoError(t, err)
	first, err := l.Append(overrideEvent("s1"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = NewAuditLogger(path)
	require.NoError(t, err)
	defer l.Close()
	second, err := l.Append(overrideEvent("s2"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	valid, _, err := VerifyFile(path)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestVerifyFile_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(lines [][]byte) [][]byte
		index  int64
	}{
		{
			name: "edited field",
			mutate: func(lines [][]byte) [][]byte {
				lines[1] = bytes.Replace(lines[1], []byte(`"s2"`), []byte(`"sX"`), 1)
				return lines
			},
			index: 1,
		},
		{
			name: "edited detail",
			mutate: func(lines [][]byte) [][]byte {
				lines[0] = bytes.Replace(lines[0], []byte(`CRITICAL`), []byte(`MODERATE`), 1)
				return lines
			},
			index: 0,
		},
		{
			name: "dropped record",
			mutate: func(lines [][]byte) [][]byte {
				return append(lines[:1], lines[2:]...)
			},
			index: 1,
		},
		{
			name: "swapped records",
			mutate: func(lines [][]byte) [][]byte {
				lines[1], lines[2] = lines[2], lines[1]
				return lines
			},
			index: 1,
		},
		{
			name: "garbage line",
			mutate: func(lines [][]byte) [][]byte {
				lines[2] = []byte("not json")
				return lines
			},
			index: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, path := newTestAuditLogger(t)
			for _, id := range []string{"s1", "s2", "s3"} {
				_, err := l.Append(overrideEvent(id))
				require.NoError(t, err)
			}
			require.NoError(t, l.Close())

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
			lines = tt.mutate(lines)
			require.NoError(t, os.WriteFile(path, append(bytes.Join(lines, []byte("\n")), '\n'), 0600))

			valid, idx, err := VerifyFile(path)
			require.NoError(t, err)
			assert.False(t, valid)
			assert.Equal(t, tt.index, idx)
		})
	}
}

func TestAuditLogger_ConcurrentAppendsKeepChainValid(t *testing.T) {
	l, _ := newTestAuditLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Log(context.Background(), overrideEvent("s")))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), l.EntryCount())
	valid, _, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestAuditLogger_ClosedRejectsWrites(t *testing.T) {
	l, _ := newTestAuditLogger(t)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Log(context.Background(), overrideEvent("s1")), ErrLoggerClosed)
	assert.NoError(t, l.Close())
}

func TestVerifyFile_MissingFile(t *testing.T) {
	_, _, err := VerifyFile(filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}
