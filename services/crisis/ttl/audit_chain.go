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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
)

// GenesisHash is the PrevHash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// auditLogFileMode restricts read/write to owner only.
const auditLogFileMode = 0600

// maxLineBytes bounds a single audit line when scanning.
const maxLineBytes = 1 << 20

// ErrLoggerClosed is returned after Close.
var ErrLoggerClosed = errors.New("audit logger is closed")

// AuditRecord is one line of the audit file.
//
// EntryHash covers every other field, and PrevHash links to the previous
// record's EntryHash, so editing, dropping or reordering a line breaks
// the chain at that line.
type AuditRecord struct {
	Sequence     int64           `json:"sequence"`
	Timestamp    string          `json:"timestamp"`
	EventType    string          `json:"event_type"`
	Actor        string          `json:"actor,omitempty"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Outcome      string          `json:"outcome,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	PrevHash     string          `json:"prev_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// AuditLogger is an append-only JSON-lines audit file with a SHA-256 hash
// chain. It implements extensions.AuditLogger.
//
// # Thread Safety
//
// All methods are thread-safe. Writes are serialized by a mutex.
type AuditLogger struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
	now      func() time.Time
}

var _ extensions.AuditLogger = (*AuditLogger)(nil)

// NewAuditLogger opens or creates the audit file at path.
//
// # Description
//
// The file is created 0600 and opened for append. An existing file is
// scanned so the chain continues from its last record.
//
// # Limitations
//
//   - Rotation is external; verifying across rotated files requires
//     keeping them together.
func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, auditLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &AuditLogger{
		file:     file,
		path:     path,
		prevHash: GenesisHash,
		now:      time.Now,
	}
	last, err := lastRecord(path)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to initialize chain state: %w", err)
	}
	if last != nil {
		l.sequence = last.Sequence
		l.prevHash = last.EntryHash
	}

	slog.Info("Audit chain initialized", "path", path, "starting_sequence", l.sequence)
	return l, nil
}

// Log appends event as a chained record.
func (l *AuditLogger) Log(ctx context.Context, event extensions.AuditEvent) error {
	_, err := l.Append(event)
	return err
}

// Append writes event and returns the record as written.
func (l *AuditLogger) Append(event extensions.AuditEvent) (AuditRecord, error) {
	var detail json.RawMessage
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return AuditRecord{}, fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		detail = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return AuditRecord{}, ErrLoggerClosed
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	rec := AuditRecord{
		Sequence:     l.sequence + 1,
		Timestamp:    ts.UTC().Format(time.RFC3339Nano),
		EventType:    event.EventType,
		Actor:        event.Actor,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Outcome:      event.Outcome,
		Detail:       detail,
		PrevHash:     l.prevHash,
	}
	rec.EntryHash = recordHash(rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return AuditRecord{}, fmt.Errorf("failed to write audit record: %w", err)
	}

	l.sequence = rec.Sequence
	l.prevHash = rec.EntryHash
	return rec, nil
}

// Flush syncs the file to disk.
func (l *AuditLogger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

// VerifyChain checks the whole file. See VerifyFile.
func (l *AuditLogger) VerifyChain() (valid bool, breakIndex int64, err error) {
	return VerifyFile(l.path)
}

// EntryCount returns the number of records written so far.
func (l *AuditLogger) EntryCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}

// VerifyFilePermissions reports an error if the file mode drifted from 0600.
func (l *AuditLogger) VerifyFilePermissions() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrLoggerClosed
	}
	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat audit log: %w", err)
	}
	if mode := info.Mode().Perm(); mode != auditLogFileMode {
		return fmt.Errorf("audit log permissions changed: expected %04o, got %04o", auditLogFileMode, mode)
	}
	return nil
}

// Close syncs and closes the file.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to close audit log: %w", err)
	}
	return nil
}

// =============================================================================
// Verification
// =============================================================================

// VerifyFile walks an audit file and checks every link and entry hash.
//
// # Outputs
//
//   - valid: True if every record verifies.
//   - breakIndex: Zero-based index of the first bad record, or -1.
//   - err: Non-nil only if the file cannot be read.
//
// A line that is not valid JSON counts as a break.
func VerifyFile(path string) (valid bool, breakIndex int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return false, -1, fmt.Errorf("failed to open audit log for verification: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	prevHash := GenesisHash
	var index int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return false, index, nil
		}
		if rec.PrevHash != prevHash || rec.Sequence != index+1 {
			return false, index, nil
		}
		if recordHash(rec) != rec.EntryHash {
			return false, index, nil
		}
		prevHash = rec.EntryHash
		index++
	}
	if err := scanner.Err(); err != nil {
		return false, -1, fmt.Errorf("error reading audit log: %w", err)
	}
	return true, -1, nil
}

func lastRecord(path string) (*AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var last *AuditRecord
	for scanner.Scan() {
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Sequence > 0 {
			r := rec
			last = &r
		}
	}
	return last, scanner.Err()
}

// recordHash hashes every field except EntryHash in a fixed order.
func recordHash(r AuditRecord) string {
	detail := sha256.Sum256(r.Detail)
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s",
		r.Sequence,
		r.Timestamp,
		r.EventType,
		r.Actor,
		r.ResourceType,
		r.ResourceID,
		r.Outcome,
		hex.EncodeToString(detail[:]),
		r.PrevHash,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
