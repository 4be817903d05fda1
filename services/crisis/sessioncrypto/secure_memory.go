// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessioncrypto

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

// MinMlockLimitKB is the mlock limit below which key material cannot be
// kept in locked memory. Each LockedBuffer costs at least one page plus
// guard pages, so this covers a few hundred concurrent sessions.
const MinMlockLimitKB = 4096

// =============================================================================
// Package Variables
// =============================================================================

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Secret Holders
// =============================================================================

// secretHolder owns a fixed secret and wipes it on Destroy.
//
// # Thread Safety
//
// Not safe for concurrent use on its own. The Manager guards every holder
// with its key map lock.
type secretHolder interface {
	// Bytes returns the secret. Valid until Destroy.
	Bytes() []byte
	// Destroy wipes the secret. Idempotent.
	Destroy()
}

// lockedSecret keeps a secret in a memguard LockedBuffer: mlocked, guard
// paged, canaried and zeroed on Destroy.
type lockedSecret struct {
	buf *memguard.LockedBuffer
}

func (s *lockedSecret) Bytes() []byte { return s.buf.Bytes() }

func (s *lockedSecret) Destroy() { s.buf.Destroy() }

// plainSecret is the fallback for hosts without enough mlock. Data may be
// swapped to disk and wiping is best effort.
type plainSecret struct {
	data []byte
}

func (s *plainSecret) Bytes() []byte { return s.data }

func (s *plainSecret) Destroy() {
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// memoryMode selects how secrets are held.
type memoryMode int

const (
	memoryLocked memoryMode = iota
	memoryPlain
)

// newSecret moves b into a holder. b is wiped.
func (m memoryMode) newSecret(b []byte) secretHolder {
	if m == memoryLocked {
		return &lockedSecret{buf: memguard.NewBufferFromBytes(b)}
	}
	data := make([]byte, len(b))
	copy(data, b)
	memguard.WipeBytes(b)
	return &plainSecret{data: data}
}

// masterSecret holds the master seed at rest.
//
// In locked mode the seed lives in an encrypted memguard Enclave and is
// only decrypted into a LockedBuffer for the duration of a derivation.
type masterSecret struct {
	enclave *memguard.Enclave
	plain   *plainSecret
}

func newMasterSecret(mode memoryMode, seed []byte) *masterSecret {
	if mode == memoryLocked {
		return &masterSecret{enclave: memguard.NewEnclave(seed)}
	}
	return &masterSecret{plain: mode.newSecret(seed).(*plainSecret)}
}

// with calls fn with the decrypted seed. The seed must not escape fn.
func (m *masterSecret) with(fn func(seed []byte) error) error {
	if m.plain != nil {
		return fn(m.plain.data)
	}
	buf, err := m.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open master seed enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// =============================================================================
// Initialization
// =============================================================================

// initMemguard performs one-time memguard setup and mlock detection.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit reads RLIMIT_MEMLOCK.
//
// # Outputs
//
//   - bool: True if the limit is at least MinMlockLimitKB.
//   - int64: Current limit in KB, -1 when unlimited or unknown.
//
// # Limitations
//
//   - Unix only.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure key memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return
	}
	slog.Warn("mlock limit below secure key memory requirement",
		"current_limit_kb", currentMlockLimitKB,
		"required_kb", MinMlockLimitKB,
	)
}

// selectMemoryMode picks locked memory when available.
//
// # Outputs
//
//   - memoryMode: Locked, or plain when allowInsecure is set and mlock is
//     insufficient.
//   - error: Non-nil when mlock is insufficient and insecure memory is not
//     allowed.
func selectMemoryMode(allowInsecure bool) (memoryMode, error) {
	initMemguard()
	if mlockSufficient {
		return memoryLocked, nil
	}
	if allowInsecure {
		slog.Warn("SECURITY: session keys held in insecure memory",
			"current_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return memoryPlain, nil
	}
	return memoryLocked, fmt.Errorf(
		"mlock limit insufficient: have %d KB, need %d KB; raise RLIMIT_MEMLOCK or allow insecure memory",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

// IsMlockAvailable reports whether locked key memory is available.
//
// # Outputs
//
//   - bool: True if secure memory is available.
//   - int64: Current mlock limit in KB, -1 if unlimited.
func IsMlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, currentMlockLimitKB
}

// PurgeAllSecureMemory wipes every memguard allocation in the process.
// Call once at shutdown; all Managers become unusable.
func PurgeAllSecureMemory() {
	memguard.Purge()
	slog.Info("Purged all secure memory")
}
