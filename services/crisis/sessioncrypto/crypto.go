// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessioncrypto derives, caches and destroys per-session keys.
//
// Keys are derived from the session token and a process master seed, live
// only in memory, and are destroyed when the session ends. A destroyed key
// can never be re-derived: the next derivation for the same token uses a
// new generation and yields a different key.
package sessioncrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// Constants
// =============================================================================

const (
	MinMasterSeedBytes = 32
	TokenBytes         = 32
	KeyBytes           = 32
	SaltBytes          = 32
	IVBytes            = 12
	TagBytes           = 16

	// DefaultIterations is the PBKDF2-SHA512 work factor.
	DefaultIterations = 210_000
	// MinIterations guards against configs that disable stretching.
	MinIterations = 1_000

	DefaultKeyGenTarget = 50 * time.Millisecond
	DefaultCipherTarget = 5 * time.Millisecond

	saltInfoLabel = "aleutian-crisis/session-salt/v1"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrMasterSeedMissing  = errors.New("master seed is missing")
	ErrMasterSeedTooShort = fmt.Errorf("master seed must be at least %d bytes", MinMasterSeedBytes)

	// ErrSecurity is the parent of every fail-closed crypto error.
	ErrSecurity = errors.New("session crypto security failure")

	ErrDecryptionFailed = fmt.Errorf("%w: authentication failed", ErrSecurity)
	ErrKeyNotFound      = fmt.Errorf("%w: no key for session", ErrSecurity)
	ErrKeyMismatch      = fmt.Errorf("%w: payload was sealed under a different key", ErrSecurity)
	ErrInvalidPayload   = fmt.Errorf("%w: malformed payload", ErrSecurity)
)

// =============================================================================
// Types
// =============================================================================

// Config configures a Manager.
type Config struct {
	// MasterSeed is wiped by New.
	MasterSeed []byte

	// Iterations overrides DefaultIterations. Zero uses the default.
	Iterations int

	KeyGenTarget time.Duration
	CipherTarget time.Duration

	// AllowInsecureMemory permits plain heap key storage when the host
	// mlock limit is too low.
	AllowInsecureMemory bool
}

// sessionKeys is one derived key and its salt.
type sessionKeys struct {
	key        secretHolder
	salt       []byte
	generation uint64
	createdAt  time.Time
	lastUsed   atomic.Int64 // unix nanos
}

// Manager owns all session keys for the process.
//
// # Description
//
// The salt for a token is HKDF-SHA256(master seed, epoch, label|token|gen),
// where epoch is random per process. The key is PBKDF2-SHA512(token|seed,
// salt, iterations, 32). Derivation is deterministic for a token until its
// keys are destroyed, after which the generation advances.
//
// # Limitations
//
//   - The epoch makes keys unrecoverable across restarts. Messages sealed
//     by a previous process cannot be decrypted.
//   - Generation counters for destroyed tokens are retained for the
//     process lifetime.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	master     *masterSecret
	mode       memoryMode
	epoch      []byte
	iterations int

	keyGenTarget time.Duration
	cipherTarget time.Duration

	mu          sync.RWMutex
	keys        map[string]*sessionKeys // by token digest
	generations map[string]uint64       // by token digest

	now func() time.Time
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a Manager.
//
// # Inputs
//
//   - cfg: MasterSeed must be at least MinMasterSeedBytes.
//
// # Outputs
//
//   - *Manager: Ready for use.
//   - error: ErrMasterSeedMissing, ErrMasterSeedTooShort, or an mlock
//     error when secure memory is unavailable and not waived.
func New(cfg Config) (*Manager, error) {
	if len(cfg.MasterSeed) == 0 {
		return nil, ErrMasterSeedMissing
	}
	if len(cfg.MasterSeed) < MinMasterSeedBytes {
		return nil, ErrMasterSeedTooShort
	}

	iterations := cfg.Iterations
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("iterations %d below minimum %d", iterations, MinIterations)
	}

	mode, err := selectMemoryMode(cfg.AllowInsecureMemory)
	if err != nil {
		return nil, err
	}

	epoch := make([]byte, 16)
	if _, err := rand.Read(epoch); err != nil {
		return nil, fmt.Errorf("failed to generate process epoch: %w", err)
	}

	m := &Manager{
		master:       newMasterSecret(mode, cfg.MasterSeed),
		mode:         mode,
		epoch:        epoch,
		iterations:   iterations,
		keyGenTarget: cfg.KeyGenTarget,
		cipherTarget: cfg.CipherTarget,
		keys:         make(map[string]*sessionKeys),
		generations:  make(map[string]uint64),
		now:          time.Now,
	}
	if m.keyGenTarget <= 0 {
		m.keyGenTarget = DefaultKeyGenTarget
	}
	if m.cipherTarget <= 0 {
		m.cipherTarget = DefaultCipherTarget
	}
	return m, nil
}

// NewSessionToken returns 256 random bits, base64url without padding.
func NewSessionToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateMasterSeed returns a fresh random seed of MinMasterSeedBytes.
func GenerateMasterSeed() ([]byte, error) {
	b := make([]byte, MinMasterSeedBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate master seed: %w", err)
	}
	return b, nil
}

// Hash returns the hex SHA-256 of message.
func Hash(message []byte) string {
	sum := sha256.Sum256(message)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// Key Lifecycle
// =============================================================================

// DeriveKeys ensures keys exist for token and returns their salt.
//
// # Description
//
// Returns the cached salt when keys exist. Otherwise derives them at the
// token's current generation. Concurrent first calls for one token may
// both derive; the first to store wins and the loser's key is destroyed.
//
// # Outputs
//
//   - []byte: Copy of the salt.
//   - error: Non-nil on empty token or derivation failure.
func (m *Manager) DeriveKeys(token string) ([]byte, error) {
	keys, err := m.keysFor(token, true)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return bytes.Clone(keys.salt), nil
}

// HasKeys reports whether token currently has cached keys.
func (m *Manager) HasKeys(token string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[datatypes.TokenDigest(token)]
	return ok
}

// KeyCount returns the number of live session keys.
func (m *Manager) KeyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// DestroySessionKeys wipes the keys for token and advances its generation.
//
// # Outputs
//
//   - bool: True if keys existed.
func (m *Manager) DestroySessionKeys(token string) bool {
	return m.DestroyDigest(datatypes.TokenDigest(token))
}

// DestroyDigest is DestroySessionKeys for callers that only hold the
// token digest, such as idle-session expiry working from the store.
func (m *Manager) DestroyDigest(digest string) bool {
	m.mu.Lock()
	keys, ok := m.keys[digest]
	if ok {
		delete(m.keys, digest)
		m.generations[digest] = keys.generation + 1
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	keys.destroy()
	slog.Debug("Destroyed session keys", "generation", keys.generation)
	return true
}

// SweepIdle destroys keys unused for longer than maxIdle.
//
// # Outputs
//
//   - int: Number of sessions whose keys were destroyed.
func (m *Manager) SweepIdle(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle).UnixNano()

	var expired []*sessionKeys
	m.mu.Lock()
	for digest, keys := range m.keys {
		if keys.lastUsed.Load() < cutoff {
			delete(m.keys, digest)
			m.generations[digest] = keys.generation + 1
			expired = append(expired, keys)
		}
	}
	m.mu.Unlock()

	for _, keys := range expired {
		keys.destroy()
	}
	if len(expired) > 0 {
		slog.Info("Swept idle session keys", "count", len(expired))
	}
	return len(expired)
}

// Close destroys every cached key. The Manager must not be used after.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.keys
	m.keys = make(map[string]*sessionKeys)
	m.mu.Unlock()

	for _, keys := range all {
		keys.destroy()
	}
}

// =============================================================================
// Encryption
// =============================================================================

// Encrypt seals plaintext under the session key for token.
//
// # Description
//
// AES-256-GCM with a fresh random 12-byte IV per call and the salt as
// additional data. Keys are derived on first use. The tag is split from
// the ciphertext so neither is ever stored without the other.
//
// # Outputs
//
//   - datatypes.EncryptedMessage: Ciphertext, tag, IV, salt and timestamp.
//     SenderRole is left for the caller.
//   - error: Non-nil on derivation or cipher failure.
func (m *Manager) Encrypt(token string, plaintext []byte) (datatypes.EncryptedMessage, error) {
	start := m.now()
	keys, err := m.keysFor(token, true)
	if err != nil {
		return datatypes.EncryptedMessage{}, err
	}
	return m.seal(datatypes.TokenDigest(token), keys, plaintext, start)
}

// EncryptDigest is Encrypt for callers that hold only the token digest,
// such as the volunteer side of a session. It never derives keys: the
// session owner must have used its token since the keys were last
// destroyed or swept, otherwise ErrKeyNotFound is returned.
func (m *Manager) EncryptDigest(digest string, plaintext []byte) (datatypes.EncryptedMessage, error) {
	start := m.now()
	keys, err := m.liveKeys(digest)
	if err != nil {
		return datatypes.EncryptedMessage{}, err
	}
	return m.seal(digest, keys, plaintext, start)
}

// Decrypt opens msg with the session key for token.
//
// # Description
//
// Never derives keys. A missing key, a salt that does not match the live
// key, a malformed payload or a failed tag check all return an error
// wrapping ErrSecurity; no partial plaintext is returned.
func (m *Manager) Decrypt(token string, msg datatypes.EncryptedMessage) ([]byte, error) {
	if token == "" {
		return nil, ErrKeyNotFound
	}
	return m.DecryptDigest(datatypes.TokenDigest(token), msg)
}

// DecryptDigest is Decrypt keyed by token digest.
func (m *Manager) DecryptDigest(digest string, msg datatypes.EncryptedMessage) ([]byte, error) {
	start := m.now()

	if len(msg.IV) != IVBytes || len(msg.Tag) != TagBytes || len(msg.Salt) != SaltBytes {
		return nil, ErrInvalidPayload
	}

	keys, err := m.liveKeys(digest)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(msg.Ciphertext)+TagBytes)
	sealed = append(sealed, msg.Ciphertext...)
	sealed = append(sealed, msg.Tag...)

	var plaintext []byte
	err = m.withKey(digest, keys, func(aead cipher.AEAD) error {
		if !bytes.Equal(keys.salt, msg.Salt) {
			return ErrKeyMismatch
		}
		var openErr error
		if plaintext, openErr = aead.Open(nil, msg.IV, sealed, keys.salt); openErr != nil {
			return ErrDecryptionFailed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSecurity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	m.checkTarget("decrypt", start, m.cipherTarget)
	return plaintext, nil
}

// =============================================================================
// Private Methods
// =============================================================================

func (m *Manager) seal(digest string, keys *sessionKeys, plaintext []byte, start time.Time) (datatypes.EncryptedMessage, error) {
	iv := make([]byte, IVBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return datatypes.EncryptedMessage{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	var sealed, salt []byte
	err := m.withKey(digest, keys, func(aead cipher.AEAD) error {
		salt = bytes.Clone(keys.salt)
		sealed = aead.Seal(nil, iv, plaintext, salt)
		return nil
	})
	if err != nil {
		return datatypes.EncryptedMessage{}, err
	}

	split := len(sealed) - TagBytes
	out := datatypes.EncryptedMessage{
		Ciphertext: sealed[:split:split],
		Tag:        sealed[split:],
		IV:         iv,
		Salt:       salt,
		Timestamp:  start,
	}
	m.checkTarget("encrypt", start, m.cipherTarget)
	return out, nil
}

// liveKeys returns the cached keys for digest without deriving.
func (m *Manager) liveKeys(digest string) (*sessionKeys, error) {
	if digest == "" {
		return nil, ErrKeyNotFound
	}
	m.mu.RLock()
	keys, ok := m.keys[digest]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	keys.lastUsed.Store(m.now().UnixNano())
	return keys, nil
}

// keysFor returns cached keys, deriving them when derive is set.
func (m *Manager) keysFor(token string, derive bool) (*sessionKeys, error) {
	if token == "" {
		return nil, ErrKeyNotFound
	}
	digest := datatypes.TokenDigest(token)

	m.mu.RLock()
	keys, ok := m.keys[digest]
	gen := m.generations[digest]
	m.mu.RUnlock()

	if ok {
		keys.lastUsed.Store(m.now().UnixNano())
		return keys, nil
	}
	if !derive {
		return nil, ErrKeyNotFound
	}

	fresh, err := m.derive(token, gen)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, raced := m.keys[digest]; raced {
		m.mu.Unlock()
		fresh.destroy()
		return existing, nil
	}
	if m.generations[digest] != gen {
		// Destroyed while deriving; derive again at the new generation.
		m.mu.Unlock()
		fresh.destroy()
		return m.keysFor(token, derive)
	}
	m.keys[digest] = fresh
	m.mu.Unlock()
	return fresh, nil
}

// derive runs HKDF then PBKDF2 for one generation.
func (m *Manager) derive(token string, gen uint64) (*sessionKeys, error) {
	start := m.now()

	info := make([]byte, 0, len(saltInfoLabel)+1+len(token)+9)
	info = append(info, saltInfoLabel...)
	info = append(info, '|')
	info = append(info, token...)
	info = append(info, '|')
	info = binary.BigEndian.AppendUint64(info, gen)

	salt := make([]byte, SaltBytes)
	var key []byte
	err := m.master.with(func(seed []byte) error {
		if _, err := io.ReadFull(hkdf.New(sha256.New, seed, m.epoch, info), salt); err != nil {
			return fmt.Errorf("failed to expand salt: %w", err)
		}
		password := make([]byte, 0, len(token)+len(seed))
		password = append(password, token...)
		password = append(password, seed...)
		key = pbkdf2.Key(password, salt, m.iterations, KeyBytes, sha512.New)
		clear(password)
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := &sessionKeys{
		key:        m.mode.newSecret(key),
		salt:       salt,
		generation: gen,
		createdAt:  start,
	}
	keys.lastUsed.Store(start.UnixNano())

	m.checkTarget("derive", start, m.keyGenTarget)
	return keys, nil
}

// withKey builds an AEAD from the held key under the read lock, so a
// concurrent destroy cannot wipe it mid-operation.
func (m *Manager) withKey(digest string, keys *sessionKeys, fn func(cipher.AEAD) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if current, ok := m.keys[digest]; !ok || current != keys {
		return ErrKeyNotFound
	}

	block, err := aes.NewCipher(keys.key.Bytes())
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}
	return fn(aead)
}

func (m *Manager) checkTarget(op string, start time.Time, target time.Duration) {
	if elapsed := m.now().Sub(start); elapsed > target {
		slog.Warn("Session crypto operation exceeded target",
			"operation", op,
			"duration", elapsed,
			"target", target,
		)
	}
}

func (k *sessionKeys) destroy() {
	k.key.Destroy()
	clear(k.salt)
}
