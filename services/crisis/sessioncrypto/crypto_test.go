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
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	seed, err := GenerateMasterSeed()
	require.NoError(t, err)

	m, err := New(Config{MasterSeed: seed, Iterations: MinIterations, AllowInsecureMemory: true})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func newToken(t *testing.T) string {
	t.Helper()
	tok, err := NewSessionToken()
	require.NoError(t, err)
	return tok
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RejectsBadMasterSeed(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMasterSeedMissing)

	_, err = New(Config{MasterSeed: bytes.Repeat([]byte{1}, MinMasterSeedBytes-1)})
	assert.ErrorIs(t, err, ErrMasterSeedTooShort)

	_, err = New(Config{MasterSeed: bytes.Repeat([]byte{1}, MinMasterSeedBytes), Iterations: 10})
	assert.Error(t, err)
}

func TestNew_WipesCallerSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, MinMasterSeedBytes)

	m, err := New(Config{MasterSeed: seed, Iterations: MinIterations, AllowInsecureMemory: true})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, make([]byte, MinMasterSeedBytes), seed)
}

// =============================================================================
// Tokens and Hashing
// =============================================================================

func TestNewSessionToken_Unique(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		tok := newToken(t)
		assert.Len(t, tok, 43)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("I need help"))
	b := Hash([]byte("I need help"))
	c := Hash([]byte("I need help."))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// =============================================================================
// Key Lifecycle
// =============================================================================

func TestDeriveKeys_DeterministicUntilDestroyed(t *testing.T) {
	m := newTestManager(t)
	tok := newToken(t)

	first, err := m.DeriveKeys(tok)
	require.NoError(t, err)
	again, err := m.DeriveKeys(tok)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, first, SaltBytes)

	assert.True(t, m.DestroySessionKeys(tok))
	assert.False(t, m.HasKeys(tok))

	fresh, err := m.DeriveKeys(tok)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}

// TestDestroySessionKeys_ForwardSecrecy verifies that a message sealed
// before destruction cannot be opened after re-derivation.
func TestDestroySessionKeys_ForwardSecrecy(t *testing.T) {
	m := newTestManager(t)
	tok := newToken(t)

	sealed, err := m.Encrypt(tok, []byte("before"))
	require.NoError(t, err)

	require.True(t, m.DestroySessionKeys(tok))
	assert.False(t, m.DestroySessionKeys(tok))

	_, err = m.Decrypt(tok, sealed)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	after, err := m.Encrypt(tok, []byte("after"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed.Salt, after.Salt)

	_, err = m.Decrypt(tok, sealed)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.ErrorIs(t, err, ErrSecurity)
}

func TestSweepIdle(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	idle, active := newToken(t), newToken(t)
	_, err := m.DeriveKeys(idle)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = m.DeriveKeys(active)
	require.NoError(t, err)

	assert.Equal(t, 1, m.SweepIdle(30*time.Minute))
	assert.False(t, m.HasKeys(idle))
	assert.True(t, m.HasKeys(active))
	assert.Equal(t, 1, m.KeyCount())
}

// =============================================================================
// Encryption
// =============================================================================

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	m := newTestManager(t)
	tok := newToken(t)
	msg := []byte("I'm feeling a bit anxious")

	sealed, err := m.Encrypt(tok, msg)
	require.NoError(t, err)
	assert.Len(t, sealed.IV, IVBytes)
	assert.Len(t, sealed.Tag, TagBytes)
	assert.Len(t, sealed.Salt, SaltBytes)
	assert.NotContains(t, string(sealed.Ciphertext), "anxious")

	got, err := m.Decrypt(tok, sealed)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	m := newTestManager(t)
	tok := newToken(t)

	a, err := m.Encrypt(tok, []byte("same"))
	require.NoError(t, err)
	b, err := m.Encrypt(tok, []byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecrypt_FailsClosed(t *testing.T) {
	m := newTestManager(t)
	tok := newToken(t)

	sealed, err := m.Encrypt(tok, []byte("sensitive"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *[]byte, tag *[]byte, iv *[]byte)
		want   error
	}{
		{"flipped ciphertext", func(c, _, _ *[]byte) { (*c)[0] ^= 1 }, ErrDecryptionFailed},
		{"flipped tag", func(_, tag, _ *[]byte) { (*tag)[3] ^= 1 }, ErrDecryptionFailed},
		{"flipped iv", func(_, _, iv *[]byte) { (*iv)[0] ^= 1 }, ErrDecryptionFailed},
		{"short tag", func(_, tag, _ *[]byte) { *tag = (*tag)[:8] }, ErrInvalidPayload},
		{"missing iv", func(_, _, iv *[]byte) { *iv = nil }, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := sealed
			tampered.Ciphertext = bytes.Clone(sealed.Ciphertext)
			tampered.Tag = bytes.Clone(sealed.Tag)
			tampered.IV = bytes.Clone(sealed.IV)
			tt.mutate(&tampered.Ciphertext, &tampered.Tag, &tampered.IV)

			got, err := m.Decrypt(tok, tampered)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrSecurity)
			assert.Nil(t, got)
		})
	}
}

func TestDecrypt_WrongToken(t *testing.T) {
	m := newTestManager(t)
	owner, other := newToken(t), newToken(t)

	sealed, err := m.Encrypt(owner, []byte("private"))
	require.NoError(t, err)

	_, err = m.Decrypt(other, sealed)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = m.DeriveKeys(other)
	require.NoError(t, err)
	_, err = m.Decrypt(other, sealed)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestDecrypt_NeverDerives(t *testing.T) {
	m := newTestManager(t)
	other := newTestManager(t)
	tok := newToken(t)

	sealed, err := other.Encrypt(tok, []byte("x"))
	require.NoError(t, err)

	_, err = m.Decrypt(tok, sealed)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.False(t, m.HasKeys(tok))
}

func TestDigest_SharesLiveKeysWithoutDeriving(t *testing.T) {
	m := newTestManager(t)
	tok := newToken(t)
	digest := datatypes.TokenDigest(tok)

	_, err := m.EncryptDigest(digest, []byte("too early"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.False(t, m.HasKeys(tok), "the digest alone never derives keys")

	_, err = m.DeriveKeys(tok)
	require.NoError(t, err)

	fromStaff, err := m.EncryptDigest(digest, []byte("I'm here with you"))
	require.NoError(t, err)
	got, err := m.Decrypt(tok, fromStaff)
	require.NoError(t, err)
	assert.Equal(t, "I'm here with you", string(got))

	fromUser, err := m.Encrypt(tok, []byte("thank you"))
	require.NoError(t, err)
	got, err = m.DecryptDigest(digest, fromUser)
	require.NoError(t, err)
	assert.Equal(t, "thank you", string(got))

	require.True(t, m.DestroySessionKeys(tok))
	_, err = m.DecryptDigest(digest, fromUser)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = m.EncryptDigest(digest, []byte("after end"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestManager_ConcurrentUse(t *testing.T) {
	m := newTestManager(t)
	tokens := []string{newToken(t), newToken(t), newToken(t)}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := tokens[i%len(tokens)]
			sealed, err := m.Encrypt(tok, []byte("hello"))
			if err != nil {
				return
			}
			if i%7 == 0 {
				m.DestroySessionKeys(tok)
				return
			}
			if got, err := m.Decrypt(tok, sealed); err == nil {
				assert.Equal(t, []byte("hello"), got)
			} else {
				assert.ErrorIs(t, err, ErrSecurity)
			}
		}(i)
	}
	wg.Wait()
}
