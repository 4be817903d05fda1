// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// Key prefixes.
const (
	prefixSession   = "s/"
	prefixDigest    = "t/"
	prefixMessage   = "m/"
	prefixResource  = "r/"
	prefixVolunteer = "v/"
	prefixOverride  = "o/"
	prefixMetric    = "x/"
)

func key(prefix, id string) []byte { return []byte(prefix + id) }

// Store is a storage.Backend on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Read-modify-write operations run in optimistic
// transactions retried on conflict.
type Store struct {
	db        *badger.DB
	gc        *GCRunner
	metricTTL time.Duration
	closeOnce sync.Once
	now       func() time.Time
}

// Open opens the database, seeds the default emergency resources on first
// use and starts value log GC if configured.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, metricTTL: cfg.MetricTTL, now: time.Now}
	if s.metricTTL <= 0 {
		s.metricTTL = 7 * 24 * time.Hour
	}

	if err := s.seedResources(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio == 0 {
			ratio = 0.5
		}
		runner, err := NewGCRunner(db, cfg.GCInterval, ratio)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.Start()
	}
	return s, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

func (s *Store) seedResources(ctx context.Context) error {
	return update(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixResource)})
		it.Rewind()
		seeded := it.Valid()
		it.Close()
		if seeded {
			return nil
		}
		for _, r := range datatypes.DefaultEmergencyResources() {
			if err := putJSON(txn, key(prefixResource, r.ID), r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops GC and closes the database. Idempotent.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.Stop()
		}
		err = s.db.Close()
	})
	return err
}

// =============================================================================
// Encoding helpers
// =============================================================================

func putJSON(txn *badger.Txn, k []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	return txn.Set(k, b)
}

// getJSON decodes k into v, returning notFound if the key is absent.
func getJSON(txn *badger.Txn, k []byte, v any, notFound error) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func exists(txn *badger.Txn, k []byte) (bool, error) {
	_, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan decodes every value under prefix, calling fn for each.
func scan[T any](txn *badger.Txn, prefix string, fn func(T) error) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: []byte(prefix)})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) wrap(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrClosed
	}
	return err
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Store) CreateSession(ctx context.Context, sess *datatypes.CrisisSession) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		for _, k := range [][]byte{key(prefixSession, sess.ID), key(prefixDigest, sess.TokenDigest)} {
			found, err := exists(txn, k)
			if err != nil {
				return err
			}
			if found {
				return storage.ErrAlreadyExists
			}
		}
		if err := putJSON(txn, key(prefixSession, sess.ID), sess); err != nil {
			return err
		}
		return txn.Set(key(prefixDigest, sess.TokenDigest), []byte(sess.ID))
	}))
}

func (s *Store) GetSession(ctx context.Context, id string) (*datatypes.CrisisSession, error) {
	var sess datatypes.CrisisSession
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixSession, id), &sess, storage.ErrSessionNotFound)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &sess, nil
}

func (s *Store) FindSessionByToken(ctx context.Context, tokenDigest string) (*datatypes.CrisisSession, error) {
	var sess datatypes.CrisisSession
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		item, err := txn.Get(key(prefixDigest, tokenDigest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, key(prefixSession, string(id)), &sess, storage.ErrSessionNotFound)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *datatypes.CrisisSession) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		found, err := exists(txn, key(prefixSession, sess.ID))
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrSessionNotFound
		}
		return putJSON(txn, key(prefixSession, sess.ID), sess)
	}))
}

func (s *Store) CountSessions(ctx context.Context, f storage.SessionFilter) (int, error) {
	n := 0
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return scan(txn, prefixSession, func(sess datatypes.CrisisSession) error {
			if f.Matches(&sess) {
				n++
			}
			return nil
		})
	})
	return n, s.wrap(err)
}

func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*datatypes.CrisisSession, error) {
	var out []*datatypes.CrisisSession
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return scan(txn, prefixSession, func(sess datatypes.CrisisSession) error {
			if !sess.Status.IsTerminal() && sess.LastActivity.Before(cutoff) {
				c := sess
				out = append(out, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Messages
// =============================================================================

func (s *Store) StoreMessage(ctx context.Context, msg datatypes.NewMessage) (*datatypes.StoredMessage, error) {
	stored := &datatypes.StoredMessage{
		ID:          uuid.NewString(),
		SessionID:   msg.SessionID,
		Sequence:    msg.Sequence,
		Role:        msg.Role,
		SenderID:    msg.SenderID,
		Payload:     msg.Payload,
		ContentHash: msg.ContentHash,
		Metadata:    msg.Metadata,
		CreatedAt:   s.now().UTC(),
	}
	err := update(ctx, s.db, func(txn *badger.Txn) error {
		found, err := exists(txn, key(prefixSession, msg.SessionID))
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrSessionNotFound
		}
		return putJSON(txn, key(prefixMessage, stored.ID), stored)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return stored, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*datatypes.StoredMessage, error) {
	var m datatypes.StoredMessage
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixMessage, id), &m, storage.ErrMessageNotFound)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &m, nil
}

// =============================================================================
// Resources, Metrics, Overrides
// =============================================================================

func (s *Store) ListResources(ctx context.Context, f storage.ResourceFilter) ([]datatypes.Resource, error) {
	var out []datatypes.Resource
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return scan(txn, prefixResource, func(r datatypes.Resource) error {
			if f.Matches(r) {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	// Keys iterate in ID order already.
	if f.MaxResults > 0 && len(out) > f.MaxResults {
		out = out[:f.MaxResults]
	}
	return out, nil
}

func (s *Store) UpsertResource(ctx context.Context, r datatypes.Resource) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		return putJSON(txn, key(prefixResource, r.ID), r)
	}))
}

// RecordMetric stores a sample under a time-ordered key that expires after
// the configured TTL.
func (s *Store) RecordMetric(ctx context.Context, m datatypes.MetricSample) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metric: %w", err)
	}
	k := []byte(fmt.Sprintf("%s%020d/%s/%s", prefixMetric, m.Timestamp.UnixNano(), m.Operation, uuid.NewString()[:8]))
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(k, b).WithTTL(s.metricTTL))
	}))
}

// Metrics returns retained samples recorded at or after since, oldest
// first.
func (s *Store) Metrics(ctx context.Context, since time.Time) ([]datatypes.MetricSample, error) {
	var out []datatypes.MetricSample
	start := []byte(prefixMetric)
	if !since.IsZero() {
		start = []byte(fmt.Sprintf("%s%020d", prefixMetric, since.UnixNano()))
	}
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: []byte(prefixMetric)})
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			var m datatypes.MetricSample
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, s.wrap(err)
}

func (s *Store) RecordOverride(ctx context.Context, rec datatypes.OverrideRecord) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		return putJSON(txn, key(prefixOverride, rec.OverrideID), rec)
	}))
}

func (s *Store) GetOverride(ctx context.Context, id string) (*datatypes.OverrideRecord, error) {
	var rec datatypes.OverrideRecord
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixOverride, id), &rec, storage.ErrOverrideNotFound)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &rec, nil
}

// =============================================================================
// Volunteers
// =============================================================================

func (s *Store) ListCandidates(ctx context.Context, q storage.VolunteerQuery) ([]datatypes.Volunteer, error) {
	var out []datatypes.Volunteer
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return scan(txn, prefixVolunteer, func(v datatypes.Volunteer) error {
			if q.Matches(v) {
				out = append(out, v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) GetVolunteer(ctx context.Context, id string) (*datatypes.Volunteer, error) {
	var v datatypes.Volunteer
	err := view(ctx, s.db, func(txn *badger.Txn) error {
		return getJSON(txn, key(prefixVolunteer, id), &v, storage.ErrVolunteerNotFound)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &v, nil
}

func (s *Store) IncrementLoad(ctx context.Context, id string) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		var v datatypes.Volunteer
		if err := getJSON(txn, key(prefixVolunteer, id), &v, storage.ErrVolunteerNotFound); err != nil {
			return err
		}
		if !v.HasCapacity() {
			return storage.ErrCapacityExceeded
		}
		v.CurrentLoad++
		v.LastActive = s.now().UTC()
		return putJSON(txn, key(prefixVolunteer, id), v)
	}))
}

func (s *Store) DecrementLoad(ctx context.Context, id string) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		var v datatypes.Volunteer
		if err := getJSON(txn, key(prefixVolunteer, id), &v, storage.ErrVolunteerNotFound); err != nil {
			return err
		}
		if v.CurrentLoad == 0 {
			return nil
		}
		v.CurrentLoad--
		return putJSON(txn, key(prefixVolunteer, id), v)
	}))
}

func (s *Store) UpsertVolunteer(ctx context.Context, v datatypes.Volunteer) error {
	return s.wrap(update(ctx, s.db, func(txn *badger.Txn) error {
		return putJSON(txn, key(prefixVolunteer, v.ID), v)
	}))
}

var _ storage.Backend = (*Store)(nil)
