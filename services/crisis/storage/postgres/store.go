// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres is the shared-database storage.Backend, built on GORM.
//
// Each record is kept whole in a JSONB body column. The fields queries
// filter on are duplicated into plain indexed columns. Volunteer load is
// authoritative in its column so increments are a single conditional
// UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gormtypes "gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage"
)

// Config holds connection settings.
type Config struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// AutoMigrate creates or updates the schema on open. Default: true.
	AutoMigrate *bool `yaml:"auto_migrate"`
}

// =============================================================================
// Rows
// =============================================================================

type sessionRow struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	TokenDigest  string    `gorm:"type:char(64);uniqueIndex;not null"`
	Status       string    `gorm:"type:varchar(16);index;not null"`
	VolunteerID  string    `gorm:"type:varchar(128);index"`
	StartedAt    time.Time `gorm:"index"`
	LastActivity time.Time `gorm:"index"`
	Body         gormtypes.JSONType[datatypes.CrisisSession]
}

func (sessionRow) TableName() string { return "crisis_sessions" }

type messageRow struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	SessionID string    `gorm:"type:varchar(64);index;not null"`
	Sequence  int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	Body      gormtypes.JSONType[datatypes.StoredMessage]
}

func (messageRow) TableName() string { return "crisis_messages" }

type resourceRow struct {
	ID            string `gorm:"primaryKey;type:varchar(64)"`
	Region        string `gorm:"type:varchar(16);index"`
	Kind          string `gorm:"type:varchar(32);index"`
	Available24x7 bool   `gorm:"column:available_24x7"`
	Body          gormtypes.JSONType[datatypes.Resource]
}

func (resourceRow) TableName() string { return "crisis_resources" }

type volunteerRow struct {
	ID                 string `gorm:"primaryKey;type:varchar(128)"`
	Available          bool   `gorm:"index"`
	EmergencyResponder bool
	CurrentLoad        int `gorm:"not null;default:0"`
	MaxConcurrent      int `gorm:"not null;default:0"`
	ResponseRate       float64
	AverageRating      float64
	BurnoutScore       float64
	LastActive         time.Time
	Body               gormtypes.JSONType[datatypes.Volunteer]
}

func (volunteerRow) TableName() string { return "crisis_volunteers" }

func (r volunteerRow) volunteer() datatypes.Volunteer {
	v := r.Body.Data()
	v.CurrentLoad = r.CurrentLoad
	v.LastActive = r.LastActive
	return v
}

type overrideRow struct {
	OverrideID  string `gorm:"primaryKey;type:varchar(64)"`
	SessionID   string `gorm:"type:varchar(64);index"`
	CompletedAt *time.Time
	Body        gormtypes.JSONType[datatypes.OverrideRecord]
}

func (overrideRow) TableName() string { return "crisis_overrides" }

type metricRow struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Operation  string `gorm:"type:varchar(64);index"`
	DurationUS int64  `gorm:"column:duration_us"`
	Success    bool
	Timestamp  time.Time `gorm:"index"`
}

func (metricRow) TableName() string { return "crisis_metrics" }

// =============================================================================
// Store
// =============================================================================

// Store is a storage.Backend on PostgreSQL.
//
// # Thread Safety
//
// Safe for concurrent use; *gorm.DB is a connection pool.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects, migrates the schema and seeds default resources.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: db, now: time.Now}
	if cfg.AutoMigrate == nil || *cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	if err := s.seedResources(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&sessionRow{}, &messageRow{}, &resourceRow{}, &volunteerRow{}, &overrideRow{}, &metricRow{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate crisis schema: %w", err)
	}
	return nil
}

func (s *Store) seedResources(ctx context.Context) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&resourceRow{}).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to count resources: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, r := range datatypes.DefaultEmergencyResources() {
		if err := s.UpsertResource(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// =============================================================================
// Sessions
// =============================================================================

func newSessionRow(sess *datatypes.CrisisSession) sessionRow {
	body := *sess.Clone()
	body.SessionToken = ""
	return sessionRow{
		ID:           sess.ID,
		TokenDigest:  sess.TokenDigest,
		Status:       string(sess.Status),
		VolunteerID:  sess.VolunteerID,
		StartedAt:    sess.StartedAt,
		LastActivity: sess.LastActivity,
		Body:         gormtypes.NewJSONType(body),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *datatypes.CrisisSession) error {
	row := newSessionRow(sess)
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return storage.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*datatypes.CrisisSession, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, storage.ErrSessionNotFound)
	}
	sess := row.Body.Data()
	return &sess, nil
}

func (s *Store) FindSessionByToken(ctx context.Context, tokenDigest string) (*datatypes.CrisisSession, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).Where("token_digest = ?", tokenDigest).First(&row).Error; err != nil {
		return nil, notFound(err, storage.ErrSessionNotFound)
	}
	sess := row.Body.Data()
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *datatypes.CrisisSession) error {
	row := newSessionRow(sess)
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sess.ID).Updates(map[string]any{
		"status":        row.Status,
		"volunteer_id":  row.VolunteerID,
		"last_activity": row.LastActivity,
		"body":          row.Body,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrSessionNotFound
	}
	return nil
}

func (s *Store) CountSessions(ctx context.Context, f storage.SessionFilter) (int, error) {
	q := s.db.WithContext(ctx).Model(&sessionRow{})
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if !f.StartedFrom.IsZero() {
		q = q.Where("started_at >= ?", f.StartedFrom)
	}
	if f.VolunteerID != "" {
		q = q.Where("volunteer_id = ?", f.VolunteerID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*datatypes.CrisisSession, error) {
	q := s.db.WithContext(ctx).
		Where("status NOT IN ?", []string{string(datatypes.StatusResolved), string(datatypes.StatusEnded)}).
		Where("last_activity < ?", cutoff).
		Order("last_activity ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*datatypes.CrisisSession, len(rows))
	for i, r := range rows {
		sess := r.Body.Data()
		out[i] = &sess
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
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", msg.SessionID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrSessionNotFound
		}
		return tx.Create(&messageRow{
			ID:        stored.ID,
			SessionID: stored.SessionID,
			Sequence:  stored.Sequence,
			CreatedAt: stored.CreatedAt,
			Body:      gormtypes.NewJSONType(*stored),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*datatypes.StoredMessage, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, storage.ErrMessageNotFound)
	}
	m := row.Body.Data()
	return &m, nil
}

// =============================================================================
// Resources, Metrics, Overrides
// =============================================================================

func (s *Store) ListResources(ctx context.Context, f storage.ResourceFilter) ([]datatypes.Resource, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if f.Region != "" {
		q = q.Where("region = ? OR region = ''", f.Region)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Only24x7 {
		q = q.Where("available_24x7 = ?", true)
	}
	if f.MaxResults > 0 {
		q = q.Limit(f.MaxResults)
	}
	var rows []resourceRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]datatypes.Resource, len(rows))
	for i, r := range rows {
		out[i] = r.Body.Data()
	}
	return out, nil
}

func (s *Store) UpsertResource(ctx context.Context, r datatypes.Resource) error {
	row := resourceRow{
		ID:            r.ID,
		Region:        r.Region,
		Kind:          r.Kind,
		Available24x7: r.Available24x7,
		Body:          gormtypes.NewJSONType(r),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) RecordMetric(ctx context.Context, m datatypes.MetricSample) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}
	return s.db.WithContext(ctx).Create(&metricRow{
		Operation:  m.Operation,
		DurationUS: m.Duration.Microseconds(),
		Success:    m.Success,
		Timestamp:  m.Timestamp,
	}).Error
}

// PruneMetrics deletes samples older than cutoff.
func (s *Store) PruneMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&metricRow{})
	return res.RowsAffected, res.Error
}

func (s *Store) RecordOverride(ctx context.Context, rec datatypes.OverrideRecord) error {
	row := overrideRow{
		OverrideID:  rec.OverrideID,
		SessionID:   rec.SessionID,
		CompletedAt: rec.CompletedAt,
		Body:        gormtypes.NewJSONType(rec),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) GetOverride(ctx context.Context, id string) (*datatypes.OverrideRecord, error) {
	var row overrideRow
	if err := s.db.WithContext(ctx).Where("override_id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, storage.ErrOverrideNotFound)
	}
	rec := row.Body.Data()
	return &rec, nil
}

// =============================================================================
// Volunteers
// =============================================================================

func (s *Store) ListCandidates(ctx context.Context, q storage.VolunteerQuery) ([]datatypes.Volunteer, error) {
	db := s.db.WithContext(ctx).
		Where("available = ?", true).
		Where("max_concurrent > 0 AND current_load < max_concurrent").
		Where("response_rate >= ? AND average_rating >= ?", q.MinResponseRate, q.MinRating).
		Order("id ASC")
	if q.MaxBurnout > 0 {
		db = db.Where("burnout_score <= ?", q.MaxBurnout)
	}
	if q.EmergencyOnly {
		db = db.Where("emergency_responder = ?", true)
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var rows []volunteerRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]datatypes.Volunteer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.volunteer())
	}
	return out, nil
}

func (s *Store) GetVolunteer(ctx context.Context, id string) (*datatypes.Volunteer, error) {
	var row volunteerRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, storage.ErrVolunteerNotFound)
	}
	v := row.volunteer()
	return &v, nil
}

// IncrementLoad takes a slot with one conditional UPDATE, so concurrent
// callers can never push a volunteer past MaxConcurrent.
func (s *Store) IncrementLoad(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&volunteerRow{}).
		Where("id = ? AND current_load < max_concurrent", id).
		Updates(map[string]any{
			"current_load": gorm.Expr("current_load + 1"),
			"last_active":  s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetVolunteer(ctx, id); err != nil {
		return err
	}
	return storage.ErrCapacityExceeded
}

func (s *Store) DecrementLoad(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&volunteerRow{}).
		Where("id = ? AND current_load > 0", id).
		Update("current_load", gorm.Expr("current_load - 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetVolunteer(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertVolunteer(ctx context.Context, v datatypes.Volunteer) error {
	row := volunteerRow{
		ID:                 v.ID,
		Available:          v.Available,
		EmergencyResponder: v.EmergencyResponder,
		CurrentLoad:        v.CurrentLoad,
		MaxConcurrent:      v.MaxConcurrent,
		ResponseRate:       v.ResponseRate,
		AverageRating:      v.AverageRating,
		BurnoutScore:       v.BurnoutScore,
		LastActive:         v.LastActive,
		Body:               gormtypes.NewJSONType(v),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

var _ storage.Backend = (*Store)(nil)
