// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crisis

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/emergency"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/engine"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/events"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/middleware"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/observability"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/sessioncrypto"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/badger"
	"github.com/AleutianAI/AleutianCrisis/services/crisis/storage/postgres"
)

// Storage backends accepted in StorageConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// MasterSeedEnv carries the base64 master seed. The seed is never read
// from the config file.
const MasterSeedEnv = "CRISIS_MASTER_SEED"

// =============================================================================
// Configuration
// =============================================================================

// Config holds crisis service configuration.
//
// # Description
//
// Config is loaded from YAML by LoadConfig, overridden by CRISIS_*
// environment variables, then completed by applyConfigDefaults. Optional
// integrations (Kafka, SQS, InfluxDB, Postgres) are pointers; nil
// disables them.
//
// # Examples
//
//	port: 12230
//	public_url: wss://crisis.example.org/v1/sessions/ws
//	storage:
//	  backend: badger
//	  badger:
//	    path: /var/lib/crisis
//	events:
//	  kafka:
//	    brokers: [kafka:9092]
//	    topic: crisis.escalations
//	supervisor_tokens:
//	  sup-1: change-me
type Config struct {
	// Port is the HTTP server port. Default: 12230
	Port int `yaml:"port" validate:"min=0,max=65535"`

	// GinMode is "debug", "release" or "test". Default: "release"
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables tracing.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// PublicURL is the websocket endpoint handed to clients.
	// Default: ws://localhost:{port}/v1/sessions/ws
	PublicURL string `yaml:"public_url"`

	// AllowedOrigins restricts browser websocket origins.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Storage StorageConfig `yaml:"storage"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Engine  engine.Config `yaml:"engine"`

	Emergency emergency.Config `yaml:"emergency"`

	// ContactsFile is a YAML emergency contact registry, reloaded on
	// change. Empty uses the built-in contacts.
	ContactsFile string `yaml:"contacts_file"`

	// LexiconFile replaces the embedded assessment lexicon.
	LexiconFile string `yaml:"lexicon_file"`

	Events    EventsConfig                `yaml:"events"`
	Influx    *observability.InfluxConfig `yaml:"influx"`
	RateLimit middleware.RateLimitConfig  `yaml:"rate_limit"`

	// AuditLogPath is the hash-chained audit file.
	// Default: ./logs/crisis_audit.log
	AuditLogPath string `yaml:"audit_log_path"`

	// SupervisorTokens maps supervisor ID to bearer token. Empty closes
	// the staff endpoints.
	SupervisorTokens map[string]string `yaml:"supervisor_tokens"`

	Schedule ScheduleConfig `yaml:"schedule"`

	// MasterSeed is decoded from CRISIS_MASTER_SEED.
	MasterSeed []byte `yaml:"-"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	// Backend is memory, badger or postgres. Default: badger
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory badger postgres"`

	Badger   *badger.Config   `yaml:"badger"`
	Postgres *postgres.Config `yaml:"postgres"`

	// MetricRetention bounds stored performance samples on postgres.
	// Default: 7 days
	MetricRetention time.Duration `yaml:"metric_retention"`
}

// CryptoConfig configures session key handling.
type CryptoConfig struct {
	// Iterations overrides the PBKDF2 iteration count.
	Iterations int `yaml:"iterations" validate:"min=0"`

	// AllowInsecureMemory permits heap key storage when mlock is limited.
	AllowInsecureMemory bool `yaml:"allow_insecure_memory"`

	// KeyIdleTimeout destroys session keys unused this long.
	// Default: 30 minutes
	KeyIdleTimeout time.Duration `yaml:"key_idle_timeout"`
}

// EventsConfig enables external escalation sinks.
type EventsConfig struct {
	Kafka *events.KafkaConfig `yaml:"kafka"`
	SQS   *events.SQSConfig   `yaml:"sqs"`
}

// ScheduleConfig holds maintenance job intervals.
type ScheduleConfig struct {
	// Maintenance drives key sweep, idle expiry and connection reaping.
	// Default: 1 minute
	Maintenance time.Duration `yaml:"maintenance"`

	// MatchRetry re-runs matching for waiting sessions. Default: 15s
	MatchRetry time.Duration `yaml:"match_retry"`

	// PerfCheck evaluates latency targets. Default: 30s
	PerfCheck time.Duration `yaml:"perf_check"`

	// ConnectionIdle reaps connections silent this long. Default: 10m
	ConnectionIdle time.Duration `yaml:"connection_idle"`
}

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads path, applies environment overrides and defaults, and
// validates the result.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file and uses environment only.
//
// # Outputs
//
//   - Config: Ready for New
//   - error: Unreadable file, invalid YAML, bad env value or failed validation
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg = applyConfigDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays CRISIS_* variables on cfg.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("CRISIS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CRISIS_PORT: %w", err)
		}
		cfg.Port = port
	}
	str("CRISIS_GIN_MODE", &cfg.GinMode)
	str("CRISIS_PUBLIC_URL", &cfg.PublicURL)
	str("CRISIS_STORAGE_BACKEND", &cfg.Storage.Backend)
	str("CRISIS_CONTACTS_FILE", &cfg.ContactsFile)
	str("CRISIS_AUDIT_LOG", &cfg.AuditLogPath)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.OTelEndpoint = v
	}

	if v, ok := lookup("CRISIS_BADGER_PATH"); ok && v != "" {
		if cfg.Storage.Badger == nil {
			def := badger.DefaultConfig(v)
			cfg.Storage.Badger = &def
		}
		cfg.Storage.Badger.Path = v
	}
	if v, ok := lookup("CRISIS_POSTGRES_DSN"); ok && v != "" {
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &postgres.Config{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v, ok := lookup("CRISIS_KAFKA_BROKERS"); ok && v != "" {
		if cfg.Events.Kafka == nil {
			cfg.Events.Kafka = &events.KafkaConfig{}
		}
		cfg.Events.Kafka.Brokers = strings.Split(v, ",")
	}
	if v, ok := lookup("CRISIS_SQS_QUEUE_URL"); ok && v != "" {
		if cfg.Events.SQS == nil {
			cfg.Events.SQS = &events.SQSConfig{}
		}
		cfg.Events.SQS.QueueURL = v
	}
	if v, ok := lookup("CRISIS_INFLUX_TOKEN"); ok && v != "" && cfg.Influx != nil {
		cfg.Influx.Token = v
	}
	if v, ok := lookup("CRISIS_ALLOW_INSECURE_MEMORY"); ok && v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CRISIS_ALLOW_INSECURE_MEMORY: %w", err)
		}
		cfg.Crypto.AllowInsecureMemory = allow
	}

	if v, ok := lookup(MasterSeedEnv); ok && v != "" {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s is not valid base64: %w", MasterSeedEnv, err)
		}
		cfg.MasterSeed = seed
	}
	return nil
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12230
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("ws://localhost:%d/v1/sessions/ws", cfg.Port)
	}
	if cfg.AuditLogPath == "" {
		cfg.AuditLogPath = "./logs/crisis_audit.log"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendBadger
	}
	if cfg.Storage.Backend == BackendBadger && cfg.Storage.Badger == nil {
		def := badger.DefaultConfig("./data/crisis")
		cfg.Storage.Badger = &def
	}
	if cfg.Storage.MetricRetention <= 0 {
		cfg.Storage.MetricRetention = 7 * 24 * time.Hour
	}

	if cfg.Crypto.KeyIdleTimeout <= 0 {
		cfg.Crypto.KeyIdleTimeout = 30 * time.Minute
	}

	def := engine.DefaultConfig()
	if cfg.Engine.IdleTimeout <= 0 {
		cfg.Engine.IdleTimeout = def.IdleTimeout
	}
	if cfg.Emergency == (emergency.Config{}) {
		cfg.Emergency = emergency.DefaultConfig()
	}

	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 30
	}

	if cfg.Schedule.Maintenance <= 0 {
		cfg.Schedule.Maintenance = time.Minute
	}
	if cfg.Schedule.MatchRetry <= 0 {
		cfg.Schedule.MatchRetry = 15 * time.Second
	}
	if cfg.Schedule.PerfCheck <= 0 {
		cfg.Schedule.PerfCheck = 30 * time.Second
	}
	if cfg.Schedule.ConnectionIdle <= 0 {
		cfg.Schedule.ConnectionIdle = 10 * time.Minute
	}
	return cfg
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// validateConfig checks struct tags and cross-field rules.
func validateConfig(cfg Config) error {
	if err := configValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch cfg.Storage.Backend {
	case BackendBadger:
		if cfg.Storage.Badger == nil || (cfg.Storage.Badger.Path == "" && !cfg.Storage.Badger.InMemory) {
			return errors.New("invalid config: storage.badger.path is required")
		}
	case BackendPostgres:
		if cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
			return errors.New("invalid config: storage.postgres.dsn is required")
		}
	}
	if k := cfg.Events.Kafka; k != nil && (len(k.Brokers) == 0 || k.Topic == "") {
		return errors.New("invalid config: events.kafka needs brokers and topic")
	}
	if q := cfg.Events.SQS; q != nil && q.QueueURL == "" && q.QueueName == "" {
		return errors.New("invalid config: events.sqs needs queue_url or queue_name")
	}
	if len(cfg.MasterSeed) > 0 && len(cfg.MasterSeed) < sessioncrypto.MinMasterSeedBytes {
		return fmt.Errorf("invalid config: %s must decode to at least %d bytes", MasterSeedEnv, sessioncrypto.MinMasterSeedBytes)
	}
	return nil
}
