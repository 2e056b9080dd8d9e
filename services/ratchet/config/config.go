// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the ratchet service configuration.
//
// # Description
//
// Load layers four sources, later ones winning: DefaultConfig, an optional
// file (.yaml/.yml, .toml or .json, chosen by extension), RATCHET_*
// environment variables, and finally Validate. Durations are written as
// strings such as "30s" in every file format.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRatchet/pkg/extensions"
	"github.com/AleutianAI/AleutianRatchet/pkg/logging"
	"github.com/AleutianAI/AleutianRatchet/pkg/validation"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/coherence"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/division"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/gate"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/sandbox"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/stability"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/telemetry"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/tolerance"
)

var (
	// ErrUnsupportedFormat is returned for a config file extension Load
	// cannot parse.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")
)

// Duration is a time.Duration that reads and writes as "1m30s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Storage   StorageConfig    `json:"storage" yaml:"storage" toml:"storage"`
	Ledger    LedgerConfig     `json:"ledger" yaml:"ledger" toml:"ledger"`
	Pipeline  PipelineConfig   `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Gate      gate.Config      `json:"gate" yaml:"gate" toml:"gate"`
	Coherence coherence.Config `json:"coherence" yaml:"coherence" toml:"coherence"`
	Tolerance tolerance.Config `json:"tolerance" yaml:"tolerance" toml:"tolerance"`
	Stability stability.Config `json:"stability" yaml:"stability" toml:"stability"`
	Risk      risk.Config      `json:"risk" yaml:"risk" toml:"risk"`
	Division  division.Config  `json:"division" yaml:"division" toml:"division"`
	Logging   LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr" toml:"addr" validate:"required"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gte=0"`

	// TrialRate is the sustained trials per second allowed per namespace.
	// Zero disables limiting.
	TrialRate  float64 `json:"trial_rate" yaml:"trial_rate" toml:"trial_rate" validate:"gte=0"`
	TrialBurst int     `json:"trial_burst" yaml:"trial_burst" toml:"trial_burst" validate:"gte=0"`

	// Namespaces are opened at startup; others are created on first use.
	Namespaces []string `json:"namespaces" yaml:"namespaces" toml:"namespaces" validate:"dive,required,excludesall=/?#"`

	// APITokens enables bearer token auth. Empty leaves the API open.
	APITokens []extensions.TokenIdentity `json:"api_tokens,omitempty" yaml:"api_tokens,omitempty" toml:"api_tokens,omitempty" validate:"dive"`
}

// StorageConfig configures the badger snapshot store.
type StorageConfig struct {
	Dir        string   `json:"dir" yaml:"dir" toml:"dir"`
	InMemory   bool     `json:"in_memory" yaml:"in_memory" toml:"in_memory"`
	SyncWrites bool     `json:"sync_writes" yaml:"sync_writes" toml:"sync_writes"`
	GCInterval Duration `json:"gc_interval" yaml:"gc_interval" toml:"gc_interval" validate:"gte=0"`
}

// LedgerConfig configures the JSONL event ledger.
type LedgerConfig struct {
	Path        string   `json:"path" yaml:"path" toml:"path" validate:"required"`
	Fsync       bool     `json:"fsync" yaml:"fsync" toml:"fsync"`
	LockTimeout Duration `json:"lock_timeout" yaml:"lock_timeout" toml:"lock_timeout" validate:"gte=0"`
}

// PipelineConfig is the file form of sandbox.Config.
type PipelineConfig struct {
	CheckpointCapacity int      `json:"checkpoint_capacity" yaml:"checkpoint_capacity" toml:"checkpoint_capacity" validate:"gte=1"`
	TrialTimeout       Duration `json:"trial_timeout" yaml:"trial_timeout" toml:"trial_timeout" validate:"gte=0"`
	TrialHistory       int      `json:"trial_history" yaml:"trial_history" toml:"trial_history" validate:"gte=1"`
	TracingEnabled     bool     `json:"tracing_enabled" yaml:"tracing_enabled" toml:"tracing_enabled"`
}

// LoggingConfig is the file form of logging.Config.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `json:"json" yaml:"json" toml:"json"`
	Dir   string `json:"dir" yaml:"dir" toml:"dir"`
}

// DefaultConfig returns a configuration that runs locally with data under
// ./ratchet-data.
func DefaultConfig() Config {
	pipe := sandbox.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8089",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(2 * time.Minute),
			ShutdownTimeout: Duration(10 * time.Second),
			TrialRate:       5,
			TrialBurst:      10,
			Namespaces:      []string{"default"},
		},
		Storage: StorageConfig{
			Dir:        filepath.Join("ratchet-data", "state"),
			SyncWrites: true,
			GCInterval: Duration(5 * time.Minute),
		},
		Ledger: LedgerConfig{
			Path:        filepath.Join("ratchet-data", "ledger.jsonl"),
			LockTimeout: Duration(5 * time.Second),
		},
		Pipeline: PipelineConfig{
			CheckpointCapacity: pipe.CheckpointCapacity,
			TrialTimeout:       Duration(pipe.TrialTimeout),
			TrialHistory:       pipe.TrialHistory,
		},
		Gate:      gate.DefaultConfig(),
		Coherence: coherence.DefaultConfig(),
		Tolerance: tolerance.DefaultConfig(),
		Stability: stability.DefaultConfig(),
		Division:  division.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, path (if non-empty), and the
// environment, then validates it.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: File, parse, environment or validation failure. Validation
//     failures wrap ErrInvalidConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("parse %s: unknown keys %v", path, undecoded)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

// Validate checks struct tags and the constraints tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateNamespaces(c.Server.Namespaces); err != nil {
		return fmt.Errorf("%w: server.namespaces: %v", ErrInvalidConfig, err)
	}
	if !c.Storage.InMemory && c.Storage.Dir == "" {
		return fmt.Errorf("%w: storage.dir is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	if c.Server.TrialRate > 0 && c.Server.TrialBurst < 1 {
		return fmt.Errorf("%w: server.trial_burst must be at least 1 when trial_rate is set", ErrInvalidConfig)
	}
	if c.Tolerance.BandDegrees >= c.Tolerance.TargetDegrees {
		return fmt.Errorf("%w: tolerance.band_degrees must be below target_degrees", ErrInvalidConfig)
	}
	if c.Stability.RecordAbs > c.Stability.CriticalAbs || c.Stability.RecordRel > c.Stability.CriticalRel {
		return fmt.Errorf("%w: stability record thresholds must not exceed critical thresholds", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SandboxConfig converts the pipeline section for sandbox.New.
func (c *Config) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		CheckpointCapacity: c.Pipeline.CheckpointCapacity,
		TrialTimeout:       c.Pipeline.TrialTimeout.Std(),
		TrialHistory:       c.Pipeline.TrialHistory,
		TracingEnabled:     c.Pipeline.TracingEnabled,
		Division:           c.Division,
	}
}

// AuthOptions builds the API auth extensions. Without configured tokens
// every request runs as the local admin.
func (c *Config) AuthOptions() (extensions.ServiceOptions, error) {
	if len(c.Server.APITokens) == 0 {
		return extensions.DefaultOptions(), nil
	}
	provider, err := extensions.NewStaticTokenProvider(c.Server.APITokens)
	if err != nil {
		return extensions.ServiceOptions{}, fmt.Errorf("%w: server.api_tokens: %v", ErrInvalidConfig, err)
	}
	return extensions.ServiceOptions{
		AuthProvider:  provider,
		AuthzProvider: extensions.RoleAuthorizer{},
	}, nil
}

// LoggerConfig converts the logging section for logging.New.
func (c *Config) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
	}
}

// WriteDefault writes DefaultConfig to path in the format its extension
// names. Parent directories are created; an existing file is not replaced.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	cfg := DefaultConfig()
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New(validator.WithRequiredStructEnabled())
