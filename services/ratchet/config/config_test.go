// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRatchet/pkg/extensions"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Pipeline.CheckpointCapacity)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.TrialTimeout.Std())
	assert.Equal(t, 0.3, cfg.Gate.RiskThreshold)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "ratchet.yaml", `
server:
  addr: ":9000"
  namespaces: [alpha, beta]
pipeline:
  checkpoint_capacity: 3
  trial_timeout: 1m30s
  trial_history: 5
gate:
  risk_threshold: 0.25
  efficiency_baseline: 0.2
  documentation_coverage: 0.8
  test_coverage: 0.6
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Server.Namespaces)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.TrialTimeout.Std())
	assert.Equal(t, 0.25, cfg.Gate.RiskThreshold)
	assert.Equal(t, DefaultConfig().Tolerance, cfg.Tolerance, "unset sections keep defaults")

	sb := cfg.SandboxConfig()
	assert.Equal(t, 3, sb.CheckpointCapacity)
	assert.Equal(t, 90*time.Second, sb.TrialTimeout)
	assert.Equal(t, 5, sb.TrialHistory)
}

func TestLoad_YAMLRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "ratchet.yml", "pipeline:\n  checkpoint_capacty: 3\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "ratchet.toml", `
[server]
addr = ":7000"
trial_rate = 0.0

[ledger]
path = "/tmp/ledger.jsonl"
lock_timeout = "2s"

[tolerance]
samples = 200
perturbations = 10
max_perturbation_degrees = 20.0
target_degrees = 9.0
band_degrees = 2.0
workers = 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Zero(t, cfg.Server.TrialRate)
	assert.Equal(t, "/tmp/ledger.jsonl", cfg.Ledger.Path)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout.Std())
	assert.Equal(t, 200, cfg.Tolerance.Samples)

	bad := writeFile(t, "bad.toml", "[server]\nadress = \":1\"\n")
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "ratchet.json", `{"pipeline": {"checkpoint_capacity": 4, "trial_timeout": "500ms", "trial_history": 10}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.CheckpointCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.TrialTimeout.Std())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "ratchet.ini", "x=1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "ratchet.yaml", "pipeline:\n  trial_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "ratchet.yaml", "pipeline:\n  checkpoint_capacity: 0\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate_CrossField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"storage dir required on disk", func(c *Config) { c.Storage.Dir = "" }},
		{"burst required with rate", func(c *Config) { c.Server.TrialBurst = 0 }},
		{"band wider than target", func(c *Config) { c.Tolerance.BandDegrees = 10 }},
		{"record above critical", func(c *Config) { c.Stability.RecordAbs = 1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"unknown exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }},
		{"namespace with slash", func(c *Config) { c.Server.Namespaces = []string{"a/b"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Storage.Dir = ""
	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RATCHET_ADDR":                ":1234",
		"RATCHET_NAMESPACES":          "a, b,,c",
		"RATCHET_CHECKPOINT_CAPACITY": "7",
		"RATCHET_TRIAL_TIMEOUT":       "5s",
		"RATCHET_IN_MEMORY":           "true",
		"RATCHET_LOG_LEVEL":           "  ",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":1234", cfg.Server.Addr)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Server.Namespaces)
	assert.Equal(t, 7, cfg.Pipeline.CheckpointCapacity)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.TrialTimeout.Std())
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "info", cfg.Logging.Level, "blank values are ignored")

	env["RATCHET_TRIAL_BURST"] = "many"
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATCHET_TRIAL_BURST")
	assert.Contains(t, EnvKeys(), "RATCHET_LEDGER_PATH")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("RATCHET_ADDR", ":4321")
	path := writeFile(t, "ratchet.yaml", "server:\n  addr: \":9000\"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4321", cfg.Server.Addr)
}

func TestWriteDefault(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "nested", "ratchet.yaml")
	require.NoError(t, WriteDefault(yamlPath))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
	assert.Error(t, WriteDefault(yamlPath), "existing files are kept")

	tomlPath := filepath.Join(dir, "ratchet.toml")
	require.NoError(t, WriteDefault(tomlPath))
	cfg, err = Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pipeline, cfg.Pipeline)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)

	assert.ErrorIs(t, WriteDefault(filepath.Join(dir, "ratchet.txt")), ErrUnsupportedFormat)
}

func TestLoggerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging = LoggingConfig{Level: "warn", JSON: true, Dir: "/tmp/logs"}
	lc := cfg.LoggerConfig("ratchet")
	assert.Equal(t, "ratchet", lc.Service)
	assert.True(t, lc.JSON)
	assert.Equal(t, "/tmp/logs", lc.LogDir)
	assert.Equal(t, "WARN", lc.Level.String())
}

func TestAuthOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts, err := cfg.AuthOptions()
	require.NoError(t, err)
	assert.IsType(t, &extensions.NopAuthProvider{}, opts.AuthProvider)

	env := map[string]string{"RATCHET_API_TOKEN": "env-token-0123456789"}
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }))
	require.NoError(t, cfg.Validate())
	opts, err = cfg.AuthOptions()
	require.NoError(t, err)
	info, err := opts.AuthProvider.Validate(context.Background(), "env-token-0123456789")
	require.NoError(t, err)
	assert.Equal(t, "env-admin", info.UserID)
	assert.True(t, info.HasRole(extensions.RoleAdmin))
}

func TestValidate_APITokens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APITokens = []extensions.TokenIdentity{{Token: "short", UserID: "a"}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Server.APITokens = []extensions.TokenIdentity{{Token: "long-enough-token-1", UserID: "a", Roles: []string{"root"}}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Server.APITokens[0].Roles = []string{extensions.RoleOperator}
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLTokens(t *testing.T) {
	path := writeFile(t, "ratchet.yaml", `server:
  api_tokens:
    - token: ops-token-0123456789
      user_id: ops
      roles: [operator]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Server.APITokens, 1)
	assert.Equal(t, "ops", cfg.Server.APITokens[0].UserID)
}
