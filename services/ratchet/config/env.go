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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRatchet/pkg/extensions"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RATCHET_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	name  string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"NAMESPACES", func(c *Config, v string) error { c.Server.Namespaces = splitList(v); return nil }},
	{"TRIAL_RATE", func(c *Config, v string) error { return setFloat(&c.Server.TrialRate, v) }},
	{"TRIAL_BURST", func(c *Config, v string) error { return setInt(&c.Server.TrialBurst, v) }},
	{"DATA_DIR", func(c *Config, v string) error { c.Storage.Dir = v; return nil }},
	{"IN_MEMORY", func(c *Config, v string) error { return setBool(&c.Storage.InMemory, v) }},
	{"LEDGER_PATH", func(c *Config, v string) error { c.Ledger.Path = v; return nil }},
	{"LEDGER_FSYNC", func(c *Config, v string) error { return setBool(&c.Ledger.Fsync, v) }},
	{"CHECKPOINT_CAPACITY", func(c *Config, v string) error { return setInt(&c.Pipeline.CheckpointCapacity, v) }},
	{"TRIAL_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Pipeline.TrialTimeout, v) }},
	{"TRACING", func(c *Config, v string) error { return setBool(&c.Pipeline.TracingEnabled, v) }},
	{"API_TOKEN", func(c *Config, v string) error {
		c.Server.APITokens = append(c.Server.APITokens, extensions.TokenIdentity{
			Token: v, UserID: "env-admin", Roles: []string{extensions.RoleAdmin},
		})
		return nil
	}},
	{"RISK_THRESHOLD", func(c *Config, v string) error { return setFloat(&c.Gate.RiskThreshold, v) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_JSON", func(c *Config, v string) error { return setBool(&c.Logging.JSON, v) }},
	{"LOG_DIR", func(c *Config, v string) error { c.Logging.Dir = v; return nil }},
}

// ApplyEnv overrides fields from RATCHET_* variables found by lookup.
// Empty values are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// EnvKeys lists the recognised variable names.
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = EnvPrefix + b.name
	}
	return keys
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}
