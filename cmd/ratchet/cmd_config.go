// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/config"
)

func newConfigCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check server configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration (.yaml, .toml or .json)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				path := "ratchet.yaml"
				if len(args) == 1 {
					path = args[0]
				}
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				opts.printer().Success("wrote " + path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate [path]",
			Short: "Load a configuration with environment overrides and validate it",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				path := os.Getenv("RATCHET_CONFIG")
				if len(args) == 1 {
					path = args[0]
				}
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				if ok, err := opts.emit(cfg); ok || err != nil {
					return err
				}
				p := opts.printer()
				p.Success("configuration is valid")
				p.KV(
					[2]string{"addr", cfg.Server.Addr},
					[2]string{"namespaces", fmt.Sprint(cfg.Server.Namespaces)},
					[2]string{"storage", storageDesc(cfg)},
					[2]string{"ledger", cfg.Ledger.Path},
					[2]string{"traces", cfg.Telemetry.TraceExporter},
					[2]string{"metrics", cfg.Telemetry.MetricExporter},
				)
				return nil
			},
		},
		&cobra.Command{
			Use:   "env",
			Short: "List the environment variables that override the configuration",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				for _, k := range config.EnvKeys() {
					fmt.Fprintln(opts.out, k)
				}
				return nil
			},
		},
	)
	return cmd
}

func storageDesc(cfg *config.Config) string {
	if cfg.Storage.InMemory {
		return "in memory"
	}
	return cfg.Storage.Dir
}
