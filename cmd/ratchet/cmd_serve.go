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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRatchet/pkg/logging"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/config"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/sandbox"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/telemetry"
)

func newServeCmd(_ *cliOptions) *cobra.Command {
	var (
		configPath string
		addr       string
		inMemory   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ratchet HTTP server",
		Long: `Loads configuration (file, then RATCHET_* environment overrides), opens
the snapshot store and ledger, restores every persisted namespace and serves
the API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if inMemory {
				cfg.Storage.InMemory = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("RATCHET_CONFIG"), "config file (.yaml, .toml or .json)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "keep snapshots in memory only")
	return cmd
}

// runServer wires logging, telemetry, the service and the HTTP server.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LoggerConfig("ratchet"))
	defer logger.Close()
	logger.Install()
	log := logger.Slog()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg.Telemetry.ServiceVersion = ratchet.ServiceVersion
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()
	sandbox.SetMetricsEnabled(cfg.Telemetry.MetricExporter != telemetry.ExporterNone)

	authOpts, err := cfg.AuthOptions()
	if err != nil {
		return err
	}
	if n := len(cfg.Server.APITokens); n > 0 {
		log.Info("bearer token auth enabled", slog.Int("tokens", n))
	}

	svc, err := ratchet.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error("service close failed", slog.String("error", err.Error()))
		}
	}()

	handlers := ratchet.NewHandlers(svc, log).
		WithTrialRateLimit(cfg.Server.TrialRate, cfg.Server.TrialBurst).
		WithExtensions(authOpts)
	router := ratchet.NewRouter(handlers, ratchet.RouterOptions{
		ServiceName: cfg.Telemetry.ServiceName,
		Tracing:     cfg.Pipeline.TracingEnabled,
	})
	return ratchet.Serve(ctx, ratchet.ServerConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	}, router, log)
}
