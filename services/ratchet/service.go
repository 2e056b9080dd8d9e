// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratchet is the HTTP service in front of the staged validation
// pipelines.
//
// # Description
//
// A Service owns one sandbox.Pipeline per namespace together with the
// components every pipeline shares: the event ledger, the snapshot store,
// the admission gate and its validators, and the energy accountant.
// Handlers expose the pipelines over gin; RegisterRoutes wires them under
// /v1.
package ratchet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianRatchet/pkg/validation"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/coherence"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/config"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/gate"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/sandbox"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/stability"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/state"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/storage/badger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/tolerance"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

var (
	// ErrInvalidNamespace is returned for an empty or malformed namespace.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrServiceClosed is returned after Close.
	ErrServiceClosed = errors.New("service closed")
)

// Components are shared by every pipeline of a Service. Store is optional.
type Components struct {
	Ledger     *ledger.Ledger
	Store      state.Store
	Gate       *gate.Gate
	Accountant *energy.Accountant
	Auditor    *stability.Auditor
	Risk       *risk.Classifier
}

// Service is the namespace registry.
//
// # Thread Safety
//
// Safe for concurrent use. Pipelines serialise their own operations.
type Service struct {
	cfg    sandbox.Config
	comps  Components
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*sandbox.Pipeline
	closers   []func() error
	closed    bool
}

// NewService creates a registry over already-built components.
//
// # Outputs
//
//   - *Service: Empty registry; pipelines are created on first use.
//   - error: Ledger, Gate or Accountant missing.
func NewService(cfg sandbox.Config, comps Components, logger *slog.Logger) (*Service, error) {
	if comps.Ledger == nil || comps.Gate == nil || comps.Accountant == nil {
		return nil, errors.New("ratchet: ledger, gate and accountant are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		comps:     comps,
		logger:    logger.With("component", "ratchet_service"),
		pipelines: make(map[string]*sandbox.Pipeline),
	}, nil
}

// Open builds every component from cfg and opens the configured namespaces
// plus every namespace with a persisted snapshot.
//
// # Outputs
//
//   - *Service: Ready to serve. Close releases the ledger and the database.
//   - error: Storage, ledger or component construction failure; anything
//     opened before the failure is closed again.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	dbCfg := badger.InMemoryConfig()
	if !cfg.Storage.InMemory {
		dbCfg = badger.DefaultConfig()
		dbCfg.Path = cfg.Storage.Dir
		dbCfg.SyncWrites = cfg.Storage.SyncWrites
		dbCfg.GCInterval = cfg.Storage.GCInterval.Std()
	}
	dbCfg.Logger = logger
	db, err := badger.OpenDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	closers = append(closers, db.Close)
	store := state.NewBadgerStore(db, logger)

	l, err := ledger.Open(ledger.Config{
		Path:        cfg.Ledger.Path,
		Fsync:       cfg.Ledger.Fsync,
		LockTimeout: cfg.Ledger.LockTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	closers = append(closers, l.Close)

	classifier, err := risk.NewClassifier(cfg.Risk, logger)
	if err != nil {
		return nil, fmt.Errorf("risk classifier: %w", err)
	}
	auditor := stability.NewAuditor(cfg.Stability, logger)
	accountant := energy.NewAccountant(0, logger)
	g := gate.New(cfg.Gate, gate.Deps{
		Coherence:  coherence.NewValidator(cfg.Coherence, nil, logger),
		Tolerance:  tolerance.NewMonitor(cfg.Tolerance, nil, logger),
		Stability:  auditor,
		Risk:       classifier,
		Accountant: accountant,
	}, logger)

	svc, err = NewService(cfg.SandboxConfig(), Components{
		Ledger:     l,
		Store:      store,
		Gate:       g,
		Accountant: accountant,
		Auditor:    auditor,
		Risk:       classifier,
	}, logger)
	if err != nil {
		return nil, err
	}
	svc.closers = closers

	persisted, err := store.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range append(slices.Clone(cfg.Server.Namespaces), persisted...) {
		if _, err := svc.Pipeline(ctx, ns); err != nil {
			_ = svc.Close()
			svc = nil
			closers = nil
			return nil, fmt.Errorf("open namespace %s: %w", ns, err)
		}
	}
	svc.logger.Info("service opened",
		slog.Int("namespaces", len(svc.Namespaces())),
		slog.String("ledger", l.Path()),
		slog.Bool("in_memory", cfg.Storage.InMemory))
	return svc, nil
}

// ValidateNamespace reports whether ns can name a pipeline.
func ValidateNamespace(ns string) error {
	if err := validation.ValidateNamespace(ns); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNamespace, err)
	}
	return nil
}

// Pipeline returns the pipeline for ns, creating it on first use.
func (s *Service) Pipeline(ctx context.Context, ns string) (*sandbox.Pipeline, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}
	s.mu.RLock()
	p, ok := s.pipelines[ns]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrServiceClosed
	}
	if ok {
		return p, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	if p, ok := s.pipelines[ns]; ok {
		return p, nil
	}
	p, err := sandbox.New(ctx, ns, s.cfg, sandbox.Deps{
		Ledger:     s.comps.Ledger,
		Gate:       s.comps.Gate,
		Accountant: s.comps.Accountant,
		Auditor:    s.comps.Auditor,
		Store:      s.comps.Store,
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.pipelines[ns] = p
	s.logger.Info("pipeline created", slog.String("namespace", ns))
	return p, nil
}

// Lookup returns an existing pipeline without creating one.
func (s *Service) Lookup(ns string) (*sandbox.Pipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[ns]
	return p, ok
}

// Namespaces lists the open pipelines, sorted.
func (s *Service) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.pipelines))
}

// Ledger returns the shared event ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.comps.Ledger }

// Risk returns the shared risk classifier, which may be nil.
func (s *Service) Risk() *risk.Classifier { return s.comps.Risk }

// Auditor returns the shared stability auditor, which may be nil.
func (s *Service) Auditor() *stability.Auditor { return s.comps.Auditor }

// Close closes every pipeline, then whatever Open created, newest first.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pipelines := slices.Collect(maps.Values(s.pipelines))
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("service closed", slog.Int("namespaces", len(pipelines)))
	return errors.Join(errs...)
}
