// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/storage/badger"
)

const snapshotKeyPrefix = "snapshot:"

// ErrNoSnapshot is returned by Load when nothing was saved for a namespace.
var ErrNoSnapshot = errors.New("no persisted snapshot")

// Store persists canonical snapshots per namespace.
type Store interface {
	Save(ctx context.Context, namespace string, s *Snapshot) error
	Load(ctx context.Context, namespace string) (*Snapshot, error)
	Namespaces(ctx context.Context) ([]string, error)
}

// BadgerStore keeps the latest committed snapshot of each namespace in
// BadgerDB under "snapshot:{namespace}".
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger.With("component", "snapshot_store")}
}

// Save overwrites the namespace's snapshot.
func (s *BadgerStore) Save(ctx context.Context, namespace string, snap *Snapshot) error {
	if err := s.db.PutJSON(ctx, snapshotKeyPrefix+namespace, snap.View()); err != nil {
		return fmt.Errorf("save snapshot %s: %w", namespace, err)
	}
	s.logger.Debug("snapshot saved",
		slog.String("namespace", namespace),
		slog.Uint64("version", snap.Version()))
	return nil
}

// Load returns the namespace's snapshot, or ErrNoSnapshot.
func (s *BadgerStore) Load(ctx context.Context, namespace string) (*Snapshot, error) {
	var v View
	if err := s.db.GetJSON(ctx, snapshotKeyPrefix+namespace, &v); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, namespace)
		}
		return nil, fmt.Errorf("load snapshot %s: %w", namespace, err)
	}
	return FromView(v), nil
}

// Namespaces lists every namespace with a saved snapshot.
func (s *BadgerStore) Namespaces(ctx context.Context) ([]string, error) {
	keys, err := s.db.Keys(ctx, snapshotKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, snapshotKeyPrefix))
	}
	return out, nil
}
