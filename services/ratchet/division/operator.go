// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package division splits an accepted unit into two descendants.
//
// # Description
//
// The parent's budget is split by ratio r and its capabilities are cut at
// floor(n·r), order preserved. The split must conserve the budget within
// tolerance and partition the capabilities exactly; otherwise nothing is
// written. Each division appends exactly one ledger event.
package division

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

const (
	// DefaultTolerance is the largest budget delta a split may leave.
	DefaultTolerance = 1e-9

	// GoldenRatio is the conventional split, 1/φ to three places.
	GoldenRatio = 0.618
)

var (
	// ErrInput is the root of caller-input errors; it is unit.ErrInput.
	ErrInput = unit.ErrInput

	// ErrInvalidRatio is returned for a ratio outside (0,1) or NaN.
	ErrInvalidRatio = fmt.Errorf("%w: split ratio must be in (0,1)", ErrInput)

	// ErrConservationViolation is returned when the split loses budget or
	// capabilities. Nothing is written when it occurs.
	ErrConservationViolation = errors.New("conservation violation")
)

// EventLog is the part of the ledger the operator writes to.
type EventLog interface {
	Append(ctx context.Context, eventType, namespace, unitID string, payload any) (ledger.Event, error)
	CountType(ctx context.Context, eventType string) (int, error)
}

// Conservation is the proof attached to every record.
type Conservation struct {
	Before           float64 `json:"before"`
	After            float64 `json:"after"`
	Delta            float64 `json:"delta"`
	Tolerance        float64 `json:"tolerance"`
	CapabilityDigest string  `json:"capability_digest"`
	Partitioned      bool    `json:"partitioned"`
	WithinTolerance  bool    `json:"within_tolerance"`
}

// Record is the payload of a division ledger event.
type Record struct {
	ParentID       string       `json:"parent_id"`
	ChildIDs       [2]string    `json:"child_ids"`
	Ratio          float64      `json:"ratio"`
	Namespace      string       `json:"namespace,omitempty"`
	ChildBudgets   [2]float64   `json:"child_budgets"`
	Capabilities   [2][]string  `json:"capabilities"`
	ParentChecksum string       `json:"parent_checksum"`
	ChildChecksums [2]string    `json:"child_checksums"`
	Conservation   Conservation `json:"conservation"`
	Timestamp      time.Time    `json:"timestamp"`
	EventID        string       `json:"event_id,omitempty"`
	Seq            uint64       `json:"seq,omitempty"`
}

// Outcome is a completed division.
type Outcome struct {
	Record   *Record
	Children [2]*unit.Unit
}

// Config configures an Operator.
type Config struct {
	Tolerance float64 `json:"tolerance" yaml:"tolerance" toml:"tolerance" validate:"gte=0"`
}

// DefaultConfig returns a tolerance of 1e-9.
func DefaultConfig() Config {
	return Config{Tolerance: DefaultTolerance}
}

// Operator divides units for one namespace.
//
// # Thread Safety
//
// Safe for concurrent use. Child ids stay unique because the counter is
// atomic; callers still serialise divisions of the same parent.
type Operator struct {
	cfg       Config
	namespace string
	log       EventLog
	logger    *slog.Logger

	seedMu  sync.Mutex
	seeded  bool
	counter atomic.Uint64

	splitBudget func(budget, ratio float64) (float64, float64)
}

// New creates an operator writing division events for namespace.
func New(cfg Config, namespace string, log EventLog, logger *slog.Logger) *Operator {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Operator{
		cfg:       cfg,
		namespace: namespace,
		log:       log,
		logger:    logger.With("component", "division", "namespace", namespace),
		splitBudget: func(b, r float64) (float64, float64) {
			return b * r, b * (1 - r)
		},
	}
}

// Divide splits parent at ratio and records the division. It is Plan
// followed by Record.
//
// # Inputs
//
//   - ctx: For the ledger write.
//   - parent: An accepted unit. It is not modified.
//   - ratio: Share of budget and capabilities for the first child.
//
// # Outputs
//
//   - *Outcome: The record (already in the ledger) and both children.
//   - error: ErrInvalidRatio, ErrConservationViolation, or a ledger error.
//     The ledger is untouched on the first two.
func (o *Operator) Divide(ctx context.Context, parent *unit.Unit, ratio float64) (*Outcome, error) {
	out, err := o.Plan(ctx, parent, ratio)
	if err != nil {
		return nil, err
	}
	if err := o.Record(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plan computes a division without writing it. The children carry their
// final ids, so callers can stage dependent state before Record.
//
// # Outputs
//
//   - *Outcome: The unrecorded division; Record.EventID is empty.
//   - error: ErrInvalidRatio, ErrConservationViolation, or an error seeding
//     the child-id counter.
func (o *Operator) Plan(ctx context.Context, parent *unit.Unit, ratio float64) (*Outcome, error) {
	if parent == nil || parent.ID == "" {
		return nil, fmt.Errorf("%w: parent unit is required", ErrInput)
	}
	if math.IsNaN(ratio) || ratio <= 0 || ratio >= 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}

	b1, b2 := o.splitBudget(parent.Budget, ratio)
	k := int(math.Floor(float64(len(parent.Capabilities)) * ratio))
	caps1 := slices.Clone(parent.Capabilities[:k])
	caps2 := slices.Clone(parent.Capabilities[k:])

	proof := Conservation{
		Before:           parent.Budget,
		After:            b1 + b2,
		Tolerance:        o.cfg.Tolerance,
		CapabilityDigest: CapabilityDigest(parent.Capabilities),
	}
	proof.Delta = proof.After - proof.Before
	proof.WithinTolerance = math.Abs(proof.Delta) < o.cfg.Tolerance && b1 >= 0 && b2 >= 0
	proof.Partitioned = CapabilityDigest(append(slices.Clone(caps1), caps2...)) == proof.CapabilityDigest &&
		len(caps1)+len(caps2) == len(parent.Capabilities)
	if !proof.WithinTolerance || !proof.Partitioned {
		o.logger.Error("division rejected",
			slog.String("parent_id", parent.ID),
			slog.Float64("delta", proof.Delta),
			slog.Bool("partitioned", proof.Partitioned))
		return nil, fmt.Errorf("%w: parent %s delta %g partitioned %t",
			ErrConservationViolation, parent.ID, proof.Delta, proof.Partitioned)
	}

	n, err := o.next(ctx)
	if err != nil {
		return nil, err
	}
	parentGenome := parent.Genome.Sealed()
	children := [2]*unit.Unit{
		o.child(parent, fmt.Sprintf("%s.%d.1", parent.ID, n), b1, caps1),
		o.child(parent, fmt.Sprintf("%s.%d.2", parent.ID, n), b2, caps2),
	}

	rec := &Record{
		ParentID:       parent.ID,
		ChildIDs:       [2]string{children[0].ID, children[1].ID},
		Ratio:          ratio,
		Namespace:      o.namespace,
		ChildBudgets:   [2]float64{b1, b2},
		Capabilities:   [2][]string{caps1, caps2},
		ParentChecksum: parentGenome.Checksum,
		ChildChecksums: [2]string{children[0].Genome.Checksum, children[1].Genome.Checksum},
		Conservation:   proof,
		Timestamp:      time.Now().UTC(),
	}
	return &Outcome{Record: rec, Children: children}, nil
}

// Record appends a planned division to the ledger and stamps the event id
// and sequence onto out.Record.
func (o *Operator) Record(ctx context.Context, out *Outcome) error {
	if out == nil || out.Record == nil {
		return fmt.Errorf("%w: planned division is required", ErrInput)
	}
	rec := out.Record
	ev, err := o.log.Append(ctx, ledger.TypeDivision, o.namespace, rec.ParentID, rec)
	if err != nil {
		return fmt.Errorf("record division of %s: %w", rec.ParentID, err)
	}
	rec.EventID, rec.Seq = ev.ID, ev.Seq

	o.logger.Info("unit divided",
		slog.String("parent_id", rec.ParentID),
		slog.String("child_1", rec.ChildIDs[0]),
		slog.String("child_2", rec.ChildIDs[1]),
		slog.Float64("ratio", rec.Ratio))
	return nil
}

// next returns the next division counter, seeding it from the ledger's
// division events on first use so ids survive restarts.
func (o *Operator) next(ctx context.Context) (uint64, error) {
	o.seedMu.Lock()
	if !o.seeded {
		n, err := o.log.CountType(ctx, ledger.TypeDivision)
		if err != nil {
			o.seedMu.Unlock()
			return 0, fmt.Errorf("seed division counter: %w", err)
		}
		o.counter.Store(uint64(n))
		o.seeded = true
	}
	o.seedMu.Unlock()
	return o.counter.Add(1), nil
}

func (o *Operator) child(parent *unit.Unit, id string, budget float64, caps []string) *unit.Unit {
	c := parent.Clone()
	c.ID = id
	c.Generation = parent.Generation + 1
	c.Lineage = append(slices.Clone(parent.Lineage), parent.ID)
	c.Budget = budget
	c.Capabilities = caps
	c.Genome = parent.Genome.Next()
	c.Effects = unit.Effects{}
	return c
}

// CapabilityDigest is the sha256 of the sorted capability names.
func CapabilityDigest(caps []string) string {
	sorted := slices.Clone(caps)
	slices.Sort(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}
