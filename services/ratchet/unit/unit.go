// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package unit defines the unit of work that moves through the pipeline:
// its identity and lineage, energy budget, capabilities, genome, declared
// interface and the side effects it applies when trialled.
package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianRatchet/pkg/validation"
)

// MaxBudget is the largest budget a unit may carry. Division checks budget
// conservation against an absolute tolerance of 1e-9, and float64 rounding
// of a split stays well inside that only up to this magnitude.
const MaxBudget = 1e6

var (
	// ErrInput is the root of every caller-input error.
	ErrInput = errors.New("invalid input")

	// ErrInvalidUnit is returned when a unit descriptor fails validation.
	ErrInvalidUnit = fmt.Errorf("%w: invalid unit", ErrInput)
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Unit is a candidate or accepted piece of work.
//
// # Description
//
// ID is immutable once assigned. Capabilities are never mutated in place;
// division replaces them wholesale on the descendants. Budget is the unit's
// energy and must be finite and within [0, MaxBudget].
//
// Probes and Boundary are programmatic hooks for embedders and tests; they
// do not survive JSON round trips.
type Unit struct {
	ID           string       `json:"id" yaml:"id" validate:"required,max=128,excludesall=/?#"`
	Generation   int          `json:"generation" yaml:"generation" validate:"gte=0"`
	Lineage      []string     `json:"lineage,omitempty" yaml:"lineage,omitempty" validate:"dive,required"`
	Budget       float64      `json:"budget" yaml:"budget" validate:"gte=0,lte=1000000"`
	Capabilities []string     `json:"capabilities,omitempty" yaml:"capabilities,omitempty" validate:"dive,required"`
	Mitigations  []string     `json:"mitigations,omitempty" yaml:"mitigations,omitempty" validate:"dive,required"`
	Genome       Genome       `json:"genome" yaml:"genome"`
	Interface    Interface    `json:"interface" yaml:"interface"`
	Operator     OperatorSpec `json:"operator" yaml:"operator"`
	Effects      Effects      `json:"effects" yaml:"effects"`

	Probes   []Probe          `json:"-" yaml:"-"`
	Boundary BoundaryOperator `json:"-" yaml:"-"`
}

// Genome is an opaque versioned configuration blob with an integrity checksum.
type Genome struct {
	Version  int               `json:"version" yaml:"version" validate:"gte=0"`
	Config   map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
	Checksum string            `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// ComputeChecksum hashes the version and the sorted config entries.
func (g Genome) ComputeChecksum() string {
	keys := make([]string, 0, len(g.Config))
	for k := range g.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte("v" + strconv.Itoa(g.Version) + "\n"))
	for _, k := range keys {
		h.Write([]byte(k + "=" + g.Config[k] + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sealed returns a copy with Checksum filled in if it was empty.
func (g Genome) Sealed() Genome {
	out := g.clone()
	if out.Checksum == "" {
		out.Checksum = out.ComputeChecksum()
	}
	return out
}

// Verify reports whether Checksum matches the content.
func (g Genome) Verify() bool {
	return g.Checksum == g.ComputeChecksum()
}

// Next returns the descendant genome: version+1, same config, fresh checksum.
func (g Genome) Next() Genome {
	out := g.clone()
	out.Version++
	out.Checksum = out.ComputeChecksum()
	return out
}

func (g Genome) clone() Genome {
	out := Genome{Version: g.Version, Checksum: g.Checksum}
	if g.Config != nil {
		out.Config = make(map[string]string, len(g.Config))
		for k, v := range g.Config {
			out.Config[k] = v
		}
	}
	return out
}

// Connection is a directed link between two accepted units.
type Connection struct {
	From string `json:"from" yaml:"from" validate:"required"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// MetricDelta is added to the aggregate metrics of the shadow state.
type MetricDelta struct {
	Coherence         float64 `json:"coherence,omitempty" yaml:"coherence,omitempty"`
	Efficiency        float64 `json:"efficiency,omitempty" yaml:"efficiency,omitempty"`
	ErrorAccumulation float64 `json:"error_accumulation,omitempty" yaml:"error_accumulation,omitempty"`
}

// IsZero reports whether every delta is zero.
func (d MetricDelta) IsZero() bool {
	return d == MetricDelta{}
}

// Effects describes what a unit does to state when trialled.
type Effects struct {
	Set            map[string]string `json:"set,omitempty" yaml:"set,omitempty"`
	Connections    []Connection      `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive"`
	Metrics        MetricDelta       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	EnergyConsumed float64           `json:"energy_consumed,omitempty" yaml:"energy_consumed,omitempty" validate:"gte=0"`
	EnergyProduced float64           `json:"energy_produced,omitempty" yaml:"energy_produced,omitempty" validate:"gte=0"`
}

// Probe is a unit-supplied numerical self-check run by the stability
// auditor alongside its fixed battery.
type Probe struct {
	Name    string
	Exact   float64
	Compute func() float64
}

// Validate checks struct tags plus the invariants tags cannot express.
//
// # Outputs
//
//   - error: Wraps ErrInvalidUnit with the first problem found, or nil.
func (u *Unit) Validate() error {
	if err := validatorInstance().Struct(u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	if err := validation.ValidateUnitID(u.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	if math.IsNaN(u.Budget) || math.IsInf(u.Budget, 0) {
		return fmt.Errorf("%w: budget must be finite", ErrInvalidUnit)
	}
	if u.Budget > MaxBudget {
		return fmt.Errorf("%w: budget %g exceeds %g", ErrInvalidUnit, u.Budget, MaxBudget)
	}
	if u.Generation != len(u.Lineage) && len(u.Lineage) > 0 {
		return fmt.Errorf("%w: generation %d does not match lineage depth %d",
			ErrInvalidUnit, u.Generation, len(u.Lineage))
	}
	if err := u.Interface.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	if err := u.Operator.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUnit, err)
	}
	for _, c := range u.Effects.Connections {
		if c.From == c.To {
			return fmt.Errorf("%w: self connection on %q", ErrInvalidUnit, c.From)
		}
	}
	return nil
}

// LineageRoot is the oldest ancestor, or the unit itself for a root unit.
func (u *Unit) LineageRoot() string {
	if len(u.Lineage) > 0 {
		return u.Lineage[0]
	}
	return u.ID
}

// Clone returns a deep copy. Probe closures and Boundary are shared.
func (u *Unit) Clone() *Unit {
	out := *u
	out.Lineage = cloneStrings(u.Lineage)
	out.Capabilities = cloneStrings(u.Capabilities)
	out.Mitigations = cloneStrings(u.Mitigations)
	out.Genome = u.Genome.clone()
	out.Interface = u.Interface.clone()
	out.Operator.Offset = cloneFloats(u.Operator.Offset)
	out.Effects = u.Effects.clone()
	if u.Probes != nil {
		out.Probes = append([]Probe(nil), u.Probes...)
	}
	return &out
}

// HasCapability reports whether name is declared, case-insensitively.
func (u *Unit) HasCapability(name string) bool {
	for _, c := range u.Capabilities {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

func (e Effects) clone() Effects {
	out := e
	if e.Set != nil {
		out.Set = make(map[string]string, len(e.Set))
		for k, v := range e.Set {
			out.Set[k] = v
		}
	}
	if e.Connections != nil {
		out.Connections = append([]Connection(nil), e.Connections...)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	return append([]float64(nil), in...)
}
