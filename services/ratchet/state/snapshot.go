// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state holds the versioned system state the pipeline promotes.
//
// # Description
//
// A Snapshot is immutable. All changes go through a Builder, which copies a
// table (units, store, connections, accounts) only on its first write, so a
// shadow that touches one key shares every other table with canonical.
// Freeze turns a Builder into the next Snapshot.
//
// # Thread Safety
//
// Snapshots are safe for concurrent reads. A Builder is single-goroutine.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// ErrInvalidMetrics is returned when aggregate metrics leave their ranges.
var ErrInvalidMetrics = errors.New("metrics out of range")

// Metrics are the aggregate health figures of a state.
type Metrics struct {
	Coherence         float64 `json:"coherence"`
	Efficiency        float64 `json:"efficiency"`
	ErrorAccumulation float64 `json:"error_accumulation"`
}

// InitialMetrics is the metric set of an empty system.
func InitialMetrics() Metrics {
	return Metrics{Coherence: 1, Efficiency: 1, ErrorAccumulation: 0}
}

// Validate requires coherence in [0,1], and finite non-negative efficiency
// and error accumulation.
func (m Metrics) Validate() error {
	switch {
	case math.IsNaN(m.Coherence) || m.Coherence < 0 || m.Coherence > 1:
		return fmt.Errorf("%w: coherence %g", ErrInvalidMetrics, m.Coherence)
	case math.IsNaN(m.Efficiency) || math.IsInf(m.Efficiency, 0) || m.Efficiency < 0:
		return fmt.Errorf("%w: efficiency %g", ErrInvalidMetrics, m.Efficiency)
	case math.IsNaN(m.ErrorAccumulation) || math.IsInf(m.ErrorAccumulation, 0) || m.ErrorAccumulation < 0:
		return fmt.Errorf("%w: error accumulation %g", ErrInvalidMetrics, m.ErrorAccumulation)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is an immutable, versioned system state.
type Snapshot struct {
	version     uint64
	createdAt   time.Time
	units       map[string]*unit.Unit
	store       map[string]string
	connections []unit.Connection
	accounts    map[string]energy.Account
	metrics     Metrics
}

// Empty returns version 0 of an empty system.
func Empty() *Snapshot {
	return &Snapshot{
		createdAt: time.Now().UTC(),
		units:     map[string]*unit.Unit{},
		store:     map[string]string{},
		accounts:  map[string]energy.Account{},
		metrics:   InitialMetrics(),
	}
}

// Version increases by one with every promoted change.
func (s *Snapshot) Version() uint64 { return s.version }

// CreatedAt is when the snapshot was frozen.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Len is the number of accepted units.
func (s *Snapshot) Len() int { return len(s.units) }

// Metrics returns the aggregate metrics.
func (s *Snapshot) Metrics() Metrics { return s.metrics }

// Unit returns a copy of an accepted unit.
func (s *Snapshot) Unit(id string) (*unit.Unit, bool) {
	u, ok := s.units[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// Units returns copies of the accepted units sorted by id.
func (s *Snapshot) Units() []*unit.Unit {
	out := sortedUnits(s.units)
	for i, u := range out {
		out[i] = u.Clone()
	}
	return out
}

// UnitIDs returns the accepted unit ids, sorted.
func (s *Snapshot) UnitIDs() []string {
	ids := make([]string, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get reads the global key-value store.
func (s *Snapshot) Get(key string) (string, bool) {
	v, ok := s.store[key]
	return v, ok
}

// Store returns a copy of the key-value store.
func (s *Snapshot) Store() map[string]string { return maps.Clone(s.store) }

// Connections returns a copy of the connection list.
func (s *Snapshot) Connections() []unit.Connection {
	return append([]unit.Connection(nil), s.connections...)
}

// Account implements energy.Reader.
func (s *Snapshot) Account(id string) (energy.Account, bool) {
	a, ok := s.accounts[id]
	return a, ok
}

// Accounts implements energy.Reader, sorted by unit id.
func (s *Snapshot) Accounts() []energy.Account {
	return sortedAccounts(s.accounts)
}

// Orphans returns connections with an endpoint that is not an accepted unit.
func (s *Snapshot) Orphans() []unit.Connection {
	var out []unit.Connection
	for _, c := range s.connections {
		_, fromOK := s.units[c.From]
		_, toOK := s.units[c.To]
		if !fromOK || !toOK {
			out = append(out, c)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Serialized view
// -----------------------------------------------------------------------------

// View is the serializable form of a Snapshot, used for persistence and the
// HTTP API.
type View struct {
	Version     uint64            `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Units       []*unit.Unit      `json:"units"`
	Store       map[string]string `json:"store"`
	Connections []unit.Connection `json:"connections"`
	Accounts    []energy.Account  `json:"accounts"`
	Metrics     Metrics           `json:"metrics"`
}

// View returns the snapshot's serializable form.
func (s *Snapshot) View() View {
	return View{
		Version:     s.version,
		CreatedAt:   s.createdAt,
		Units:       s.Units(),
		Store:       s.Store(),
		Connections: s.Connections(),
		Accounts:    s.Accounts(),
		Metrics:     s.metrics,
	}
}

// MarshalJSON encodes the snapshot as its View.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.View())
}

// FromView rebuilds a Snapshot. Units are cloned so the view can be reused.
func FromView(v View) *Snapshot {
	s := &Snapshot{
		version:     v.Version,
		createdAt:   v.CreatedAt,
		units:       make(map[string]*unit.Unit, len(v.Units)),
		store:       maps.Clone(v.Store),
		connections: append([]unit.Connection(nil), v.Connections...),
		accounts:    make(map[string]energy.Account, len(v.Accounts)),
		metrics:     v.Metrics,
	}
	if s.store == nil {
		s.store = map[string]string{}
	}
	for _, u := range v.Units {
		if u != nil {
			s.units[u.ID] = u.Clone()
		}
	}
	for _, a := range v.Accounts {
		s.accounts[a.UnitID] = a
	}
	return s
}

func sortedUnits(m map[string]*unit.Unit) []*unit.Unit {
	out := make([]*unit.Unit, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedAccounts(m map[string]energy.Account) []energy.Account {
	out := make([]energy.Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}
