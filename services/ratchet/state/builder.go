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
	"maps"
	"time"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Builder accumulates changes on top of a base Snapshot.
//
// # Description
//
// Each table is shared with the base until the first write to it. Units are
// stored by pointer; PutUnit clones its argument so callers may keep
// mutating their copy.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Builder struct {
	base *Snapshot

	units       map[string]*unit.Unit
	store       map[string]string
	connections []unit.Connection
	accounts    map[string]energy.Account
	metrics     Metrics

	ownUnits, ownStore, ownConnections, ownAccounts bool
	frozen                                          bool
}

// NewBuilder starts a change set over base. A nil base means Empty().
func NewBuilder(base *Snapshot) *Builder {
	if base == nil {
		base = Empty()
	}
	return &Builder{
		base:        base,
		units:       base.units,
		store:       base.store,
		connections: base.connections,
		accounts:    base.accounts,
		metrics:     base.metrics,
	}
}

// Base returns the snapshot the builder started from.
func (b *Builder) Base() *Snapshot { return b.base }

// -----------------------------------------------------------------------------
// Units
// -----------------------------------------------------------------------------

// Unit reads through to the base.
func (b *Builder) Unit(id string) (*unit.Unit, bool) {
	u, ok := b.units[id]
	return u, ok
}

// Units returns the current units sorted by id.
func (b *Builder) Units() []*unit.Unit { return sortedUnits(b.units) }

// PutUnit inserts or replaces a unit.
func (b *Builder) PutUnit(u *unit.Unit) {
	b.mutUnits()
	b.units[u.ID] = u.Clone()
}

// DeleteUnit removes a unit. Its connections and account are left alone.
func (b *Builder) DeleteUnit(id string) {
	if _, ok := b.units[id]; !ok {
		return
	}
	b.mutUnits()
	delete(b.units, id)
}

func (b *Builder) mutUnits() {
	b.checkOpen()
	if !b.ownUnits {
		b.units = maps.Clone(b.units)
		b.ownUnits = true
	}
}

// -----------------------------------------------------------------------------
// Key-value store
// -----------------------------------------------------------------------------

// Get reads the key-value store.
func (b *Builder) Get(key string) (string, bool) {
	v, ok := b.store[key]
	return v, ok
}

// Set writes the key-value store.
func (b *Builder) Set(key, value string) {
	b.checkOpen()
	if !b.ownStore {
		b.store = maps.Clone(b.store)
		b.ownStore = true
	}
	b.store[key] = value
}

// -----------------------------------------------------------------------------
// Connections
// -----------------------------------------------------------------------------

// Connections returns a copy of the connection list.
func (b *Builder) Connections() []unit.Connection {
	return append([]unit.Connection(nil), b.connections...)
}

// Connect adds a connection unless it already exists.
func (b *Builder) Connect(c unit.Connection) {
	for _, existing := range b.connections {
		if existing == c {
			return
		}
	}
	b.mutConnections()
	b.connections = append(b.connections, c)
}

// Disconnect drops every connection for which drop returns true and returns
// the dropped connections.
func (b *Builder) Disconnect(drop func(unit.Connection) bool) []unit.Connection {
	var kept, dropped []unit.Connection
	for _, c := range b.connections {
		if drop(c) {
			dropped = append(dropped, c)
		} else {
			kept = append(kept, c)
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	b.checkOpen()
	b.connections = kept
	b.ownConnections = true
	return dropped
}

func (b *Builder) mutConnections() {
	b.checkOpen()
	if !b.ownConnections {
		b.connections = append([]unit.Connection(nil), b.connections...)
		b.ownConnections = true
	}
}

// -----------------------------------------------------------------------------
// Energy accounts (energy.Book)
// -----------------------------------------------------------------------------

// Account implements energy.Reader.
func (b *Builder) Account(id string) (energy.Account, bool) {
	a, ok := b.accounts[id]
	return a, ok
}

// Accounts implements energy.Reader.
func (b *Builder) Accounts() []energy.Account { return sortedAccounts(b.accounts) }

// PutAccount implements energy.Book.
func (b *Builder) PutAccount(a energy.Account) {
	b.mutAccounts()
	b.accounts[a.UnitID] = a
}

// DeleteAccount implements energy.Book.
func (b *Builder) DeleteAccount(id string) {
	if _, ok := b.accounts[id]; !ok {
		return
	}
	b.mutAccounts()
	delete(b.accounts, id)
}

func (b *Builder) mutAccounts() {
	b.checkOpen()
	if !b.ownAccounts {
		b.accounts = maps.Clone(b.accounts)
		b.ownAccounts = true
	}
}

// -----------------------------------------------------------------------------
// Metrics and freezing
// -----------------------------------------------------------------------------

// Metrics returns the current aggregate metrics.
func (b *Builder) Metrics() Metrics { return b.metrics }

// SetMetrics replaces the aggregate metrics.
func (b *Builder) SetMetrics(m Metrics) {
	b.checkOpen()
	b.metrics = m
}

// Freeze returns the next Snapshot (base version + 1). The builder cannot
// be used afterwards.
func (b *Builder) Freeze() *Snapshot {
	b.checkOpen()
	b.frozen = true
	return &Snapshot{
		version:     b.base.version + 1,
		createdAt:   time.Now().UTC(),
		units:       b.units,
		store:       b.store,
		connections: b.connections,
		accounts:    b.accounts,
		metrics:     b.metrics,
	}
}

func (b *Builder) checkOpen() {
	if b.frozen {
		panic("state: builder used after Freeze")
	}
}
