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
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/storage/badger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

func testUnit(id string) *unit.Unit {
	return &unit.Unit{ID: id, Budget: 10, Capabilities: []string{"read"}}
}

func TestBuilder_CopyOnWrite(t *testing.T) {
	b := NewBuilder(nil)
	b.PutUnit(testUnit("A"))
	b.Set("k", "v1")
	base := b.Freeze()
	require.Equal(t, uint64(1), base.Version())

	shadow := NewBuilder(base)
	shadow.PutUnit(testUnit("B"))
	shadow.Set("k", "v2")
	shadow.Connect(unit.Connection{From: "A", To: "B"})
	shadow.PutAccount(energy.Account{UnitID: "B", Budget: 10})
	next := shadow.Freeze()

	assert.Equal(t, 1, base.Len(), "base must not see shadow writes")
	v, _ := base.Get("k")
	assert.Equal(t, "v1", v)
	assert.Empty(t, base.Connections())
	assert.Empty(t, base.Accounts())

	assert.Equal(t, uint64(2), next.Version())
	assert.Equal(t, []string{"A", "B"}, next.UnitIDs())
	v, _ = next.Get("k")
	assert.Equal(t, "v2", v)
}

func TestBuilder_PutUnitClones(t *testing.T) {
	u := testUnit("A")
	b := NewBuilder(nil)
	b.PutUnit(u)
	u.Capabilities[0] = "changed"

	got, ok := b.Unit("A")
	require.True(t, ok)
	assert.Equal(t, "read", got.Capabilities[0])
}

func TestSnapshot_UnitsAreCopies(t *testing.T) {
	b := NewBuilder(nil)
	b.PutUnit(testUnit("A"))
	snap := b.Freeze()

	got, ok := snap.Unit("A")
	require.True(t, ok)
	got.Capabilities[0] = "changed"
	got.Budget = 0

	all := snap.Units()
	require.Len(t, all, 1)
	all[0].ID = "renamed"
	all[0].Capabilities = append(all[0].Capabilities, "extra")

	again, ok := snap.Unit("A")
	require.True(t, ok)
	assert.Equal(t, []string{"read"}, again.Capabilities)
	assert.Equal(t, 10.0, again.Budget)
	assert.Equal(t, []string{"A"}, snap.UnitIDs())
	assert.Equal(t, "A", snap.Units()[0].ID)

	_, ok = snap.Unit("missing")
	assert.False(t, ok)
}

func TestBuilder_UntouchedTablesAreShared(t *testing.T) {
	b := NewBuilder(nil)
	b.Set("k", "v")
	base := b.Freeze()

	shadow := NewBuilder(base)
	shadow.PutUnit(testUnit("A"))
	next := shadow.Freeze()

	// Same map value means no copy happened.
	assert.Equal(t, 1, len(next.store))
	next.store["marker"] = "x"
	_, shared := base.store["marker"]
	assert.True(t, shared)
	delete(next.store, "marker")
}

func TestBuilder_ConnectAndDisconnect(t *testing.T) {
	b := NewBuilder(nil)
	b.Connect(unit.Connection{From: "A", To: "B"})
	b.Connect(unit.Connection{From: "A", To: "B"})
	b.Connect(unit.Connection{From: "B", To: "C"})
	assert.Len(t, b.Connections(), 2, "duplicate connection ignored")

	dropped := b.Disconnect(func(c unit.Connection) bool { return c.From == "B" || c.To == "B" })
	assert.Len(t, dropped, 2)
	assert.Empty(t, b.Connections())
}

func TestBuilder_PanicsAfterFreeze(t *testing.T) {
	b := NewBuilder(nil)
	b.Freeze()
	assert.Panics(t, func() { b.Set("k", "v") })
}

func TestSnapshot_Orphans(t *testing.T) {
	b := NewBuilder(nil)
	b.PutUnit(testUnit("A"))
	b.PutUnit(testUnit("B"))
	b.Connect(unit.Connection{From: "A", To: "B"})
	b.Connect(unit.Connection{From: "A", To: "ghost"})
	s := b.Freeze()

	assert.Equal(t, []unit.Connection{{From: "A", To: "ghost"}}, s.Orphans())
}

func TestMetrics_Validate(t *testing.T) {
	require.NoError(t, InitialMetrics().Validate())

	bad := []Metrics{
		{Coherence: 1.5},
		{Coherence: -0.1},
		{Coherence: math.NaN()},
		{Coherence: 1, Efficiency: -1},
		{Coherence: 1, Efficiency: math.Inf(1)},
		{Coherence: 1, ErrorAccumulation: -1},
	}
	for _, m := range bad {
		assert.ErrorIs(t, m.Validate(), ErrInvalidMetrics, "%+v", m)
	}
}

func TestDiff(t *testing.T) {
	b := NewBuilder(nil)
	b.PutUnit(testUnit("A"))
	before := b.Freeze()

	nb := NewBuilder(before)
	nb.PutUnit(testUnit("C"))
	nb.PutUnit(testUnit("B"))
	m := nb.Metrics()
	m.ErrorAccumulation = 0.5
	m.Coherence = 0.9
	nb.SetMetrics(m)
	after := nb.Freeze()

	want := []Change{
		{Type: ChangeAdd, Target: "B"},
		{Type: ChangeAdd, Target: "C"},
		{Type: ChangeModify, Target: MetricsTarget, Fields: []string{"coherence", "error_accumulation"}},
	}
	if d := cmp.Diff(want, Diff(before, after)); d != "" {
		t.Errorf("Diff mismatch (-want +got):\n%s", d)
	}

	assert.Equal(t, []Change{{Type: ChangeRemove, Target: "B"}, {Type: ChangeRemove, Target: "C"},
		{Type: ChangeModify, Target: MetricsTarget, Fields: []string{"coherence", "error_accumulation"}}},
		Diff(after, before))
	assert.Empty(t, Diff(before, before))
}

func TestFromView_RoundTripsState(t *testing.T) {
	b := NewBuilder(nil)
	b.PutUnit(testUnit("A"))
	b.Set("k", "v")
	b.Connect(unit.Connection{From: "A", To: "A2"})
	b.PutAccount(energy.Account{UnitID: "A", Initial: 10, Budget: 7, Consumed: 3})
	s := b.Freeze()

	restored := FromView(s.View())
	if d := cmp.Diff(s.View(), restored.View()); d != "" {
		t.Errorf("view mismatch (-want +got):\n%s", d)
	}
}

func TestBadgerStore(t *testing.T) {
	db, err := badger.OpenDB(badger.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewBadgerStore(db, nil)
	ctx := context.Background()

	_, err = store.Load(ctx, "ns1")
	assert.True(t, errors.Is(err, ErrNoSnapshot))

	b := NewBuilder(nil)
	b.PutUnit(testUnit("A"))
	b.PutAccount(energy.Account{UnitID: "A", Budget: 10})
	s := b.Freeze()
	require.NoError(t, store.Save(ctx, "ns1", s))
	require.NoError(t, store.Save(ctx, "ns2", Empty()))

	loaded, err := store.Load(ctx, "ns1")
	require.NoError(t, err)
	assert.Equal(t, s.Version(), loaded.Version())
	assert.Equal(t, []string{"A"}, loaded.UnitIDs())
	acct, ok := loaded.Account("A")
	require.True(t, ok)
	assert.Equal(t, 10.0, acct.Budget)

	ns, err := store.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ns1", "ns2"}, ns)
}
