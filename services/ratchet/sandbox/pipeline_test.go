// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/coherence"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/division"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/gate"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/stability"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/state"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/tolerance"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu    sync.Mutex
	snaps map[string]*state.Snapshot
}

func newMemStore() *memStore { return &memStore{snaps: map[string]*state.Snapshot{}} }

func (s *memStore) Save(_ context.Context, ns string, snap *state.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[ns] = snap
	return nil
}

func (s *memStore) Load(_ context.Context, ns string) (*state.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[ns]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrNoSnapshot, ns)
	}
	return snap, nil
}

func (s *memStore) Namespaces(context.Context) ([]string, error) { return nil, nil }

type fixture struct {
	p      *Pipeline
	ledger *ledger.Ledger
	deps   Deps
}

func newFixture(t *testing.T, cfg Config, store state.Store) *fixture {
	t.Helper()
	deps, l := newDeps(t, stability.DefaultConfig(), store)
	return &fixture{p: newPipeline(t, "test", cfg, deps), ledger: l, deps: deps}
}

func newDeps(t *testing.T, scfg stability.Config, store state.Store) (Deps, *ledger.Ledger) {
	t.Helper()
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "events.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	classifier, err := risk.NewClassifier(risk.Config{}, nil)
	require.NoError(t, err)
	accountant := energy.NewAccountant(0, nil)
	auditor := stability.NewAuditor(scfg, nil)
	g := gate.New(gate.DefaultConfig(), gate.Deps{
		Coherence:  coherence.NewValidator(coherence.DefaultConfig(), nil, nil),
		Tolerance:  tolerance.NewMonitor(tolerance.DefaultConfig(), nil, nil),
		Stability:  auditor,
		Risk:       classifier,
		Accountant: accountant,
	}, nil)
	return Deps{Ledger: l, Gate: g, Accountant: accountant, Auditor: auditor, Store: store}, l
}

func newPipeline(t *testing.T, namespace string, cfg Config, deps Deps) *Pipeline {
	t.Helper()
	p, err := New(context.Background(), namespace, cfg, deps, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func (f *fixture) count(t *testing.T, eventType string) int {
	t.Helper()
	n, err := f.ledger.CountType(context.Background(), eventType)
	require.NoError(t, err)
	return n
}

func candidate(id string, caps ...string) *unit.Unit {
	if len(caps) == 0 {
		caps = []string{"read", "write"}
	}
	return &unit.Unit{
		ID:           id,
		Budget:       100,
		Capabilities: caps,
		Interface: unit.Interface{
			Domain:    unit.Box{Min: []float64{-1, -1}, Max: []float64{1, 1}},
			Functions: []unit.Function{{Name: "run", Documented: true, Tested: true}},
		},
		Operator: unit.OperatorSpec{Kind: unit.OperatorJitter, Amplitude: 0.4},
		Effects:  unit.Effects{EnergyConsumed: 10, EnergyProduced: 5},
	}
}

func mustPass(t *testing.T, res *TrialResult) {
	t.Helper()
	require.NotNil(t, res)
	require.True(t, res.Success, "trial failed: %s (%s)", res.Recommendation, res.ExecutionError)
}

func TestTrialCommit_PromotesShadow(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	u := candidate("A")
	u.Effects.Set = map[string]string{"mode": "on"}
	res, err := f.p.Trial(ctx, u, TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)

	require.Len(t, res.Validations, 11)
	assert.Equal(t, ValidationExecution, res.Validations[0].Name)
	assert.True(t, res.Validations[0].Passed)
	assert.Equal(t, gate.ReadyMessage, res.Recommendation)
	assert.False(t, res.Reverted)
	require.NotEmpty(t, res.StateChanges)
	assert.Equal(t, state.Change{Type: state.ChangeAdd, Target: "A"}, res.StateChanges[0])

	st := f.p.Status()
	assert.True(t, st.ShadowActive)
	assert.Equal(t, "A", st.PendingUnit)
	assert.Equal(t, 0, st.Height, "canonical is untouched until commit")

	require.NoError(t, f.p.Commit(ctx, "A"))

	canon := f.p.Canonical()
	assert.Equal(t, uint64(1), canon.Version())
	promoted, ok := canon.Unit("A")
	require.True(t, ok)
	assert.Equal(t, 90.0, promoted.Budget)
	acct, ok := canon.Account("A")
	require.True(t, ok)
	assert.Equal(t, promoted.Budget, acct.Budget)
	v, _ := canon.Get("mode")
	assert.Equal(t, "on", v)
	assert.InDelta(t, 0.5, canon.Metrics().Efficiency, 1e-12)
	assert.Equal(t, 1, f.count(t, ledger.TypePromotion))

	st = f.p.Status()
	assert.False(t, st.ShadowActive)
	assert.Equal(t, 1, st.Height)
	assert.Zero(t, st.Checkpoints)
	require.Len(t, st.RecentTrials, 1)
	assert.True(t, st.RecentTrials[0].Success)

	_, recorded := f.deps.Auditor.Lineage("test", "A")
	assert.True(t, recorded, "commit records the stability observation")

	err = f.p.Commit(ctx, "A")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
	assert.ErrorIs(t, err, ErrState)
	assert.Equal(t, 1, f.count(t, ledger.TypePromotion))
}

func TestTrialRevert_LeavesCanonicalIdentical(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))
	before := f.p.Canonical()

	b := candidate("B")
	b.Effects.Connections = []unit.Connection{{From: "B", To: "A"}}
	b.Effects.Set = map[string]string{"scratch": "1"}
	res, err = f.p.Trial(ctx, b, TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)

	require.NoError(t, f.p.Revert(ctx, "B"))
	after := f.p.Canonical()
	if diff := cmp.Diff(before.View(), after.View()); diff != "" {
		t.Errorf("canonical changed by trial+revert (-before +after):\n%s", diff)
	}
	assert.Equal(t, 1, f.count(t, ledger.TypeRevert))

	require.NoError(t, f.p.Revert(ctx, "B"), "second revert is a no-op")
	assert.Equal(t, 1, f.count(t, ledger.TypeRevert))
	assert.ErrorIs(t, f.p.Commit(ctx, "B"), ErrNoShadow)
	assert.ErrorIs(t, f.p.Revert(ctx, "never"), ErrNoCheckpoint)
}

func TestTrial_FailedGateAutoReverts(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	before := f.p.Canonical()

	res, err := f.p.Trial(ctx, candidate("C", "read", "timeline_rewrite"), TrialOptions{})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.Reverted)
	assert.NotEmpty(t, res.Recommendation)
	assert.Contains(t, res.Recommendation, "Add mitigations for high-risk capabilities")
	assert.True(t, res.Validations[0].Passed, "execution itself succeeded")
	assert.Same(t, before, f.p.Canonical())
	assert.False(t, f.p.Status().ShadowActive)

	events, err := f.ledger.Query(ctx, ledger.Filter{Type: ledger.TypeRevert, UnitID: "C", Fields: map[string]string{"reason": "auto"}})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	assert.ErrorIs(t, f.p.Commit(ctx, "C"), ErrNoShadow)
}

func TestTrial_ExecutionFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(u *unit.Unit)
		opts    TrialOptions
		wantErr string
	}{
		{
			name:    "panicking hook",
			opts:    TrialOptions{Exec: func(context.Context, *state.Builder) error { panic("boom") }},
			wantErr: "panic: boom",
		},
		{
			name:    "failing hook",
			opts:    TrialOptions{Exec: func(context.Context, *state.Builder) error { return errors.New("hook failed") }},
			wantErr: "hook failed",
		},
		{
			name:    "overdrawn budget",
			mutate:  func(u *unit.Unit) { u.Effects.EnergyConsumed = 500 },
			wantErr: "insufficient energy budget",
		},
		{
			name: "timeout",
			opts: TrialOptions{
				Timeout: 20 * time.Millisecond,
				Exec: func(ctx context.Context, _ *state.Builder) error {
					<-ctx.Done()
					return ctx.Err()
				},
			},
			wantErr: "deadline exceeded",
		},
		{
			name: "hook removes candidate",
			opts: TrialOptions{Exec: func(_ context.Context, b *state.Builder) error {
				b.DeleteUnit("X")
				return nil
			}},
			wantErr: "removed X",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), nil)
			u := candidate("X")
			if tt.mutate != nil {
				tt.mutate(u)
			}
			res, err := f.p.Trial(context.Background(), u, tt.opts)
			require.NoError(t, err, "execution failures are reported, not returned")

			assert.False(t, res.Success)
			assert.True(t, res.Reverted)
			require.Len(t, res.Validations, 1)
			assert.False(t, res.Validations[0].Passed)
			assert.Contains(t, res.Validations[0].Error, tt.wantErr)
			assert.Contains(t, res.ExecutionError, ErrExecutionFailure.Error())
			assert.NotEmpty(t, res.Recommendation)
			assert.Zero(t, f.p.Canonical().Len())
		})
	}
}

func TestTrial_ExecHookWritesShadow(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{Exec: func(_ context.Context, b *state.Builder) error {
		b.Set("hook", "ran")
		return nil
	}})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))

	v, ok := f.p.Canonical().Get("hook")
	require.True(t, ok)
	assert.Equal(t, "ran", v)
}

func TestTrial_InputAndStateErrors(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := f.p.Trial(ctx, nil, TrialOptions{})
	assert.ErrorIs(t, err, ErrInput)
	_, err = f.p.Trial(ctx, &unit.Unit{ID: "bad", Budget: -1}, TrialOptions{})
	assert.ErrorIs(t, err, ErrInput)
	_, err = f.p.Trial(ctx, candidate("A"), TrialOptions{Timeout: -time.Second})
	assert.ErrorIs(t, err, ErrInput)

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))

	_, err = f.p.Trial(ctx, candidate("A"), TrialOptions{})
	assert.ErrorIs(t, err, ErrUnitExists)
	assert.ErrorIs(t, err, ErrState)

	bad := candidate("T")
	bad.Genome = unit.Genome{Version: 1, Checksum: "forged"}
	res, err = f.p.Trial(ctx, bad, TrialOptions{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Report.MissingRequired, gate.CriterionGenomeIntegrity)

	require.NoError(t, f.p.Close())
	_, err = f.p.Trial(ctx, candidate("B"), TrialOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.p.Commit(ctx, "B"), ErrClosed)
	assert.True(t, f.p.Status().Closed)
}

func TestCommit_StaleCheckpoint(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)

	f.p.mu.Lock()
	f.p.canonical = state.NewBuilder(f.p.canonical).Freeze()
	f.p.mu.Unlock()

	assert.ErrorIs(t, f.p.Commit(ctx, "A"), ErrStaleCheckpoint)
	assert.ErrorIs(t, f.p.Revert(ctx, "A"), ErrStaleCheckpoint)
	assert.Zero(t, f.count(t, ledger.TypePromotion))
}

func TestCheckpoints_FIFOEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointCapacity = 3
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := f.p.Trial(ctx, candidate(fmt.Sprintf("U%d", i)), TrialOptions{})
		require.NoError(t, err)
		mustPass(t, res)
	}
	st := f.p.Status()
	assert.Equal(t, []string{"U1", "U2", "U3"}, st.CheckpointIDs)
	assert.Equal(t, "U3", st.PendingUnit, "each trial supersedes the pending one")
	assert.ErrorIs(t, f.p.Commit(ctx, "U0"), ErrNoCheckpoint)

	res, err := f.p.Trial(ctx, candidate("U2"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	assert.Equal(t, []string{"U1", "U3", "U2"}, f.p.Status().CheckpointIDs, "re-trial becomes newest")

	res, err = f.p.Trial(ctx, candidate("U4"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	assert.Equal(t, []string{"U3", "U2", "U4"}, f.p.Status().CheckpointIDs, "re-trialled id outlives older ones")

	require.NoError(t, f.p.Commit(ctx, "U4"))
	assert.Equal(t, []string{"U3", "U2"}, f.p.Status().CheckpointIDs)
}

func TestCheckpoints_Unit(t *testing.T) {
	c := newCheckpoints(2)
	s := state.Empty()
	assert.Empty(t, c.put("a", s))
	assert.Empty(t, c.put("b", s))
	assert.Equal(t, "a", c.put("c", s))
	assert.Empty(t, c.put("b", s))
	assert.Equal(t, []string{"c", "b"}, c.ids())
	assert.Equal(t, "c", c.put("d", s), "replaced entry is no longer oldest")
	assert.Equal(t, []string{"b", "d"}, c.ids())
	c.remove("b")
	c.remove("missing")
	assert.Equal(t, 1, c.len())
	_, ok := c.get("b")
	assert.False(t, ok)
}

func TestDivide_EndToEnd(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	b := candidate("B", "read")
	res, err := f.p.Trial(ctx, b, TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "B"))

	a := candidate("A", "read", "write", "compute", "sense")
	a.Effects = unit.Effects{Connections: []unit.Connection{{From: "A", To: "B"}}}
	res, err = f.p.Trial(ctx, a, TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))

	_, err = f.p.Divide(ctx, "A", 1.2)
	assert.ErrorIs(t, err, division.ErrInvalidRatio)
	assert.ErrorIs(t, err, ErrInput)

	rec, err := f.p.Divide(ctx, "A", 0.618)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"A.1.1", "A.1.2"}, rec.ChildIDs)
	assert.InDelta(t, 61.8, rec.ChildBudgets[0], 1e-9)
	assert.InDelta(t, 38.2, rec.ChildBudgets[1], 1e-9)
	assert.Equal(t, []string{"read", "write"}, rec.Capabilities[0])
	assert.Equal(t, []string{"compute", "sense"}, rec.Capabilities[1])
	assert.Equal(t, 1, f.count(t, ledger.TypeDivision))

	canon := f.p.Canonical()
	assert.Equal(t, []string{"A.1.1", "A.1.2", "B"}, canon.UnitIDs())
	for i, id := range rec.ChildIDs {
		u, ok := canon.Unit(id)
		require.True(t, ok)
		acct, ok := canon.Account(id)
		require.True(t, ok)
		assert.InDelta(t, rec.ChildBudgets[i], acct.Budget, 1e-9)
		assert.Equal(t, u.Budget, acct.Budget)
		assert.Equal(t, 1, u.Generation)
	}
	_, ok := canon.Account("A")
	assert.False(t, ok)
	assert.ElementsMatch(t, []unit.Connection{{From: "A.1.1", To: "B"}, {From: "A.1.2", To: "B"}}, canon.Connections())
	assert.Empty(t, canon.Orphans())

	_, err = f.p.Divide(ctx, "A", 0.5)
	assert.ErrorIs(t, err, ErrUnitNotFound)

	require.NoError(t, f.p.Retire(ctx, "B"))
	canon = f.p.Canonical()
	assert.Equal(t, []string{"A.1.1", "A.1.2"}, canon.UnitIDs())
	assert.Empty(t, canon.Connections())
	_, ok = canon.Account("B")
	assert.False(t, ok)
	assert.Equal(t, 1, f.count(t, ledger.TypeRetire))
	assert.ErrorIs(t, f.p.Retire(ctx, "B"), ErrUnitNotFound)
}

func TestDivide_SplitFailureWritesNoDivision(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	// A.1.1 is the id the first division of A would give its first child.
	for _, id := range []string{"A", "A.1.1"} {
		res, err := f.p.Trial(ctx, candidate(id), TrialOptions{})
		require.NoError(t, err)
		mustPass(t, res)
		require.NoError(t, f.p.Commit(ctx, id))
	}
	before := f.p.Canonical()

	_, err := f.p.Divide(ctx, "A", 0.5)
	require.ErrorIs(t, err, energy.ErrAccountExists)
	assert.ErrorIs(t, err, ErrState)
	assert.Zero(t, f.count(t, ledger.TypeDivision))
	assert.Same(t, before, f.p.Canonical())
	assert.Equal(t, []string{"A", "A.1.1"}, f.p.Canonical().UnitIDs())
}

func TestDivideRetire_BlockedByPendingShadow(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))

	res, err = f.p.Trial(ctx, candidate("B"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)

	_, err = f.p.Divide(ctx, "A", 0.5)
	assert.ErrorIs(t, err, ErrShadowActive)
	assert.ErrorIs(t, f.p.Retire(ctx, "A"), ErrShadowActive)
	assert.Zero(t, f.count(t, ledger.TypeDivision))
}

func TestPipeline_RestoresFromStore(t *testing.T) {
	store := newMemStore()
	f := newFixture(t, DefaultConfig(), store)
	ctx := context.Background()

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))

	restored, err := New(ctx, "test", DefaultConfig(), f.deps, nil)
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, uint64(1), restored.Canonical().Version())
	assert.Equal(t, []string{"A"}, restored.Canonical().UnitIDs())

	other, err := New(ctx, "other", DefaultConfig(), f.deps, nil)
	require.NoError(t, err)
	defer other.Close()
	assert.Zero(t, other.Canonical().Len())
}

func TestPipeline_UnitsAreCopies(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	res, err := f.p.Trial(ctx, candidate("A"), TrialOptions{})
	require.NoError(t, err)
	mustPass(t, res)
	require.NoError(t, f.p.Commit(ctx, "A"))

	units := f.p.Units()
	require.Len(t, units, 1)
	units[0].Budget = 0
	units[0].Capabilities[0] = "admin"

	u, ok := f.p.Canonical().Unit("A")
	require.True(t, ok)
	assert.Equal(t, 100.0, u.Budget)
	assert.Equal(t, []string{"read", "write"}, u.Capabilities)
}

func TestPipeline_NamespacesKeepSeparateDrift(t *testing.T) {
	deps, l := newDeps(t, stability.Config{BaseTolerance: 3e-9}, nil)
	ctx := context.Background()

	drifting := func() *unit.Unit {
		u := candidate("A")
		u.Probes = []unit.Probe{{Name: "drift", Exact: 1, Compute: func() float64 { return 1 + 2e-9 }}}
		return u
	}
	// Each namespace alone stays under the bound; together they would not.
	for _, ns := range []string{"test", "other"} {
		p := newPipeline(t, ns, DefaultConfig(), deps)
		res, err := p.Trial(ctx, drifting(), TrialOptions{})
		require.NoError(t, err)
		mustPass(t, res)
		require.NoError(t, p.Commit(ctx, "A"))
	}

	for _, ns := range []string{"test", "other"} {
		stats, ok := deps.Auditor.Lineage(ns, "A")
		require.True(t, ok, ns)
		assert.Equal(t, ns, stats.Namespace)
		assert.Equal(t, 1, stats.Samples, ns)
		assert.InDelta(t, 2e-9, stats.Total, 1e-12, ns)
	}
	_, ok := deps.Auditor.Lineage("", "A")
	assert.False(t, ok)

	n, err := l.CountType(ctx, ledger.TypePromotion)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipeline_ConcurrentTrialCommitRevert(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	const workers = 24
	var (
		wg        sync.WaitGroup
		committed atomic.Int64
		stop      = make(chan struct{})
		watcher   sync.WaitGroup
	)

	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			st := f.p.Status()
			assert.Equal(t, st.ShadowActive, st.PendingUnit != "", "status %+v", st)
			assert.LessOrEqual(t, st.Checkpoints, DefaultCheckpointCapacity)
			time.Sleep(100 * time.Microsecond)
		}
	}()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("U%d", i)
			res, err := f.p.Trial(ctx, candidate(id), TrialOptions{})
			if !assert.NoError(t, err, id) || !assert.True(t, res.Success, id) {
				return
			}
			if i%4 == 3 {
				err := f.p.Revert(ctx, id)
				if err != nil {
					assert.True(t, errors.Is(err, ErrNoCheckpoint) || errors.Is(err, ErrStaleCheckpoint), "revert %s: %v", id, err)
				}
				return
			}
			switch err := f.p.Commit(ctx, id); {
			case err == nil:
				committed.Add(1)
			case errors.Is(err, ErrNoShadow), errors.Is(err, ErrNoCheckpoint), errors.Is(err, ErrStaleCheckpoint):
			default:
				assert.NoError(t, err, "commit %s", id)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	watcher.Wait()

	n := int(committed.Load())
	assert.Equal(t, n, f.count(t, ledger.TypePromotion), "one promotion per successful commit")
	canon := f.p.Canonical()
	assert.Equal(t, n, canon.Len())
	for _, id := range canon.UnitIDs() {
		_, ok := canon.Account(id)
		assert.True(t, ok, "account for %s", id)
	}

	st := f.p.Status()
	assert.Equal(t, st.ShadowActive, st.PendingUnit != "")
	if st.ShadowActive {
		_, accepted := canon.Unit(st.PendingUnit)
		assert.False(t, accepted, "pending unit %s is already canonical", st.PendingUnit)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(context.Background(), "", DefaultConfig(), Deps{}, nil)
	assert.ErrorIs(t, err, ErrInput)
	_, err = New(context.Background(), "ns", DefaultConfig(), Deps{}, nil)
	assert.Error(t, err)
}
