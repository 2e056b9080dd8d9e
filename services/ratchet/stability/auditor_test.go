// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stability

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

func TestBattery_HealthyOnThisMachine(t *testing.T) {
	cfg := DefaultConfig()
	for _, c := range Battery() {
		computed, expected := c.Run()
		abs := math.Abs(computed - expected)
		assert.LessOrEqual(t, abs, cfg.RecordAbs, "%s: computed %v expected %v", c.Name, computed, expected)
	}
}

func TestAudit_HealthyUnit(t *testing.T) {
	a := NewAuditor(DefaultConfig(), nil)
	r, err := a.Audit(context.Background(), "", &unit.Unit{ID: "A"})
	require.NoError(t, err)

	assert.Equal(t, "A", r.Lineage)
	assert.Equal(t, 6, r.Checks)
	assert.Empty(t, r.Errors)
	assert.Equal(t, 0.0, r.RMS)
	assert.Equal(t, TrendStable, r.Trend)
	assert.True(t, r.WithinBounds)
	assert.InDelta(t, 1e-10, r.Bound, 1e-24)
}

func TestAudit_ProbesAreRecorded(t *testing.T) {
	a := NewAuditor(DefaultConfig(), nil)
	u := &unit.Unit{ID: "A", Probes: []unit.Probe{
		{Name: "small", Exact: 1, Compute: func() float64 { return 1 + 5e-9 }},
		{Name: "large", Exact: 1, Compute: func() float64 { return 1.01 }},
		{Name: "nan", Exact: 0, Compute: func() float64 { return math.NaN() }},
		{Name: "panics", Exact: 0, Compute: func() float64 { panic("boom") }},
		{Name: "exact", Exact: 2, Compute: func() float64 { return 2 }},
	}}

	r, err := a.Audit(context.Background(), "", u)
	require.NoError(t, err)
	require.Len(t, r.Errors, 4)

	assert.Equal(t, "probe:small", r.Errors[0].Name)
	assert.False(t, r.Errors[0].Critical)
	assert.Equal(t, "probe:large", r.Errors[1].Name)
	assert.True(t, r.Errors[1].Critical)
	assert.True(t, r.Errors[2].NonFinite)
	assert.Contains(t, r.Errors[3].Detail, "boom")

	assert.Equal(t, 3, r.Critical)
	assert.False(t, r.WithinBounds)
	assert.Greater(t, r.RMS, 0.0)
}

func TestAudit_IsPureRecordAccumulates(t *testing.T) {
	a := NewAuditor(DefaultConfig(), nil)
	u := &unit.Unit{ID: "A", Probes: []unit.Probe{
		{Name: "drift", Exact: 1, Compute: func() float64 { return 1 + 2e-9 }},
	}}

	r1, err := a.Audit(context.Background(), "", u)
	require.NoError(t, err)
	r2, err := a.Audit(context.Background(), "", u)
	require.NoError(t, err)
	assert.Equal(t, r1.Accumulated, r2.Accumulated, "audit must not change lineage state")
	_, ok := a.Lineage("", "A")
	assert.False(t, ok)

	a.Record(r1)
	a.Record(r2)
	stats, ok := a.Lineage("", "A")
	require.True(t, ok)
	assert.Equal(t, 2, stats.Samples)
	assert.InDelta(t, 2*r1.RMS, stats.Total, 1e-20)

	child := &unit.Unit{ID: "A.1.1", Generation: 1, Lineage: []string{"A"}, Probes: u.Probes}
	r3, err := a.Audit(context.Background(), "", child)
	require.NoError(t, err)
	assert.Equal(t, "A", r3.Lineage)
	assert.InDelta(t, 3*r1.RMS, r3.Accumulated, 1e-20)
	assert.False(t, r3.WithinBounds, "accumulated drift above 1e-10 breaks the bound")
}

func TestAudit_LineagesAreScopedByNamespace(t *testing.T) {
	a := NewAuditor(Config{BaseTolerance: 3e-9}, nil)
	u := &unit.Unit{ID: "A", Probes: []unit.Probe{
		{Name: "drift", Exact: 1, Compute: func() float64 { return 1 + 2e-9 }},
	}}
	ctx := context.Background()

	alpha, err := a.Audit(ctx, "alpha", u)
	require.NoError(t, err)
	assert.Equal(t, "alpha", alpha.Namespace)
	require.True(t, alpha.WithinBounds)
	a.Record(alpha)

	beta, err := a.Audit(ctx, "beta", u)
	require.NoError(t, err)
	assert.InDelta(t, alpha.RMS, beta.Accumulated, 1e-20, "alpha history must not leak into beta")
	assert.True(t, beta.WithinBounds)
	a.Record(beta)

	again, err := a.Audit(ctx, "alpha", u)
	require.NoError(t, err)
	assert.InDelta(t, 2*alpha.RMS, again.Accumulated, 1e-20)
	assert.False(t, again.WithinBounds)

	for _, ns := range []string{"alpha", "beta"} {
		stats, ok := a.Lineage(ns, "A")
		require.True(t, ok, ns)
		assert.Equal(t, ns, stats.Namespace)
		assert.Equal(t, 1, stats.Samples, ns)
	}
	_, ok := a.Lineage("gamma", "A")
	assert.False(t, ok)
}

func TestAuditor_Bound(t *testing.T) {
	a := NewAuditor(DefaultConfig(), nil)
	assert.Equal(t, a.Bound(0), a.Bound(1))
	assert.InDelta(t, 2e-10, a.Bound(4), 1e-24)
}

func TestClassifyTrend(t *testing.T) {
	tests := []struct {
		name   string
		series []float64
		want   string
	}{
		{"short", []float64{1, 100}, TrendStable},
		{"zero average", []float64{0, 0, 0, 0, 0, 0}, TrendStable},
		{"growing", []float64{1, 1, 1, 1, 1, 5}, TrendGrowing},
		{"shrinking", []float64{1, 1, 1, 1, 1, 0.1}, TrendStable},
		{"oscillating", []float64{2, 0, 2, 0, 2, 1}, TrendOscillating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTrend(tt.series))
		})
	}
}

func TestAudit_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAuditor(DefaultConfig(), nil).Audit(ctx, "", &unit.Unit{ID: "A"})
	assert.ErrorIs(t, err, context.Canceled)
}
