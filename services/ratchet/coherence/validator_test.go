// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coherence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

var base = []float64{1, 0.5}

// framed builds a unit on the shared [0,2]^2 domain whose section is the
// base section seen from a frame rotated by phase.
func framed(id string, phase float64) *unit.Unit {
	return &unit.Unit{
		ID: id,
		Interface: unit.Interface{
			Domain:  unit.Box{Min: []float64{0, 0}, Max: []float64{2, 2}},
			Section: unit.Rotate(base, phase),
			Phase:   phase,
		},
	}
}

func TestVerify_NoNeighboursIsValid(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil, nil)
	proof := v.Verify(context.Background(), framed("A", 0), nil)
	assert.True(t, proof.Valid)
	assert.Empty(t, proof.Pairs)
	assert.True(t, proof.VerifyDigest())
}

func TestVerify_ConsistentTriangle(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil, nil)
	a, b, c := framed("A", 0), framed("B", 0.3), framed("C", 0.7)

	proof := v.Verify(context.Background(), c, []*unit.Unit{a, b})
	require.True(t, proof.Valid, "%+v", proof)
	assert.Len(t, proof.Pairs, 2)
	assert.Len(t, proof.Triples, 6)
	for _, tr := range proof.Triples {
		assert.True(t, tr.Valid)
		assert.Less(t, tr.MaxDeviation, DefaultEpsilon)
	}
}

func TestVerify_PerturbedTransitionFails(t *testing.T) {
	reg := NewTransitionRegistry()
	reg.Override("A", "C", func(v []float64) []float64 { return unit.Rotate(v, 0.71) })
	v := NewValidator(DefaultConfig(), reg, nil)
	a, b, c := framed("A", 0), framed("B", 0.3), framed("C", 0.7)

	proof := v.Verify(context.Background(), c, []*unit.Unit{a, b})
	assert.False(t, proof.Valid)
	assert.Equal(t, []string{"A"}, proof.FailedPairs())

	failedTriples := 0
	for _, tr := range proof.Triples {
		if !tr.Valid {
			failedTriples++
		}
	}
	assert.Positive(t, failedTriples)

	reg.Reset("A", "C")
	assert.True(t, v.Verify(context.Background(), c, []*unit.Unit{a, b}).Valid)
}

func TestVerify_CocycleOnlyFailure(t *testing.T) {
	// Pairs only use existing→candidate, so a bad A→B transition is caught
	// by the triple check alone.
	reg := NewTransitionRegistry()
	reg.Override("A", "B", func(v []float64) []float64 { return unit.Rotate(v, 0.35) })
	v := NewValidator(DefaultConfig(), reg, nil)
	a, b, c := framed("A", 0), framed("B", 0.3), framed("C", 0.7)

	proof := v.Verify(context.Background(), c, []*unit.Unit{a, b})
	assert.Empty(t, proof.FailedPairs())
	assert.False(t, proof.Valid)
}

func TestVerify_DisjointDomainsAreIgnored(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil, nil)
	far := framed("F", 1.0)
	far.Interface.Domain = unit.Box{Min: []float64{10, 10}, Max: []float64{11, 11}}
	far.Interface.Section = []float64{42, 42}

	proof := v.Verify(context.Background(), framed("C", 0), []*unit.Unit{far})
	assert.True(t, proof.Valid)
	assert.Empty(t, proof.Pairs)
}

func TestVerify_ErrorsBecomeInvalidPairs(t *testing.T) {
	t.Run("section dimension mismatch", func(t *testing.T) {
		v := NewValidator(DefaultConfig(), nil, nil)
		a := framed("A", 0)
		a.Interface.Section = []float64{1, 2, 3}
		proof := v.Verify(context.Background(), framed("C", 0), []*unit.Unit{a})
		require.Len(t, proof.Pairs, 1)
		assert.False(t, proof.Valid)
		assert.NotEmpty(t, proof.Pairs[0].Error)
	})

	t.Run("domain dimension mismatch", func(t *testing.T) {
		v := NewValidator(DefaultConfig(), nil, nil)
		a := framed("A", 0)
		a.Interface.Domain = unit.Box{Min: []float64{0}, Max: []float64{1}}
		proof := v.Verify(context.Background(), framed("C", 0), []*unit.Unit{a})
		require.Len(t, proof.Pairs, 1)
		assert.False(t, proof.Valid)
	})

	t.Run("panicking transition", func(t *testing.T) {
		reg := NewTransitionRegistry()
		reg.Override("A", "C", func([]float64) []float64 { panic("boom") })
		v := NewValidator(DefaultConfig(), reg, nil)
		proof := v.Verify(context.Background(), framed("C", 0), []*unit.Unit{framed("A", 0)})
		require.Len(t, proof.Pairs, 1)
		assert.False(t, proof.Valid)
		assert.Contains(t, proof.Pairs[0].Error, "boom")
	})
}

func TestProof_DigestDetectsTampering(t *testing.T) {
	v := NewValidator(DefaultConfig(), nil, nil)
	proof := v.Verify(context.Background(), framed("C", 0.7), []*unit.Unit{framed("A", 0)})
	require.True(t, proof.VerifyDigest())

	proof.Valid = !proof.Valid
	assert.False(t, proof.VerifyDigest())
}

func TestVerify_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := NewValidator(DefaultConfig(), nil, nil)
	proof := v.Verify(ctx, framed("C", 0), []*unit.Unit{framed("A", 0)})
	assert.False(t, proof.Valid)
}
