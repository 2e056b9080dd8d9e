// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/coherence"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/stability"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/state"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/tolerance"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	classifier, err := risk.NewClassifier(risk.Config{}, nil)
	require.NoError(t, err)
	return New(DefaultConfig(), Deps{
		Coherence:  coherence.NewValidator(coherence.DefaultConfig(), nil, nil),
		Tolerance:  tolerance.NewMonitor(tolerance.DefaultConfig(), nil, nil),
		Stability:  stability.NewAuditor(stability.DefaultConfig(), nil),
		Risk:       classifier,
		Accountant: energy.NewAccountant(0, nil),
	}, nil)
}

func healthyUnit(id string) *unit.Unit {
	return &unit.Unit{
		ID:           id,
		Budget:       90,
		Capabilities: []string{"read", "write"},
		Genome:       unit.Genome{Config: map[string]string{"k": "v"}}.Sealed(),
		Interface: unit.Interface{
			Domain:          unit.Box{Min: []float64{-1, -1}, Max: []float64{1, 1}},
			Declared:        []unit.Declaration{{Name: "Reader", Methods: []string{"Read"}}},
			Implementations: []unit.Implementation{{Implements: "Reader", Methods: []string{"Read"}}},
			Functions:       []unit.Function{{Name: "Read", Documented: true, Tested: true}},
		},
		Operator: unit.OperatorSpec{Kind: unit.OperatorJitter, Amplitude: 0.4},
	}
}

func shadowWith(u *unit.Unit, withAccount bool) *state.Snapshot {
	b := state.NewBuilder(nil)
	b.PutUnit(u)
	if withAccount {
		b.PutAccount(energy.Account{UnitID: u.ID, Initial: 100, Budget: 90, Consumed: 10, Produced: 5})
	}
	return b.Freeze()
}

func resultByName(t *testing.T, r *CompletionReport, name string) ValidationResult {
	t.Helper()
	for _, res := range r.Results {
		if res.Name == name {
			return res
		}
	}
	t.Fatalf("no result for %s", name)
	return ValidationResult{}
}

func TestEvaluate_HealthyCandidateIsComplete(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, true)})

	assert.True(t, report.Complete, "missing: %v", report.MissingRequired)
	assert.Empty(t, report.MissingRequired)
	assert.Equal(t, 1.0, report.SatisfactionScore)
	assert.Equal(t, ReadyMessage, report.Recommendation)
	require.Len(t, report.Results, 10)
	assert.Equal(t, g.Criteria()[0], report.Results[0].Name, "results keep registration order")

	require.NotNil(t, report.Artifacts.Coherence)
	require.NotNil(t, report.Artifacts.Tolerance)
	require.NotNil(t, report.Artifacts.Stability)
	require.NotNil(t, report.Artifacts.Risk)
	assert.True(t, report.Artifacts.Coherence.VerifyDigest())
}

func TestEvaluate_AdvisoryFailureKeepsCompleteness(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")
	u.Interface.Functions = []unit.Function{{Name: "Read"}}

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, true)})

	assert.True(t, report.Complete)
	assert.InDelta(t, 0.8, report.SatisfactionScore, 1e-12)
	assert.False(t, resultByName(t, report, CriterionDocumentationCoverage).Passed)
	assert.False(t, resultByName(t, report, CriterionTestCoverage).Passed)
	assert.False(t, resultByName(t, report, CriterionTestCoverage).Required)
}

func TestEvaluate_RequiredFailuresInOrder(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")
	u.Capabilities = append(u.Capabilities, "timeline_rewrite")
	u.Genome.Checksum = "tampered"

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, true)})

	assert.False(t, report.Complete)
	assert.Equal(t, []string{CriterionRiskAssessment, CriterionGenomeIntegrity}, report.MissingRequired)
	assert.Equal(t,
		"Failed 2 required criteria: Add mitigations for high-risk capabilities; Restore genome checksum",
		report.Recommendation)
	assert.InDelta(t, 0.8, report.SatisfactionScore, 1e-12)
}

func TestEvaluate_MissingAccountFailsEfficiency(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, false)})

	res := resultByName(t, report, CriterionEnergyEfficiency)
	assert.False(t, res.Passed)
	assert.NotEmpty(t, res.Error)
	assert.Contains(t, report.MissingRequired, CriterionEnergyEfficiency)
}

func TestEvaluate_RigidOperatorFailsTolerance(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")
	u.Operator = unit.OperatorSpec{Kind: unit.OperatorIdentity}

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, true)})

	assert.Equal(t, []string{CriterionToleranceBand}, report.MissingRequired)
	assert.Contains(t, report.Recommendation, "9°±2°")
}

func TestEvaluate_OrphanedConnectionFailsConsistency(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")
	b := state.NewBuilder(nil)
	b.PutUnit(u)
	b.PutAccount(energy.Account{UnitID: "A", Initial: 100, Budget: 90, Consumed: 10, Produced: 5})
	b.Connect(unit.Connection{From: "A", To: "ghost"})

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: b.Freeze()})

	assert.Equal(t, []string{CriterionStateConsistency}, report.MissingRequired)
}

func TestEvaluate_PanickingCriterionFails(t *testing.T) {
	g := newTestGate(t)
	g.AddCriterion("explodes", true, "Stop exploding", func(context.Context, Input, *Artifacts) (bool, map[string]any, error) {
		panic("kaboom")
	})
	u := healthyUnit("A")

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, true)})

	res := resultByName(t, report, "explodes")
	assert.False(t, res.Passed)
	assert.Contains(t, res.Error, "kaboom")
	assert.Equal(t, []string{"explodes"}, report.MissingRequired)
	assert.Equal(t, "Failed 1 required criteria: Stop exploding", report.Recommendation)
}

func TestEvaluate_CancelledContextFailsEverything(t *testing.T) {
	g := newTestGate(t)
	u := healthyUnit("A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := g.Evaluate(ctx, Input{Candidate: u, Shadow: shadowWith(u, true)})

	assert.False(t, report.Complete)
	assert.Equal(t, 0.0, report.SatisfactionScore)
	assert.Len(t, report.MissingRequired, 8)
}

func TestEvaluate_MissingDependency(t *testing.T) {
	g := New(DefaultConfig(), Deps{}, nil)
	u := healthyUnit("A")

	report := g.Evaluate(context.Background(), Input{Candidate: u, Shadow: shadowWith(u, true)})

	for _, name := range []string{CriterionGluingCoherence, CriterionToleranceBand, CriterionEnergyEfficiency,
		CriterionNumericalStability, CriterionRiskAssessment} {
		res := resultByName(t, report, name)
		assert.False(t, res.Passed, name)
		assert.Equal(t, errMissingDependency.Error(), res.Error, name)
	}
}
