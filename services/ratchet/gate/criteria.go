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
	"errors"
	"fmt"
)

var errMissingDependency = errors.New("validator not configured")

func builtinCriteria(cfg Config, deps Deps) []criterion {
	return []criterion{
		{
			name: CriterionGluingCoherence, required: true,
			hint: "Fix interface mismatches with neighboring units",
			check: func(ctx context.Context, in Input, art *Artifacts) (bool, map[string]any, error) {
				if deps.Coherence == nil {
					return false, nil, errMissingDependency
				}
				proof := deps.Coherence.Verify(ctx, in.Candidate, in.Neighbours())
				art.Coherence = proof
				return proof.Valid, map[string]any{
					"pairs":        len(proof.Pairs),
					"triples":      len(proof.Triples),
					"failed_pairs": proof.FailedPairs(),
					"digest":       proof.Digest,
				}, nil
			},
		},
		{
			name: CriterionToleranceBand, required: true,
			hint: "Adjust variance to reach the 9°±2° band",
			check: func(ctx context.Context, in Input, art *Artifacts) (bool, map[string]any, error) {
				if deps.Tolerance == nil {
					return false, nil, errMissingDependency
				}
				m, err := deps.Tolerance.Measure(ctx, in.Candidate)
				if err != nil {
					return false, nil, err
				}
				art.Tolerance = m
				return m.WithinTolerance, map[string]any{
					"degrees":        m.EffectiveToleranceDegrees,
					"classification": m.Classification,
				}, nil
			},
		},
		{
			name: CriterionEnergyEfficiency, required: true,
			hint: "Improve energy efficiency",
			check: func(_ context.Context, in Input, _ *Artifacts) (bool, map[string]any, error) {
				if deps.Accountant == nil {
					return false, nil, errMissingDependency
				}
				eff, err := deps.Accountant.Efficiency(in.Shadow, in.Candidate.ID)
				if err != nil {
					return false, nil, err
				}
				return eff >= cfg.EfficiencyBaseline, map[string]any{
					"efficiency": eff,
					"baseline":   cfg.EfficiencyBaseline,
				}, nil
			},
		},
		{
			name: CriterionNumericalStability, required: true,
			hint: "Fix numerical operations causing error accumulation",
			check: func(ctx context.Context, in Input, art *Artifacts) (bool, map[string]any, error) {
				if deps.Stability == nil {
					return false, nil, errMissingDependency
				}
				r, err := deps.Stability.Audit(ctx, in.Namespace, in.Candidate)
				if err != nil {
					return false, nil, err
				}
				art.Stability = r
				return r.WithinBounds, map[string]any{
					"rms":         r.RMS,
					"accumulated": r.Accumulated,
					"bound":       r.Bound,
					"critical":    r.Critical,
					"trend":       r.Trend,
				}, nil
			},
		},
		{
			name: CriterionRiskAssessment, required: true,
			hint: "Add mitigations for high-risk capabilities",
			check: func(_ context.Context, in Input, art *Artifacts) (bool, map[string]any, error) {
				if deps.Risk == nil {
					return false, nil, errMissingDependency
				}
				a := deps.Risk.Assess(in.Candidate)
				art.Risk = a
				return a.Score < cfg.RiskThreshold, map[string]any{
					"score":                a.Score,
					"threshold":            cfg.RiskThreshold,
					"required_mitigations": a.RequiredMitigations,
				}, nil
			},
		},
		{
			name: CriterionInterfaceCompleteness, required: true,
			hint: "Implement all declared interface methods",
			check: func(_ context.Context, in Input, _ *Artifacts) (bool, map[string]any, error) {
				ok, missing := in.Candidate.Interface.Complete()
				return ok, map[string]any{"missing": missing}, nil
			},
		},
		{
			name: CriterionStateConsistency, required: true,
			hint: "Resolve orphaned connections and out-of-range metrics",
			check: func(_ context.Context, in Input, _ *Artifacts) (bool, map[string]any, error) {
				orphans := in.Shadow.Orphans()
				details := map[string]any{"orphans": len(orphans)}
				if err := in.Shadow.Metrics().Validate(); err != nil {
					details["metrics"] = err.Error()
					return false, details, nil
				}
				return len(orphans) == 0, details, nil
			},
		},
		{
			name: CriterionGenomeIntegrity, required: true,
			hint: "Restore genome checksum",
			check: func(_ context.Context, in Input, _ *Artifacts) (bool, map[string]any, error) {
				g := in.Candidate.Genome
				return g.Verify(), map[string]any{"version": g.Version}, nil
			},
		},
		{
			name: CriterionDocumentationCoverage, required: false,
			hint: fmt.Sprintf("Document at least %.0f%% of functions", cfg.DocumentationCoverage*100),
			check: func(_ context.Context, in Input, _ *Artifacts) (bool, map[string]any, error) {
				cov := in.Candidate.Interface.DocumentationCoverage()
				return cov > cfg.DocumentationCoverage, map[string]any{"coverage": cov}, nil
			},
		},
		{
			name: CriterionTestCoverage, required: false,
			hint: fmt.Sprintf("Test at least %.0f%% of functions", cfg.TestCoverage*100),
			check: func(_ context.Context, in Input, _ *Artifacts) (bool, map[string]any, error) {
				cov := in.Candidate.Interface.TestCoverage()
				return cov > cfg.TestCoverage, map[string]any{"coverage": cov}, nil
			},
		},
	}
}
