// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate decides whether a trialled unit may be promoted.
//
// # Description
//
// The gate runs a fixed list of criteria against the candidate and the
// frozen shadow state it produced. Required criteria must all pass for the
// report to be complete; advisory criteria only affect the satisfaction
// score. Criteria run concurrently and write into fixed slots, so results
// are always reported in registration order. A criterion that errors or
// panics fails with the message attached; the gate itself never errors.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/coherence"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/stability"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/state"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/tolerance"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Criterion names.
const (
	CriterionGluingCoherence       = "gluing_coherence"
	CriterionToleranceBand         = "tolerance_band"
	CriterionEnergyEfficiency      = "energy_efficiency"
	CriterionNumericalStability    = "numerical_stability"
	CriterionRiskAssessment        = "risk_assessment"
	CriterionInterfaceCompleteness = "interface_completeness"
	CriterionStateConsistency      = "state_consistency"
	CriterionGenomeIntegrity       = "genome_integrity"
	CriterionDocumentationCoverage = "documentation_coverage"
	CriterionTestCoverage          = "test_coverage"
)

// ReadyMessage is the recommendation when every required criterion passes.
const ReadyMessage = "All required criteria satisfied. Ready for promotion."

// ValidationResult is the outcome of one criterion.
type ValidationResult struct {
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Required bool           `json:"required"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Artifacts are the typed outputs of the built-in criteria, kept so the
// caller can act on them after the decision (e.g. record the stability
// report on commit).
type Artifacts struct {
	Coherence *coherence.Proof       `json:"coherence,omitempty"`
	Tolerance *tolerance.Measurement `json:"tolerance,omitempty"`
	Stability *stability.Report      `json:"stability,omitempty"`
	Risk      *risk.Assessment       `json:"risk,omitempty"`
}

// CompletionReport is the gate's decision.
type CompletionReport struct {
	UnitID            string             `json:"unit_id"`
	Complete          bool               `json:"complete"`
	Results           []ValidationResult `json:"results"`
	SatisfactionScore float64            `json:"satisfaction_score"`
	MissingRequired   []string           `json:"missing_required"`
	Recommendation    string             `json:"recommendation"`
	Artifacts         Artifacts          `json:"artifacts"`
	EvaluatedAt       time.Time          `json:"evaluated_at"`
}

// Input is what a criterion sees. Shadow is frozen; criteria must not
// modify Candidate.
type Input struct {
	// Namespace scopes lineage history; may be empty.
	Namespace string
	Candidate *unit.Unit
	Shadow    *state.Snapshot
}

// Neighbours returns the shadow's units other than the candidate.
func (in Input) Neighbours() []*unit.Unit {
	var out []*unit.Unit
	for _, u := range in.Shadow.Units() {
		if u.ID != in.Candidate.ID {
			out = append(out, u)
		}
	}
	return out
}

// CheckFunc evaluates one criterion. Details are attached to the result.
type CheckFunc func(ctx context.Context, in Input, art *Artifacts) (passed bool, details map[string]any, err error)

type criterion struct {
	name     string
	required bool
	hint     string
	check    CheckFunc
}

// Config holds criterion thresholds.
type Config struct {
	EfficiencyBaseline    float64 `json:"efficiency_baseline" yaml:"efficiency_baseline" toml:"efficiency_baseline" validate:"gte=0"`
	RiskThreshold         float64 `json:"risk_threshold" yaml:"risk_threshold" toml:"risk_threshold" validate:"gt=0,lte=1"`
	DocumentationCoverage float64 `json:"documentation_coverage" yaml:"documentation_coverage" toml:"documentation_coverage" validate:"gte=0,lte=1"`
	TestCoverage          float64 `json:"test_coverage" yaml:"test_coverage" toml:"test_coverage" validate:"gte=0,lte=1"`
}

// DefaultConfig returns baseline 0.1, risk threshold 0.3, and coverage
// targets 0.8 and 0.6.
func DefaultConfig() Config {
	return Config{
		EfficiencyBaseline:    0.1,
		RiskThreshold:         0.3,
		DocumentationCoverage: 0.8,
		TestCoverage:          0.6,
	}
}

// Deps are the validators the built-in criteria call.
type Deps struct {
	Coherence  *coherence.Validator
	Tolerance  *tolerance.Monitor
	Stability  *stability.Auditor
	Risk       *risk.Classifier
	Accountant *energy.Accountant
}

// Gate evaluates candidates.
//
// # Thread Safety
//
// Evaluate is safe for concurrent use. AddCriterion must not race with
// Evaluate.
type Gate struct {
	cfg      Config
	criteria []criterion
	logger   *slog.Logger
}

// New builds a gate with the built-in criteria.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{cfg: cfg, logger: logger.With("component", "gate")}
	g.criteria = builtinCriteria(cfg, deps)
	return g
}

// AddCriterion appends a custom criterion.
func (g *Gate) AddCriterion(name string, required bool, hint string, check CheckFunc) {
	g.criteria = append(g.criteria, criterion{name: name, required: required, hint: hint, check: check})
}

// Criteria returns the criterion names in evaluation order.
func (g *Gate) Criteria() []string {
	out := make([]string, len(g.criteria))
	for i, c := range g.criteria {
		out[i] = c.name
	}
	return out
}

// Evaluate runs every criterion and builds the report.
//
// # Inputs
//
//   - ctx: Passed to criteria. Cancellation fails the criteria still running.
//   - in: Candidate and frozen shadow.
//
// # Outputs
//
//   - *CompletionReport: Never nil.
func (g *Gate) Evaluate(ctx context.Context, in Input) *CompletionReport {
	results := make([]ValidationResult, len(g.criteria))
	arts := make([]Artifacts, len(g.criteria))

	var eg errgroup.Group
	for i, c := range g.criteria {
		eg.Go(func() error {
			results[i] = runCriterion(ctx, c, in, &arts[i])
			return nil
		})
	}
	_ = eg.Wait()

	report := &CompletionReport{
		UnitID:          in.Candidate.ID,
		Results:         results,
		MissingRequired: []string{},
		EvaluatedAt:     time.Now().UTC(),
	}
	passed := 0
	var hints []string
	for i, r := range results {
		mergeArtifacts(&report.Artifacts, arts[i])
		if r.Passed {
			passed++
			continue
		}
		if r.Required {
			report.MissingRequired = append(report.MissingRequired, r.Name)
			hints = append(hints, g.criteria[i].hint)
		}
	}
	if len(results) > 0 {
		report.SatisfactionScore = float64(passed) / float64(len(results))
	}
	report.Complete = len(report.MissingRequired) == 0
	if report.Complete {
		report.Recommendation = ReadyMessage
	} else {
		report.Recommendation = fmt.Sprintf("Failed %d required criteria: %s",
			len(report.MissingRequired), strings.Join(hints, "; "))
	}

	g.logger.Debug("gate evaluated",
		slog.String("unit_id", in.Candidate.ID),
		slog.Bool("complete", report.Complete),
		slog.Float64("satisfaction", report.SatisfactionScore),
		slog.Any("missing", report.MissingRequired))
	return report
}

func runCriterion(ctx context.Context, c criterion, in Input, art *Artifacts) (res ValidationResult) {
	res = ValidationResult{Name: c.name, Required: c.required}
	defer func() {
		if r := recover(); r != nil {
			res.Passed = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}
	passed, details, err := c.check(ctx, in, art)
	res.Details = details
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Passed = passed
	return res
}

func mergeArtifacts(dst *Artifacts, src Artifacts) {
	if src.Coherence != nil {
		dst.Coherence = src.Coherence
	}
	if src.Tolerance != nil {
		dst.Tolerance = src.Tolerance
	}
	if src.Stability != nil {
		dst.Stability = src.Stability
	}
	if src.Risk != nil {
		dst.Risk = src.Risk
	}
}
