// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coherence checks that a candidate unit agrees with the accepted
// units it overlaps.
//
// # Description
//
// Each unit carries a section (its local view) and a frame phase. Where two
// domains overlap, the transition from the existing unit's frame must carry
// its section onto the candidate's. For every triple of overlapping units
// that includes the candidate, transitions must compose: T(b→c)∘T(a→b) must
// equal T(a→c) on a fixed battery of sample points.
//
// The cocycle check is sampled, so a passing proof is evidence rather than
// a guarantee. The proof digest detects tampering with a stored proof; it
// says nothing about correctness.
package coherence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Defaults.
const (
	DefaultEpsilon      = 1e-10
	DefaultSamplePoints = 8
	DefaultSeed         = 0x5eed
)

// Config tunes the validator.
type Config struct {
	Epsilon      float64 `json:"epsilon" yaml:"epsilon" toml:"epsilon" validate:"gt=0"`
	SamplePoints int     `json:"sample_points" yaml:"sample_points" toml:"sample_points" validate:"gte=1"`
	Seed         uint64  `json:"seed" yaml:"seed" toml:"seed"`
}

// DefaultConfig returns epsilon 1e-10 and 8 sample points.
func DefaultConfig() Config {
	return Config{Epsilon: DefaultEpsilon, SamplePoints: DefaultSamplePoints, Seed: DefaultSeed}
}

// PairResult is the agreement check against one overlapping unit.
type PairResult struct {
	UnitID   string   `json:"unit_id"`
	Overlap  unit.Box `json:"overlap"`
	Distance float64  `json:"distance"`
	Valid    bool     `json:"valid"`
	Error    string   `json:"error,omitempty"`
}

// TripleResult is the cocycle check for one ordered triple.
type TripleResult struct {
	Units        [3]string `json:"units"`
	MaxDeviation float64   `json:"max_deviation"`
	Valid        bool      `json:"valid"`
	Error        string    `json:"error,omitempty"`
}

// Proof is the outcome of Verify.
type Proof struct {
	CandidateID string         `json:"candidate_id"`
	Valid       bool           `json:"valid"`
	Epsilon     float64        `json:"epsilon"`
	Pairs       []PairResult   `json:"pairs"`
	Triples     []TripleResult `json:"triples"`
	CheckedAt   time.Time      `json:"checked_at"`
	Digest      string         `json:"digest"`
}

// ComputeDigest hashes the proof's JSON form with Digest cleared.
func (p *Proof) ComputeDigest() string {
	cp := *p
	cp.Digest = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyDigest reports whether Digest matches the proof's content.
func (p *Proof) VerifyDigest() bool {
	return p.Digest != "" && p.Digest == p.ComputeDigest()
}

// FailedPairs returns the ids of units the candidate disagrees with.
func (p *Proof) FailedPairs() []string {
	var out []string
	for _, pr := range p.Pairs {
		if !pr.Valid {
			out = append(out, pr.UnitID)
		}
	}
	return out
}

// Validator verifies candidates against accepted units.
//
// # Thread Safety
//
// Safe for concurrent use.
type Validator struct {
	cfg         Config
	transitions *TransitionRegistry
	logger      *slog.Logger
}

// NewValidator creates a validator. A nil registry gets default transitions.
func NewValidator(cfg Config, transitions *TransitionRegistry, logger *slog.Logger) *Validator {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.SamplePoints <= 0 {
		cfg.SamplePoints = DefaultSamplePoints
	}
	if transitions == nil {
		transitions = NewTransitionRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, transitions: transitions, logger: logger.With("component", "coherence")}
}

// Transitions returns the registry used by the validator.
func (v *Validator) Transitions() *TransitionRegistry { return v.transitions }

// Verify checks candidate against every existing unit it overlaps.
//
// # Description
//
// Units without a declared domain never overlap. A candidate that overlaps
// nothing is trivially valid. Errors and panics while evaluating an overlap
// or transition invalidate that pair or triple only.
//
// # Inputs
//
//   - ctx: Checked between pairs and triples; cancellation marks the proof
//     invalid.
//   - candidate: The unit under trial.
//   - existing: Accepted units. An entry with the candidate's id is skipped.
//
// # Outputs
//
//   - *Proof: Never nil, digest filled in.
func (v *Validator) Verify(ctx context.Context, candidate *unit.Unit, existing []*unit.Unit) *Proof {
	proof := &Proof{
		CandidateID: candidate.ID,
		Valid:       true,
		Epsilon:     v.cfg.Epsilon,
		Pairs:       []PairResult{},
		Triples:     []TripleResult{},
	}

	var overlapping []*unit.Unit
	for _, e := range existing {
		if e == nil || e.ID == candidate.ID || !hasDomain(e) || !hasDomain(candidate) {
			continue
		}
		if err := ctx.Err(); err != nil {
			proof.Valid = false
			break
		}
		pr, overlaps := v.checkPair(e, candidate)
		if !overlaps {
			continue
		}
		proof.Pairs = append(proof.Pairs, pr)
		if !pr.Valid {
			proof.Valid = false
		}
		if pr.Error == "" {
			overlapping = append(overlapping, e)
		}
	}

	samples := v.samplePoints(candidate)
	for i := 0; i < len(overlapping) && ctx.Err() == nil; i++ {
		for j := i + 1; j < len(overlapping); j++ {
			a, b := overlapping[i], overlapping[j]
			if !tripleOverlap(a, b, candidate) {
				continue
			}
			for _, order := range orderings(a, b, candidate) {
				tr := v.checkTriple(order, samples)
				proof.Triples = append(proof.Triples, tr)
				if !tr.Valid {
					proof.Valid = false
				}
			}
		}
	}
	if ctx.Err() != nil {
		proof.Valid = false
	}

	proof.CheckedAt = time.Now().UTC()
	proof.Digest = proof.ComputeDigest()

	v.logger.Debug("coherence verified",
		slog.String("candidate", candidate.ID),
		slog.Bool("valid", proof.Valid),
		slog.Int("pairs", len(proof.Pairs)),
		slog.Int("triples", len(proof.Triples)))
	return proof
}

// checkPair returns false when the domains do not overlap.
func (v *Validator) checkPair(existing, candidate *unit.Unit) (res PairResult, overlaps bool) {
	res.UnitID = existing.ID
	defer func() {
		if r := recover(); r != nil {
			res.Valid = false
			res.Error = fmt.Sprintf("panic: %v", r)
			overlaps = true
		}
	}()

	overlap, ok, err := existing.Interface.Domain.Intersect(candidate.Interface.Domain)
	if err != nil {
		res.Error = err.Error()
		return res, true
	}
	if !ok {
		return res, false
	}
	res.Overlap = overlap

	mapped := v.transitions.Get(existing, candidate)(existing.Interface.Section)
	if len(mapped) != len(candidate.Interface.Section) {
		res.Error = fmt.Sprintf("%v: section %d vs %d", unit.ErrDimensionMismatch, len(mapped), len(candidate.Interface.Section))
		return res, true
	}
	d := distance(mapped, candidate.Interface.Section)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		res.Error = "non-finite transition output"
		return res, true
	}
	res.Distance = d
	res.Valid = d < v.cfg.Epsilon
	return res, true
}

func (v *Validator) checkTriple(order [3]*unit.Unit, samples [][]float64) (res TripleResult) {
	a, b, c := order[0], order[1], order[2]
	res.Units = [3]string{a.ID, b.ID, c.ID}
	defer func() {
		if r := recover(); r != nil {
			res.Valid = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	ab := v.transitions.Get(a, b)
	bc := v.transitions.Get(b, c)
	ac := v.transitions.Get(a, c)
	for _, p := range samples {
		composed := bc(ab(p))
		direct := ac(p)
		if len(composed) != len(direct) {
			res.Error = unit.ErrDimensionMismatch.Error()
			return res
		}
		d := distance(composed, direct)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			res.Error = "non-finite transition output"
			return res
		}
		res.MaxDeviation = math.Max(res.MaxDeviation, d)
	}
	res.Valid = res.MaxDeviation < v.cfg.Epsilon
	return res
}

// samplePoints is deterministic per candidate section dimension.
func (v *Validator) samplePoints(candidate *unit.Unit) [][]float64 {
	dim := len(candidate.Interface.Section)
	if dim < 2 {
		dim = 2
	}
	rng := rand.New(rand.NewPCG(v.cfg.Seed, uint64(dim)))
	out := make([][]float64, v.cfg.SamplePoints)
	for i := range out {
		p := make([]float64, dim)
		for k := range p {
			p[k] = rng.Float64()*2 - 1
		}
		out[i] = p
	}
	return out
}

func hasDomain(u *unit.Unit) bool {
	return u.Interface.Domain.Dim() > 0
}

func tripleOverlap(a, b, c *unit.Unit) bool {
	ab, ok, err := a.Interface.Domain.Intersect(b.Interface.Domain)
	if err != nil || !ok {
		return false
	}
	_, ok, err = ab.Intersect(c.Interface.Domain)
	return err == nil && ok
}

// orderings lists the six permutations of a, b, c.
func orderings(a, b, c *unit.Unit) [][3]*unit.Unit {
	return [][3]*unit.Unit{
		{a, b, c}, {a, c, b},
		{b, a, c}, {b, c, a},
		{c, a, b}, {c, b, a},
	}
}

func distance(x, y []float64) float64 {
	var sum float64
	for i := range x {
		d := x[i] - y[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
