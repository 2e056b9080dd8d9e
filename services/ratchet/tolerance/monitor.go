// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tolerance measures how much a unit's boundary operator bends its
// inputs against how robust it is to being bent further.
//
// # Description
//
// Variance comes from a Scorer over output-minus-input shifts sampled across
// the unit's domain. Stability is the fraction of rotated variants of the
// operator whose outputs stay valid on a fixed probe set. The effective
// tolerance angle atan2(variance, stability) must land in a band around a
// target (9° ± 2° by default): too low is rigid, too high is chaotic.
package tolerance

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Classifications.
const (
	ClassRigid   = "rigid"
	ClassInBand  = "in_band"
	ClassChaotic = "chaotic"
)

// Config tunes the monitor.
type Config struct {
	Samples                int     `json:"samples" yaml:"samples" toml:"samples" validate:"gte=2"`
	Perturbations          int     `json:"perturbations" yaml:"perturbations" toml:"perturbations" validate:"gte=1"`
	MaxPerturbationDegrees float64 `json:"max_perturbation_degrees" yaml:"max_perturbation_degrees" toml:"max_perturbation_degrees" validate:"gte=0"`
	TargetDegrees          float64 `json:"target_degrees" yaml:"target_degrees" toml:"target_degrees" validate:"gte=0,lte=90"`
	BandDegrees            float64 `json:"band_degrees" yaml:"band_degrees" toml:"band_degrees" validate:"gte=0"`
	Workers                int     `json:"workers" yaml:"workers" toml:"workers" validate:"gte=1"`
	Seed                   uint64  `json:"seed" yaml:"seed" toml:"seed"`
}

// DefaultConfig returns 1000 samples, 100 perturbations up to 20°, and a
// 9° ± 2° band.
func DefaultConfig() Config {
	return Config{
		Samples:                1000,
		Perturbations:          100,
		MaxPerturbationDegrees: 20,
		TargetDegrees:          9,
		BandDegrees:            2,
		Workers:                4,
		Seed:                   0x70_1e_2a_9c,
	}
}

// Measurement is the result of Measure.
type Measurement struct {
	UnitID                    string  `json:"unit_id"`
	EffectiveToleranceDegrees float64 `json:"effective_tolerance_degrees"`
	Variance                  float64 `json:"variance"`
	StabilityRate             float64 `json:"stability_rate"`
	WithinTolerance           bool    `json:"within_tolerance"`
	Classification            string  `json:"classification"`
	TargetDegrees             float64 `json:"target_degrees"`
	BandDegrees               float64 `json:"band_degrees"`
	Samples                   int     `json:"samples"`
}

// Monitor measures effective tolerance.
//
// # Thread Safety
//
// Safe for concurrent use if the Scorer is.
type Monitor struct {
	cfg    Config
	scorer Scorer
	logger *slog.Logger
}

// NewMonitor creates a monitor. A nil scorer uses DominantVarianceScorer.
func NewMonitor(cfg Config, scorer Scorer, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Samples < 2 {
		cfg.Samples = def.Samples
	}
	if cfg.Perturbations < 1 {
		cfg.Perturbations = def.Perturbations
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if scorer == nil {
		scorer = DominantVarianceScorer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, scorer: scorer, logger: logger.With("component", "tolerance")}
}

// Classify places an angle relative to the band.
func (m *Monitor) Classify(degrees float64) string {
	switch {
	case degrees < m.cfg.TargetDegrees-m.cfg.BandDegrees:
		return ClassRigid
	case degrees > m.cfg.TargetDegrees+m.cfg.BandDegrees:
		return ClassChaotic
	default:
		return ClassInBand
	}
}

// Measure samples the unit's boundary operator.
//
// # Description
//
// Inputs are drawn uniformly from the unit's domain box; a unit without a
// domain is sampled on [-1,1]^n with n the section length (at least 2).
// Sampling is split across workers, each with its own seeded generator, and
// results land in fixed slots so the measurement is deterministic.
//
// # Outputs
//
//   - *Measurement: The angle and its components.
//   - error: When the operator cannot be built or ctx is cancelled.
func (m *Monitor) Measure(ctx context.Context, u *unit.Unit) (*Measurement, error) {
	op, err := u.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve operator for %s: %w", u.ID, err)
	}

	box := samplingBox(u)
	seed := m.cfg.Seed ^ hashID(u.ID)
	inputs := make([][]float64, m.cfg.Samples)
	shifts := make([][]float64, m.cfg.Samples)

	chunk := (m.cfg.Samples + m.cfg.Workers - 1) / m.cfg.Workers
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < m.cfg.Workers; w++ {
		start, end := w*chunk, min((w+1)*chunk, m.cfg.Samples)
		if start >= end {
			break
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("operator panic: %v", r)
				}
			}()
			rng := rand.New(rand.NewPCG(seed, uint64(w)))
			for i := start; i < end; i++ {
				if (i-start)%128 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				in := uniform(rng, box)
				out := op.Apply(unit.Signal{Vector: in, Modal: rng.IntN(unit.MaxModal + 1), Coherence: rng.Float64()})
				inputs[i] = in
				shifts[i] = shift(in, out.Vector)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sample %s: %w", u.ID, err)
	}

	variance := m.scorer.Score(shifts)
	stability := m.stabilityRate(op, probeSet(box, inputs))
	angle := math.Atan2(variance, stability) * 180 / math.Pi
	class := m.Classify(angle)

	meas := &Measurement{
		UnitID:                    u.ID,
		EffectiveToleranceDegrees: angle,
		Variance:                  variance,
		StabilityRate:             stability,
		WithinTolerance:           class == ClassInBand,
		Classification:            class,
		TargetDegrees:             m.cfg.TargetDegrees,
		BandDegrees:               m.cfg.BandDegrees,
		Samples:                   m.cfg.Samples,
	}
	m.logger.Debug("tolerance measured",
		slog.String("unit_id", u.ID),
		slog.Float64("degrees", angle),
		slog.String("class", class))
	return meas, nil
}

// stabilityRate rotates the operator's output by evenly spaced angles in
// (0, MaxPerturbationDegrees] and counts variants valid on every probe.
func (m *Monitor) stabilityRate(op unit.BoundaryOperator, probes [][]float64) float64 {
	valid := 0
	for k := 1; k <= m.cfg.Perturbations; k++ {
		theta := m.cfg.MaxPerturbationDegrees * float64(k) / float64(m.cfg.Perturbations) * math.Pi / 180
		if perturbedValid(op, theta, probes) {
			valid++
		}
	}
	return float64(valid) / float64(m.cfg.Perturbations)
}

func perturbedValid(op unit.BoundaryOperator, theta float64, probes [][]float64) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	for _, p := range probes {
		out := op.Apply(unit.Signal{Vector: p, Modal: 0, Coherence: 1})
		out.Vector = unit.Rotate(out.Vector, theta)
		if !out.Valid() {
			return false
		}
	}
	return true
}

// probeSet is the box center, both corners and the first five samples.
func probeSet(box unit.Box, samples [][]float64) [][]float64 {
	probes := [][]float64{box.Center(), box.Min, box.Max}
	for i := 0; i < len(samples) && i < 5; i++ {
		probes = append(probes, samples[i])
	}
	return probes
}

func samplingBox(u *unit.Unit) unit.Box {
	if u.Interface.Domain.Dim() > 0 {
		return u.Interface.Domain
	}
	dim := max(len(u.Interface.Section), 2)
	box := unit.Box{Min: make([]float64, dim), Max: make([]float64, dim)}
	for i := 0; i < dim; i++ {
		box.Min[i], box.Max[i] = -1, 1
	}
	return box
}

func uniform(rng *rand.Rand, box unit.Box) []float64 {
	v := make([]float64, box.Dim())
	for i := range v {
		v[i] = box.Min[i] + rng.Float64()*(box.Max[i]-box.Min[i])
	}
	return v
}

// shift is out-in; a length change yields a NaN vector that scores as
// maximal variance.
func shift(in, out []float64) []float64 {
	s := make([]float64, len(in))
	if len(out) != len(in) {
		for i := range s {
			s[i] = math.NaN()
		}
		return s
	}
	for i := range s {
		s[i] = out[i] - in[i]
	}
	return s
}

func hashID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
