// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stability audits numerical drift across generations of units.
//
// # Description
//
// Every audit runs a fixed numerical battery plus the unit's own probes and
// reduces the recorded errors to an RMS figure. Committed audits accumulate
// per lineage root; a unit is within bounds when nothing is critical and the
// lineage total stays below BaseTolerance·sqrt(generation).
//
// Audit never changes auditor state. Record folds a report into its
// lineage and is called only when the unit is committed, so a rejected
// trial leaves no trace.
package stability

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/history"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Trends.
const (
	TrendStable      = "stable"
	TrendGrowing     = "growing"
	TrendOscillating = "oscillating"
)

// Config holds the audit thresholds.
type Config struct {
	RecordAbs     float64 `json:"record_abs" yaml:"record_abs" toml:"record_abs" validate:"gt=0"`
	RecordRel     float64 `json:"record_rel" yaml:"record_rel" toml:"record_rel" validate:"gt=0"`
	CriticalAbs   float64 `json:"critical_abs" yaml:"critical_abs" toml:"critical_abs" validate:"gt=0"`
	CriticalRel   float64 `json:"critical_rel" yaml:"critical_rel" toml:"critical_rel" validate:"gt=0"`
	BaseTolerance float64 `json:"base_tolerance" yaml:"base_tolerance" toml:"base_tolerance" validate:"gt=0"`
	HistorySize   int     `json:"history_size" yaml:"history_size" toml:"history_size" validate:"gte=6"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		RecordAbs:     1e-10,
		RecordRel:     1e-8,
		CriticalAbs:   1e-6,
		CriticalRel:   1e-4,
		BaseTolerance: 1e-10,
		HistorySize:   100,
	}
}

// ErrorRecord is one check whose error crossed the record threshold.
//
// A non-finite result is recorded as critical with AbsError and RelError
// set to 1 so the report stays serialisable.
type ErrorRecord struct {
	Name      string  `json:"name"`
	Computed  float64 `json:"computed"`
	Expected  float64 `json:"expected"`
	AbsError  float64 `json:"abs_error"`
	RelError  float64 `json:"rel_error"`
	Critical  bool    `json:"critical"`
	NonFinite bool    `json:"non_finite,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

// Report is the outcome of one audit.
type Report struct {
	Namespace    string        `json:"namespace,omitempty"`
	UnitID       string        `json:"unit_id"`
	Lineage      string        `json:"lineage"`
	Generation   int           `json:"generation"`
	Checks       int           `json:"checks"`
	Errors       []ErrorRecord `json:"errors"`
	Critical     int           `json:"critical"`
	RMS          float64       `json:"rms"`
	Accumulated  float64       `json:"accumulated"`
	Bound        float64       `json:"bound"`
	Trend        string        `json:"trend"`
	WithinBounds bool          `json:"within_bounds"`
}

// LineageStats summarises a lineage's committed audits.
type LineageStats struct {
	Namespace string    `json:"namespace,omitempty"`
	Root      string    `json:"root"`
	Total     float64   `json:"total"`
	Samples   int       `json:"samples"`
	Recent    []float64 `json:"recent"`
	Trend     string    `json:"trend"`
}

type lineage struct {
	total   float64
	history *history.RingBuffer[float64]
}

// lineageKey scopes a lineage root to its namespace; pipelines in different
// namespaces never share drift.
type lineageKey struct {
	namespace string
	root      string
}

// Auditor runs audits and tracks lineage drift per namespace.
//
// # Thread Safety
//
// Safe for concurrent use.
type Auditor struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	lineages map[lineageKey]*lineage
}

// NewAuditor creates an auditor.
func NewAuditor(cfg Config, logger *slog.Logger) *Auditor {
	def := DefaultConfig()
	if cfg.RecordAbs <= 0 {
		cfg.RecordAbs = def.RecordAbs
	}
	if cfg.RecordRel <= 0 {
		cfg.RecordRel = def.RecordRel
	}
	if cfg.CriticalAbs <= 0 {
		cfg.CriticalAbs = def.CriticalAbs
	}
	if cfg.CriticalRel <= 0 {
		cfg.CriticalRel = def.CriticalRel
	}
	if cfg.BaseTolerance <= 0 {
		cfg.BaseTolerance = def.BaseTolerance
	}
	if cfg.HistorySize < 6 {
		cfg.HistorySize = def.HistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		cfg:      cfg,
		logger:   logger.With("component", "stability"),
		lineages: make(map[lineageKey]*lineage),
	}
}

// Bound is the allowed accumulated error at a generation.
func (a *Auditor) Bound(generation int) float64 {
	return a.cfg.BaseTolerance * math.Sqrt(float64(max(generation, 1)))
}

// Audit runs the battery and the unit's probes. Accumulated drift comes
// from the lineage recorded under namespace only.
//
// # Outputs
//
//   - *Report: Errors in battery order then probe order.
//   - error: Only when ctx is cancelled.
func (a *Auditor) Audit(ctx context.Context, namespace string, u *unit.Unit) (*Report, error) {
	checks := Battery()
	for _, p := range u.Probes {
		compute, exact := p.Compute, p.Exact
		checks = append(checks, Check{
			Name: "probe:" + p.Name,
			Run:  func() (float64, float64) { return compute(), exact },
		})
	}

	slots := make([]*ErrorRecord, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = a.evaluate(c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("audit %s: %w", u.ID, err)
	}

	report := &Report{
		Namespace:  namespace,
		UnitID:     u.ID,
		Lineage:    u.LineageRoot(),
		Generation: u.Generation,
		Checks:     len(checks),
		Errors:     []ErrorRecord{},
		Bound:      a.Bound(u.Generation),
	}
	var sumSq float64
	for _, rec := range slots {
		if rec == nil {
			continue
		}
		report.Errors = append(report.Errors, *rec)
		sumSq += rec.AbsError * rec.AbsError
		if rec.Critical {
			report.Critical++
		}
	}
	if len(report.Errors) > 0 {
		report.RMS = math.Sqrt(sumSq / float64(len(report.Errors)))
	}

	a.mu.RLock()
	var prior []float64
	if l, ok := a.lineages[lineageKey{namespace, report.Lineage}]; ok {
		report.Accumulated = l.total
		prior = l.history.Slice()
	}
	a.mu.RUnlock()

	report.Accumulated += report.RMS
	report.Trend = ClassifyTrend(append(prior, report.RMS))
	report.WithinBounds = report.Critical == 0 && report.Accumulated < report.Bound
	return report, nil
}

// evaluate returns nil when the check is below the record thresholds.
func (a *Auditor) evaluate(c Check) (rec *ErrorRecord) {
	defer func() {
		if r := recover(); r != nil {
			rec = &ErrorRecord{Name: c.Name, AbsError: 1, RelError: 1, Critical: true, NonFinite: true,
				Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	computed, expected := c.Run()
	if !finite(computed) || !finite(expected) {
		return &ErrorRecord{Name: c.Name, AbsError: 1, RelError: 1, Critical: true, NonFinite: true,
			Detail: "non-finite result"}
	}

	abs := math.Abs(computed - expected)
	rel := abs
	if expected != 0 {
		rel = abs / math.Abs(expected)
	}
	if abs <= a.cfg.RecordAbs && rel <= a.cfg.RecordRel {
		return nil
	}
	return &ErrorRecord{
		Name:     c.Name,
		Computed: computed,
		Expected: expected,
		AbsError: abs,
		RelError: rel,
		Critical: abs > a.cfg.CriticalAbs || rel > a.cfg.CriticalRel,
	}
}

// Record folds a committed unit's report into its lineage.
func (a *Auditor) Record(r *Report) {
	if r == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := lineageKey{r.Namespace, r.Lineage}
	l, ok := a.lineages[key]
	if !ok {
		l = &lineage{history: history.NewRingBuffer[float64](a.cfg.HistorySize)}
		a.lineages[key] = l
	}
	l.total += r.RMS
	l.history.Push(r.RMS)

	a.logger.Debug("stability recorded",
		slog.String("namespace", r.Namespace),
		slog.String("lineage", r.Lineage),
		slog.Float64("rms", r.RMS),
		slog.Float64("total", l.total))
}

// Lineage returns stats for a lineage root in namespace.
func (a *Auditor) Lineage(namespace, root string) (LineageStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	l, ok := a.lineages[lineageKey{namespace, root}]
	if !ok {
		return LineageStats{}, false
	}
	recent := l.history.Slice()
	return LineageStats{
		Namespace: namespace,
		Root:      root,
		Total:     l.total,
		Samples:   len(recent),
		Recent:    recent,
		Trend:     ClassifyTrend(recent),
	}, true
}

// ClassifyTrend labels a series, oldest first.
//
// Fewer than six samples or a zero average is stable. Otherwise the newest
// value is compared to the average: above 1.5× is growing, below 0.5× is
// stable, anything between is oscillating.
func ClassifyTrend(series []float64) string {
	if len(series) <= 5 {
		return TrendStable
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	avg := sum / float64(len(series))
	if avg == 0 {
		return TrendStable
	}
	newest := series[len(series)-1]
	switch {
	case newest > 1.5*avg:
		return TrendGrowing
	case newest < 0.5*avg:
		return TrendStable
	default:
		return TrendOscillating
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
