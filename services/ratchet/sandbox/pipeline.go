// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox runs candidate units against a shadow copy of accepted
// state and promotes or discards the result.
//
// # Description
//
// A Pipeline owns the canonical state of one namespace. Trial checkpoints
// canonical, applies the candidate's effects to a copy-on-write shadow,
// freezes it and asks the admission gate for a decision. A passing trial
// leaves the shadow pending until Commit writes a promotion event to the
// ledger and swaps it in; a failing trial is reverted immediately. Every
// operation holds the pipeline lock for its whole duration.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/division"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/energy"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/gate"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/history"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/stability"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/state"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/telemetry"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// ValidationExecution is the name of the validation entry that reports
// whether the candidate's effects ran.
const ValidationExecution = "execution"

// EventLog is the ledger as the pipeline uses it.
type EventLog = division.EventLog

// Config configures a Pipeline.
type Config struct {
	CheckpointCapacity int             `json:"checkpoint_capacity" yaml:"checkpoint_capacity" toml:"checkpoint_capacity" validate:"gte=1"`
	TrialTimeout       time.Duration   `json:"trial_timeout" yaml:"trial_timeout" toml:"trial_timeout" validate:"gte=0"`
	TrialHistory       int             `json:"trial_history" yaml:"trial_history" toml:"trial_history" validate:"gte=1"`
	TracingEnabled     bool            `json:"tracing_enabled" yaml:"tracing_enabled" toml:"tracing_enabled"`
	Division           division.Config `json:"division" yaml:"division" toml:"division"`
}

// DefaultConfig returns a capacity of 10 checkpoints, a 30s trial timeout
// and the last 50 trials in Status.
func DefaultConfig() Config {
	return Config{
		CheckpointCapacity: DefaultCheckpointCapacity,
		TrialTimeout:       30 * time.Second,
		TrialHistory:       50,
		Division:           division.DefaultConfig(),
	}
}

// Deps are the collaborators a Pipeline needs. Store and Auditor are
// optional.
type Deps struct {
	Ledger     EventLog
	Gate       *gate.Gate
	Accountant *energy.Accountant
	Auditor    *stability.Auditor
	Store      state.Store
}

// ExecFunc is a programmatic trial hook. It runs after the declared
// effects, against the open shadow builder, and must honour ctx.
type ExecFunc func(ctx context.Context, b *state.Builder) error

// TrialOptions tune one trial.
type TrialOptions struct {
	// Timeout bounds execution. Zero uses the pipeline default; the gate is
	// not subject to it.
	Timeout time.Duration

	// Exec is optional.
	Exec ExecFunc
}

// TrialResult is the outcome of a trial. Validation failures are reported
// here, never as errors.
type TrialResult struct {
	UnitID            string                  `json:"unit_id"`
	Success           bool                    `json:"success"`
	Reverted          bool                    `json:"reverted"`
	Validations       []gate.ValidationResult `json:"validations"`
	StateChanges      []state.Change          `json:"state_changes"`
	Recommendation    string                  `json:"recommendation"`
	ExecutionError    string                  `json:"execution_error,omitempty"`
	Report            *gate.CompletionReport  `json:"report,omitempty"`
	CheckpointVersion uint64                  `json:"checkpoint_version"`
	ShadowVersion     uint64                  `json:"shadow_version,omitempty"`
	Duration          time.Duration           `json:"duration"`
}

// TrialSummary is the short form kept in the recent-trials history.
type TrialSummary struct {
	UnitID       string    `json:"unit_id"`
	Success      bool      `json:"success"`
	Satisfaction float64   `json:"satisfaction"`
	At           time.Time `json:"at"`
}

// Status is a point-in-time view of a pipeline.
type Status struct {
	Namespace     string         `json:"namespace"`
	Height        int            `json:"height"`
	Version       uint64         `json:"version"`
	ShadowActive  bool           `json:"shadow_active"`
	PendingUnit   string         `json:"pending_unit,omitempty"`
	Checkpoints   int            `json:"checkpoints"`
	CheckpointIDs []string       `json:"checkpoint_ids"`
	Metrics       state.Metrics  `json:"metrics"`
	Energy        energy.Totals  `json:"energy"`
	RecentTrials  []TrialSummary `json:"recent_trials"`
	Closed        bool           `json:"closed"`
}

type pending struct {
	unitID string
	snap   *state.Snapshot
	report *gate.CompletionReport
}

type promotionPayload struct {
	FromVersion    uint64         `json:"from_version"`
	ToVersion      uint64         `json:"to_version"`
	Changes        []state.Change `json:"changes"`
	Satisfaction   float64        `json:"satisfaction"`
	Recommendation string         `json:"recommendation"`
	Metrics        state.Metrics  `json:"metrics"`
}

type revertPayload struct {
	Reason          string   `json:"reason"`
	Version         uint64   `json:"version"`
	Recommendation  string   `json:"recommendation,omitempty"`
	MissingRequired []string `json:"missing_required,omitempty"`
}

type retirePayload struct {
	Budget      float64           `json:"budget"`
	Account     *energy.Account   `json:"account,omitempty"`
	Connections []unit.Connection `json:"connections,omitempty"`
	Version     uint64            `json:"version"`
}

// Pipeline is the trial/commit/revert handle for one namespace.
//
// # Thread Safety
//
// All methods are safe for concurrent use and are serialised by one mutex.
type Pipeline struct {
	namespace  string
	cfg        Config
	log        EventLog
	gate       *gate.Gate
	accountant *energy.Accountant
	auditor    *stability.Auditor
	store      state.Store
	divider    *division.Operator
	logger     *slog.Logger
	tracer     *Tracer

	mu          sync.Mutex
	canonical   *state.Snapshot
	shadow      *pending
	checkpoints *checkpoints
	trials      *history.RingBuffer[TrialSummary]
	closed      bool
}

// New creates the pipeline for namespace, restoring canonical state from
// deps.Store when one was saved.
//
// # Inputs
//
//   - ctx: For loading persisted state.
//   - namespace: Non-empty pipeline name.
//   - cfg: Zero fields fall back to DefaultConfig values.
//   - deps: Ledger, Gate and Accountant are required.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - *Pipeline: Ready for use.
//   - error: Missing dependencies or a store failure other than
//     state.ErrNoSnapshot.
func New(ctx context.Context, namespace string, cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", ErrInput)
	}
	if deps.Ledger == nil || deps.Gate == nil || deps.Accountant == nil {
		return nil, errors.New("sandbox: ledger, gate and accountant are required")
	}
	def := DefaultConfig()
	if cfg.CheckpointCapacity <= 0 {
		cfg.CheckpointCapacity = def.CheckpointCapacity
	}
	if cfg.TrialHistory <= 0 {
		cfg.TrialHistory = def.TrialHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox", "namespace", namespace)

	canonical := state.Empty()
	if deps.Store != nil {
		snap, err := deps.Store.Load(ctx, namespace)
		switch {
		case err == nil:
			canonical = snap
			logger.Info("canonical state restored",
				slog.Uint64("version", snap.Version()),
				slog.Int("units", snap.Len()))
		case errors.Is(err, state.ErrNoSnapshot):
		default:
			return nil, fmt.Errorf("restore %s: %w", namespace, err)
		}
	}

	return &Pipeline{
		namespace:   namespace,
		cfg:         cfg,
		log:         deps.Ledger,
		gate:        deps.Gate,
		accountant:  deps.Accountant,
		auditor:     deps.Auditor,
		store:       deps.Store,
		divider:     division.New(cfg.Division, namespace, deps.Ledger, logger),
		logger:      logger,
		tracer:      NewTracer(logger, cfg.TracingEnabled),
		canonical:   canonical,
		checkpoints: newCheckpoints(cfg.CheckpointCapacity),
		trials:      history.NewRingBuffer[TrialSummary](cfg.TrialHistory),
	}, nil
}

// Namespace returns the pipeline's namespace.
func (p *Pipeline) Namespace() string { return p.namespace }

// -----------------------------------------------------------------------------
// Trial
// -----------------------------------------------------------------------------

// Trial runs a candidate against a shadow copy of canonical state.
//
// # Description
//
// Canonical is checkpointed under the unit's id, then the unit's account is
// opened, its effects and the optional Exec hook are applied to a fresh
// shadow, and the frozen shadow is evaluated by the gate. The first
// validation is always "execution". A passing trial stays pending until
// Commit; any other outcome is reverted before Trial returns. A trial
// supersedes any pending shadow.
//
// # Outputs
//
//   - *TrialResult: Always non-nil when error is nil.
//   - error: ErrInput (invalid unit), ErrUnitExists, or ErrClosed.
func (p *Pipeline) Trial(ctx context.Context, u *unit.Unit, opts TrialOptions) (result *TrialResult, err error) {
	if u == nil {
		return nil, fmt.Errorf("%w: unit is required", ErrInput)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "trial", p.namespace, u.ID)
	defer func() { p.tracer.EndTrial(span, result, err) }()
	logger := telemetry.LoggerWithTrace(ctx, p.logger)
	start := time.Now()

	defer func() {
		outcome := "error"
		if err == nil {
			outcome = "failed"
			if result.Success {
				outcome = "passed"
			}
		}
		recordTrial(ctx, p.namespace, outcome, time.Since(start))
	}()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic in Trial: %v", r)
			logger.Error("panic in Trial", "panic", r, "unit_id", u.ID)
		}
	}()

	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.canonical.Unit(u.ID); ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitExists, u.ID)
	}

	candidate := u.Clone()
	candidate.Genome = candidate.Genome.Sealed()

	if p.shadow != nil {
		logger.Warn("pending trial superseded",
			slog.String("superseded_unit_id", p.shadow.unitID),
			slog.String("unit_id", u.ID))
		p.clearShadow(ctx)
	}
	base := p.canonical
	if evicted := p.checkpoints.put(u.ID, base); evicted != "" {
		p.tracer.RecordEviction(ctx, evicted)
		recordEviction(ctx, p.namespace)
	}

	result = &TrialResult{
		UnitID:            u.ID,
		Validations:       []gate.ValidationResult{},
		StateChanges:      []state.Change{},
		CheckpointVersion: base.Version(),
	}

	execStart := time.Now()
	shadow, execErr := p.execute(ctx, base, candidate, opts)
	var shadowUnit *unit.Unit
	if execErr == nil {
		var ok bool
		if shadowUnit, ok = shadow.Unit(u.ID); !ok {
			execErr = fmt.Errorf("%w: execution hook removed %s", ErrExecutionFailure, u.ID)
		}
	}
	execResult := gate.ValidationResult{
		Name:     ValidationExecution,
		Passed:   execErr == nil,
		Required: true,
		Details:  map[string]any{"duration_ms": time.Since(execStart).Milliseconds()},
	}
	if execErr != nil {
		execResult.Error = execErr.Error()
	}
	result.Validations = append(result.Validations, execResult)

	if execErr == nil {
		result.ShadowVersion = shadow.Version()
		result.StateChanges = state.Diff(base, shadow)
		report := p.gate.Evaluate(ctx, gate.Input{Namespace: p.namespace, Candidate: shadowUnit, Shadow: shadow})
		result.Report = report
		result.Validations = append(result.Validations, report.Results...)
		result.Success = report.Complete
		result.Recommendation = report.Recommendation
	} else {
		result.ExecutionError = execErr.Error()
		result.Recommendation = fmt.Sprintf("Execution failed: %v. Fix the unit's effects or execution hook and retry.", execErr)
	}
	result.Duration = time.Since(start)

	if result.Success {
		p.shadow = &pending{unitID: u.ID, snap: shadow, report: result.Report}
		addShadowActive(ctx, p.namespace, 1)
	} else {
		p.autoRevert(ctx, logger, base, result)
		result.Reverted = true
	}

	summary := TrialSummary{UnitID: u.ID, Success: result.Success, At: time.Now().UTC()}
	if result.Report != nil {
		summary.Satisfaction = result.Report.SatisfactionScore
	}
	p.trials.Push(summary)

	logger.Info("trial finished",
		slog.String("unit_id", u.ID),
		slog.Bool("success", result.Success),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// execute applies the candidate's effects under the trial timeout. Panics,
// effect errors and timeouts come back wrapped in ErrExecutionFailure.
func (p *Pipeline) execute(ctx context.Context, base *state.Snapshot, u *unit.Unit, opts TrialOptions) (*state.Snapshot, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = p.cfg.TrialTimeout
	}
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		snap *state.Snapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: panic: %v", ErrExecutionFailure, r)}
			}
		}()
		snap, err := p.applyEffects(execCtx, base, u, opts.Exec)
		done <- outcome{snap: snap, err: err}
	}()

	select {
	case out := <-done:
		return out.snap, out.err
	case <-execCtx.Done():
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailure, execCtx.Err())
	}
}

func (p *Pipeline) applyEffects(ctx context.Context, base *state.Snapshot, u *unit.Unit, exec ExecFunc) (*state.Snapshot, error) {
	b := state.NewBuilder(base)
	fx := u.Effects

	if _, err := p.accountant.Open(b, u.ID, u.Budget); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailure, err)
	}
	for _, k := range slices.Sorted(maps.Keys(fx.Set)) {
		b.Set(k, fx.Set[k])
	}
	for _, c := range fx.Connections {
		b.Connect(c)
	}
	acct, err := p.accountant.Charge(b, u.ID, fx.EnergyConsumed, fx.EnergyProduced)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailure, err)
	}

	shadowUnit := u.Clone()
	shadowUnit.Budget = acct.Budget
	b.PutUnit(shadowUnit)

	m := b.Metrics()
	m.Coherence = math.Min(1, math.Max(0, m.Coherence+fx.Metrics.Coherence))
	m.Efficiency = p.accountant.Totals(b).Efficiency() + fx.Metrics.Efficiency
	m.ErrorAccumulation += fx.Metrics.ErrorAccumulation
	b.SetMetrics(m)

	if exec != nil {
		if err := exec(ctx, b); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExecutionFailure, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailure, err)
	}
	return b.Freeze(), nil
}

// autoRevert restores the checkpoint after a failed trial and records it.
// Ledger failures are logged; the trial result still stands.
func (p *Pipeline) autoRevert(ctx context.Context, logger *slog.Logger, base *state.Snapshot, result *TrialResult) {
	p.canonical = base
	payload := revertPayload{
		Reason:         "auto",
		Version:        base.Version(),
		Recommendation: result.Recommendation,
	}
	if result.Report != nil {
		payload.MissingRequired = result.Report.MissingRequired
	}
	_, err := p.log.Append(ctx, ledger.TypeRevert, p.namespace, result.UnitID, payload)
	if err != nil {
		logger.Warn("failed to record automatic revert",
			slog.String("unit_id", result.UnitID),
			slog.String("error", err.Error()))
	}
	recordRevert(ctx, p.namespace, "auto", err)
}

// -----------------------------------------------------------------------------
// Commit / Revert
// -----------------------------------------------------------------------------

// Commit promotes the pending shadow of unitID to canonical.
//
// # Description
//
// The promotion event is written before canonical changes; if the ledger
// write fails nothing changes. The checkpoint is deleted, so a second
// Commit returns ErrNoCheckpoint.
//
// # Outputs
//
//   - error: ErrNoCheckpoint, ErrNoShadow, ErrStaleCheckpoint, ErrClosed or
//     a ledger error.
func (p *Pipeline) Commit(ctx context.Context, unitID string) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "commit", p.namespace, unitID)
	defer func() { p.tracer.End(span, err) }()
	logger := telemetry.LoggerWithTrace(ctx, p.logger)

	defer func() { recordCommit(ctx, p.namespace, err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Commit: %v", r)
			logger.Error("panic in Commit", "panic", r, "unit_id", unitID)
		}
	}()

	if p.closed {
		return ErrClosed
	}
	cp, ok := p.checkpoints.get(unitID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, unitID)
	}
	if p.shadow == nil || p.shadow.unitID != unitID {
		return fmt.Errorf("%w: %s", ErrNoShadow, unitID)
	}
	if p.canonical.Version() != cp.Version() {
		return fmt.Errorf("%w: checkpoint v%d, canonical v%d", ErrStaleCheckpoint, cp.Version(), p.canonical.Version())
	}

	sh := p.shadow
	payload := promotionPayload{
		FromVersion:    cp.Version(),
		ToVersion:      sh.snap.Version(),
		Changes:        state.Diff(cp, sh.snap),
		Satisfaction:   sh.report.SatisfactionScore,
		Recommendation: sh.report.Recommendation,
		Metrics:        sh.snap.Metrics(),
	}
	if _, err := p.log.Append(ctx, ledger.TypePromotion, p.namespace, unitID, payload); err != nil {
		return fmt.Errorf("record promotion of %s: %w", unitID, err)
	}

	p.canonical = sh.snap
	p.checkpoints.remove(unitID)
	p.clearShadow(ctx)
	if p.auditor != nil && sh.report.Artifacts.Stability != nil {
		p.auditor.Record(sh.report.Artifacts.Stability)
	}
	p.persist(ctx, logger)

	logger.Info("unit promoted",
		slog.String("unit_id", unitID),
		slog.Uint64("version", p.canonical.Version()))
	return nil
}

// Revert discards the pending shadow of unitID and restores canonical from
// its checkpoint.
//
// # Description
//
// Revert is idempotent: when nothing is pending for the unit it returns
// nil without writing to the ledger. The checkpoint is kept.
//
// # Outputs
//
//   - error: ErrNoCheckpoint (committed, evicted or never trialled),
//     ErrStaleCheckpoint, ErrClosed, or a ledger error.
func (p *Pipeline) Revert(ctx context.Context, unitID string) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "revert", p.namespace, unitID)
	defer func() { p.tracer.End(span, err) }()
	logger := telemetry.LoggerWithTrace(ctx, p.logger)

	discarded := false
	defer func() {
		if discarded || err != nil {
			recordRevert(ctx, p.namespace, "user", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Revert: %v", r)
			logger.Error("panic in Revert", "panic", r, "unit_id", unitID)
		}
	}()

	if p.closed {
		return ErrClosed
	}
	cp, ok := p.checkpoints.get(unitID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, unitID)
	}
	if p.shadow == nil || p.shadow.unitID != unitID {
		logger.Debug("revert is a no-op", slog.String("unit_id", unitID))
		return nil
	}
	if p.canonical.Version() != cp.Version() {
		return fmt.Errorf("%w: checkpoint v%d, canonical v%d", ErrStaleCheckpoint, cp.Version(), p.canonical.Version())
	}

	payload := revertPayload{Reason: "user", Version: cp.Version()}
	if _, err := p.log.Append(ctx, ledger.TypeRevert, p.namespace, unitID, payload); err != nil {
		return fmt.Errorf("record revert of %s: %w", unitID, err)
	}
	p.canonical = cp
	p.clearShadow(ctx)
	discarded = true

	logger.Info("trial reverted", slog.String("unit_id", unitID))
	return nil
}

// -----------------------------------------------------------------------------
// Divide / Retire
// -----------------------------------------------------------------------------

// Divide splits an accepted unit into two descendants.
//
// # Description
//
// The division is planned and staged first: the parent is replaced with
// both children, its energy account is split in the same ratio and every
// connection of the parent is rewired to both children. The division event
// is written only once staging succeeds, and canonical moves after it.
//
// # Outputs
//
//   - *division.Record: The recorded division.
//   - error: division.ErrInvalidRatio (checked before anything else),
//     ErrShadowActive, ErrUnitNotFound, division.ErrConservationViolation,
//     ErrState (the energy split was refused), ErrClosed or a ledger error.
func (p *Pipeline) Divide(ctx context.Context, unitID string, ratio float64) (rec *division.Record, err error) {
	if math.IsNaN(ratio) || ratio <= 0 || ratio >= 1 {
		return nil, fmt.Errorf("%w: got %v", division.ErrInvalidRatio, ratio)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "divide", p.namespace, unitID)
	defer func() { p.tracer.End(span, err) }()
	logger := telemetry.LoggerWithTrace(ctx, p.logger)

	defer func() { recordDivision(ctx, p.namespace, err) }()
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = fmt.Errorf("panic in Divide: %v", r)
			logger.Error("panic in Divide", "panic", r, "unit_id", unitID)
		}
	}()

	if p.closed {
		return nil, ErrClosed
	}
	if p.shadow != nil {
		return nil, fmt.Errorf("%w: %s pending", ErrShadowActive, p.shadow.unitID)
	}
	parent, ok := p.canonical.Unit(unitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if _, ok := p.canonical.Account(unitID); !ok {
		return nil, fmt.Errorf("%w: %s has no energy account", ErrState, unitID)
	}

	out, err := p.divider.Plan(ctx, parent, ratio)
	if err != nil {
		return nil, err
	}
	c1, c2 := out.Children[0], out.Children[1]

	b := state.NewBuilder(p.canonical)
	b.DeleteUnit(unitID)
	b.PutUnit(c1)
	b.PutUnit(c2)
	if _, err := p.accountant.Split(b, unitID, c1.ID, c2.ID, ratio); err != nil {
		logger.Warn("energy split rejected division",
			slog.String("unit_id", unitID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: split energy of %s: %w", ErrState, unitID, err)
	}
	dropped := b.Disconnect(func(c unit.Connection) bool { return c.From == unitID || c.To == unitID })
	for _, c := range dropped {
		for _, child := range []string{c1.ID, c2.ID} {
			nc := c
			if nc.From == unitID {
				nc.From = child
			}
			if nc.To == unitID {
				nc.To = child
			}
			b.Connect(nc)
		}
	}
	next := b.Freeze()
	if err := p.divider.Record(ctx, out); err != nil {
		return nil, err
	}
	p.canonical = next
	p.persist(ctx, logger)

	logger.Info("unit divided",
		slog.String("unit_id", unitID),
		slog.String("child_1", c1.ID),
		slog.String("child_2", c2.ID),
		slog.Int("rewired", len(dropped)))
	return out.Record, nil
}

// Retire removes an accepted unit, its account and every connection
// touching it. The retire event is written first.
//
// # Outputs
//
//   - error: ErrShadowActive, ErrUnitNotFound, ErrClosed or a ledger error.
func (p *Pipeline) Retire(ctx context.Context, unitID string) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "retire", p.namespace, unitID)
	defer func() { p.tracer.End(span, err) }()
	logger := telemetry.LoggerWithTrace(ctx, p.logger)

	defer func() { recordRetire(ctx, p.namespace, err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in Retire: %v", r)
			logger.Error("panic in Retire", "panic", r, "unit_id", unitID)
		}
	}()

	if p.closed {
		return ErrClosed
	}
	if p.shadow != nil {
		return fmt.Errorf("%w: %s pending", ErrShadowActive, p.shadow.unitID)
	}
	u, ok := p.canonical.Unit(unitID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}

	b := state.NewBuilder(p.canonical)
	b.DeleteUnit(unitID)
	dropped := b.Disconnect(func(c unit.Connection) bool { return c.From == unitID || c.To == unitID })
	payload := retirePayload{Budget: u.Budget, Connections: dropped, Version: p.canonical.Version() + 1}
	if acct, err := p.accountant.Close(b, unitID); err == nil {
		payload.Account = &acct
	} else {
		logger.Warn("retired unit had no energy account", slog.String("unit_id", unitID))
	}

	if _, err := p.log.Append(ctx, ledger.TypeRetire, p.namespace, unitID, payload); err != nil {
		return fmt.Errorf("record retirement of %s: %w", unitID, err)
	}
	p.canonical = b.Freeze()
	p.persist(ctx, logger)

	logger.Info("unit retired",
		slog.String("unit_id", unitID),
		slog.Int("connections_dropped", len(dropped)))
	return nil
}

// -----------------------------------------------------------------------------
// Queries and lifecycle
// -----------------------------------------------------------------------------

// Status reports the pipeline's current state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		Namespace:     p.namespace,
		Height:        p.canonical.Len(),
		Version:       p.canonical.Version(),
		ShadowActive:  p.shadow != nil,
		Checkpoints:   p.checkpoints.len(),
		CheckpointIDs: p.checkpoints.ids(),
		Metrics:       p.canonical.Metrics(),
		Energy:        p.accountant.Totals(p.canonical),
		RecentTrials:  p.trials.Slice(),
		Closed:        p.closed,
	}
	if p.shadow != nil {
		s.PendingUnit = p.shadow.unitID
	}
	return s
}

// Canonical returns the current accepted state. Snapshots are immutable.
func (p *Pipeline) Canonical() *state.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canonical
}

// Units returns copies of the accepted units, sorted by id.
func (p *Pipeline) Units() []*unit.Unit {
	return p.Canonical().Units()
}

// Close discards any pending shadow and rejects later operations.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.shadow != nil {
		p.logger.Warn("pending trial discarded on close", slog.String("unit_id", p.shadow.unitID))
		p.clearShadow(context.Background())
	}
	return nil
}

func (p *Pipeline) clearShadow(ctx context.Context) {
	if p.shadow == nil {
		return
	}
	p.shadow = nil
	addShadowActive(ctx, p.namespace, -1)
}

// persist saves canonical when a store is configured. Failures are logged;
// the ledger stays the source of truth.
func (p *Pipeline) persist(ctx context.Context, logger *slog.Logger) {
	if p.store == nil {
		return
	}
	if err := p.store.Save(ctx, p.namespace, p.canonical); err != nil {
		logger.Warn("failed to persist canonical state",
			slog.Uint64("version", p.canonical.Version()),
			slog.String("error", err.Error()))
	}
}
