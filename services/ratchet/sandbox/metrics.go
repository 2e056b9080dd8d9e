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
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("ratchet.sandbox")

var (
	trialTotal          metric.Int64Counter
	trialDuration       metric.Float64Histogram
	commitTotal         metric.Int64Counter
	revertTotal         metric.Int64Counter
	divisionTotal       metric.Int64Counter
	retireTotal         metric.Int64Counter
	checkpointEvictions metric.Int64Counter
	shadowActive        metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled turns pipeline metrics on or off.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if trialTotal, err = meter.Int64Counter("ratchet_trials_total",
			metric.WithDescription("Trials by outcome")); err != nil {
			metricsErr = err
			return
		}
		if trialDuration, err = meter.Float64Histogram("ratchet_trial_duration_seconds",
			metric.WithDescription("Trial duration including gate evaluation"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if commitTotal, err = meter.Int64Counter("ratchet_commits_total",
			metric.WithDescription("Commit operations")); err != nil {
			metricsErr = err
			return
		}
		if revertTotal, err = meter.Int64Counter("ratchet_reverts_total",
			metric.WithDescription("Revert operations by reason")); err != nil {
			metricsErr = err
			return
		}
		if divisionTotal, err = meter.Int64Counter("ratchet_divisions_total",
			metric.WithDescription("Division operations")); err != nil {
			metricsErr = err
			return
		}
		if retireTotal, err = meter.Int64Counter("ratchet_retirements_total",
			metric.WithDescription("Retire operations")); err != nil {
			metricsErr = err
			return
		}
		if checkpointEvictions, err = meter.Int64Counter("ratchet_checkpoint_evictions_total",
			metric.WithDescription("Checkpoints dropped by the FIFO bound")); err != nil {
			metricsErr = err
			return
		}
		if shadowActive, err = meter.Int64UpDownCounter("ratchet_shadow_active",
			metric.WithDescription("Pipelines with a pending successful trial")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func ready() bool {
	return metricsEnabled.Load() && initMetrics() == nil
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// recordTrial records one trial. outcome is "passed", "failed" or "error".
func recordTrial(ctx context.Context, namespace, outcome string, d time.Duration) {
	if !ready() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("outcome", outcome),
	)
	trialTotal.Add(ctx, 1, attrs)
	trialDuration.Record(ctx, d.Seconds(), attrs)
}

func recordCommit(ctx context.Context, namespace string, err error) {
	if !ready() {
		return
	}
	commitTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("status", statusOf(err)),
	))
}

// recordRevert records a revert; reason is "user" or "auto".
func recordRevert(ctx context.Context, namespace, reason string, err error) {
	if !ready() {
		return
	}
	revertTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("reason", reason),
		attribute.String("status", statusOf(err)),
	))
}

func recordDivision(ctx context.Context, namespace string, err error) {
	if !ready() {
		return
	}
	divisionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("status", statusOf(err)),
	))
}

func recordRetire(ctx context.Context, namespace string, err error) {
	if !ready() {
		return
	}
	retireTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("namespace", namespace),
		attribute.String("status", statusOf(err)),
	))
}

func recordEviction(ctx context.Context, namespace string) {
	if !ready() {
		return
	}
	checkpointEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func addShadowActive(ctx context.Context, namespace string, delta int64) {
	if !ready() {
		return
	}
	shadowActive.Add(ctx, delta, metric.WithAttributes(attribute.String("namespace", namespace)))
}
