// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRatchet/pkg/ux"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/division"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/sandbox"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

func num(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderTrial(p *ux.Printer, res *sandbox.TrialResult) {
	p.Title("Trial " + res.UnitID)
	rows := make([][]string, 0, len(res.Validations))
	for _, v := range res.Validations {
		mark := string(ux.PassIcon(v.Passed))
		if !p.Plain() {
			mark = ux.PassIcon(v.Passed).Render()
		}
		rows = append(rows, []string{mark, v.Name, yesNo(v.Required), v.Error})
	}
	p.Table([]string{"", "CRITERION", "REQUIRED", "ERROR"}, rows)
	p.KV(
		[2]string{"state changes", strconv.Itoa(len(res.StateChanges))},
		[2]string{"checkpoint", strconv.FormatUint(res.CheckpointVersion, 10)},
		[2]string{"duration", res.Duration.Round(time.Microsecond).String()},
	)
	switch {
	case res.ExecutionError != "":
		p.ErrorBox("Execution failed", res.ExecutionError)
	case res.Success:
		p.Success(res.Recommendation)
	default:
		p.Warning("reverted: " + res.Recommendation)
	}
}

func renderStatus(p *ux.Printer, st *sandbox.Status) {
	p.Title("Pipeline " + st.Namespace)
	pending := "none"
	if st.ShadowActive {
		pending = st.PendingUnit
	}
	p.KV(
		[2]string{"version", strconv.FormatUint(st.Version, 10)},
		[2]string{"height", strconv.Itoa(st.Height)},
		[2]string{"pending", pending},
		[2]string{"checkpoints", fmt.Sprintf("%d %v", st.Checkpoints, st.CheckpointIDs)},
		[2]string{"coherence", num(st.Metrics.Coherence)},
		[2]string{"efficiency", num(st.Metrics.Efficiency)},
		[2]string{"error accumulation", num(st.Metrics.ErrorAccumulation)},
		[2]string{"energy budget", num(st.Energy.Budget)},
		[2]string{"closed", yesNo(st.Closed)},
	)
	if len(st.RecentTrials) == 0 {
		return
	}
	rows := make([][]string, 0, len(st.RecentTrials))
	for _, t := range st.RecentTrials {
		rows = append(rows, []string{t.At.Format(time.RFC3339), t.UnitID, yesNo(t.Success), num(t.Satisfaction)})
	}
	p.Table([]string{"AT", "UNIT", "PASSED", "SATISFACTION"}, rows)
}

func renderUnits(p *ux.Printer, units []*unit.Unit) {
	rows := make([][]string, 0, len(units))
	for _, u := range units {
		rows = append(rows, []string{u.ID, strconv.Itoa(u.Generation), num(u.Budget), strings.Join(u.Capabilities, ",")})
	}
	p.Table([]string{"ID", "GEN", "BUDGET", "CAPABILITIES"}, rows)
}

func renderDivision(p *ux.Printer, rec *division.Record) {
	p.Title(fmt.Sprintf("Divided %s at %s", rec.ParentID, num(rec.Ratio)))
	rows := make([][]string, 0, 2)
	for i, id := range rec.ChildIDs {
		rows = append(rows, []string{id, num(rec.ChildBudgets[i]), strings.Join(rec.Capabilities[i], ",")})
	}
	p.Table([]string{"CHILD", "BUDGET", "CAPABILITIES"}, rows)
	p.KV([2]string{"conserved", fmt.Sprintf("%s -> %s (delta %g)",
		num(rec.Conservation.Before), num(rec.Conservation.After), rec.Conservation.Delta)})
}

func eventRow(e ledger.Event) []string {
	return []string{
		strconv.FormatUint(e.Seq, 10),
		e.Timestamp.Format(time.RFC3339),
		e.Type,
		e.Namespace,
		e.UnitID,
	}
}

var eventHeaders = []string{"SEQ", "TIME", "TYPE", "NAMESPACE", "UNIT"}

func renderEvents(p *ux.Printer, events []ledger.Event) {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, eventRow(e))
	}
	p.Table(eventHeaders, rows)
}

func renderProfile(p *ux.Printer, prof *risk.Profile) {
	p.KV(
		[2]string{"capability", prof.Capability},
		[2]string{"category", prof.Category},
		[2]string{"base risk", num(prof.BaseRisk)},
		[2]string{"mitigations", strings.Join(prof.Mitigations, ",")},
		[2]string{"description", prof.Description},
	)
}

func renderAssessment(p *ux.Printer, a *risk.Assessment) {
	rows := make([][]string, 0, len(a.Risks))
	for _, r := range a.Risks {
		rows = append(rows, []string{r.Capability, r.Category, num(r.RawRisk), num(r.Mitigated)})
	}
	p.Table([]string{"CAPABILITY", "CATEGORY", "RAW", "MITIGATED"}, rows)
	p.KV(
		[2]string{"score", num(a.Score)},
		[2]string{"confidence", num(a.Confidence)},
		[2]string{"required mitigations", strings.Join(a.RequiredMitigations, ",")},
		[2]string{"recommendation", a.Recommendation},
	)
}
