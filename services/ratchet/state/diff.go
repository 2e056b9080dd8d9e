// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

// Change kinds reported by Diff.
const (
	ChangeAdd    = "add"
	ChangeRemove = "remove"
	ChangeModify = "modify"
)

// MetricsTarget is the Change target for aggregate metric updates.
const MetricsTarget = "metrics"

// Change is one entry of a state diff.
type Change struct {
	Type   string   `json:"type"`
	Target string   `json:"target"`
	Fields []string `json:"fields,omitempty"`
}

// Diff lists what changed from before to after: one add per new unit id,
// one remove per vanished unit id (both sorted), then a single modify on
// MetricsTarget naming the metric fields that differ.
func Diff(before, after *Snapshot) []Change {
	var changes []Change
	for _, id := range after.UnitIDs() {
		if _, ok := before.units[id]; !ok {
			changes = append(changes, Change{Type: ChangeAdd, Target: id})
		}
	}
	for _, id := range before.UnitIDs() {
		if _, ok := after.units[id]; !ok {
			changes = append(changes, Change{Type: ChangeRemove, Target: id})
		}
	}

	var fields []string
	bm, am := before.metrics, after.metrics
	if bm.Coherence != am.Coherence {
		fields = append(fields, "coherence")
	}
	if bm.Efficiency != am.Efficiency {
		fields = append(fields, "efficiency")
	}
	if bm.ErrorAccumulation != am.ErrorAccumulation {
		fields = append(fields, "error_accumulation")
	}
	if len(fields) > 0 {
		changes = append(changes, Change{Type: ChangeModify, Target: MetricsTarget, Fields: fields})
	}
	return changes
}
