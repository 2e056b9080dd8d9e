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
	"slices"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/state"
)

// DefaultCheckpointCapacity bounds the number of retained checkpoints.
const DefaultCheckpointCapacity = 10

// checkpoints is a bounded FIFO of canonical snapshots keyed by unit id.
// Not safe for concurrent use; the pipeline lock guards it.
type checkpoints struct {
	capacity int
	order    []string
	snaps    map[string]*state.Snapshot
}

func newCheckpoints(capacity int) *checkpoints {
	if capacity <= 0 {
		capacity = DefaultCheckpointCapacity
	}
	return &checkpoints{capacity: capacity, snaps: make(map[string]*state.Snapshot, capacity)}
}

// put stores snap for id as the newest entry. An existing entry for id is
// replaced and moves to the tail; otherwise the oldest entry is evicted
// first when full. Returns the evicted id, if any.
func (c *checkpoints) put(id string, snap *state.Snapshot) (evicted string) {
	if _, ok := c.snaps[id]; ok {
		c.order = append(slices.DeleteFunc(c.order, func(k string) bool { return k == id }), id)
		c.snaps[id] = snap
		return ""
	}
	if len(c.order) >= c.capacity {
		evicted = c.order[0]
		c.order = c.order[1:]
		delete(c.snaps, evicted)
	}
	c.order = append(c.order, id)
	c.snaps[id] = snap
	return evicted
}

func (c *checkpoints) get(id string) (*state.Snapshot, bool) {
	s, ok := c.snaps[id]
	return s, ok
}

func (c *checkpoints) remove(id string) {
	if _, ok := c.snaps[id]; !ok {
		return
	}
	delete(c.snaps, id)
	c.order = slices.DeleteFunc(c.order, func(k string) bool { return k == id })
}

func (c *checkpoints) len() int { return len(c.order) }

// ids returns unit ids oldest first.
func (c *checkpoints) ids() []string { return slices.Clone(c.order) }
