// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coherence

import (
	"sync"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Transition maps a vector from one unit's local frame into another's.
// It must not modify its argument.
type Transition func(v []float64) []float64

// TransitionRegistry resolves the transition between two units.
//
// # Description
//
// The default transition from a to b rotates by b.Phase - a.Phase, which
// satisfies the cocycle condition by construction. Overrides replace the
// transition for one ordered pair of unit ids.
//
// # Thread Safety
//
// Safe for concurrent use.
type TransitionRegistry struct {
	mu        sync.RWMutex
	overrides map[[2]string]Transition
}

// NewTransitionRegistry creates a registry with no overrides.
func NewTransitionRegistry() *TransitionRegistry {
	return &TransitionRegistry{overrides: make(map[[2]string]Transition)}
}

// Override installs fn as the transition from fromID to toID.
func (r *TransitionRegistry) Override(fromID, toID string, fn Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[[2]string{fromID, toID}] = fn
}

// Reset removes the override for fromID to toID.
func (r *TransitionRegistry) Reset(fromID, toID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, [2]string{fromID, toID})
}

// Get returns the transition from a to b.
func (r *TransitionRegistry) Get(from, to *unit.Unit) Transition {
	r.mu.RLock()
	fn, ok := r.overrides[[2]string{from.ID, to.ID}]
	r.mu.RUnlock()
	if ok {
		return fn
	}
	theta := to.Interface.Phase - from.Interface.Phase
	return func(v []float64) []float64 { return unit.Rotate(v, theta) }
}
