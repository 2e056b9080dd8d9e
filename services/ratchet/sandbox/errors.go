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
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// Sentinel errors for pipeline operations.
var (
	// ErrInput is the root of caller-input errors; it is unit.ErrInput.
	ErrInput = unit.ErrInput

	// ErrState is the root of errors caused by the pipeline's current state.
	ErrState = errors.New("invalid pipeline state")

	// ErrNoCheckpoint indicates no checkpoint exists for the unit, because
	// it was committed, evicted, or never trialled.
	ErrNoCheckpoint = fmt.Errorf("%w: no checkpoint", ErrState)

	// ErrNoShadow indicates there is no successful trial pending for the unit.
	ErrNoShadow = fmt.Errorf("%w: no shadow state", ErrState)

	// ErrStaleCheckpoint indicates canonical state advanced after the
	// checkpoint was taken.
	ErrStaleCheckpoint = fmt.Errorf("%w: stale checkpoint", ErrState)

	// ErrShadowActive indicates a pending trial blocks the operation.
	ErrShadowActive = fmt.Errorf("%w: shadow state active", ErrState)

	// ErrUnitNotFound indicates the unit is not in canonical state.
	ErrUnitNotFound = fmt.Errorf("%w: unit not found", ErrState)

	// ErrUnitExists indicates a trial for a unit that is already accepted.
	ErrUnitExists = fmt.Errorf("%w: unit already accepted", ErrState)

	// ErrClosed indicates the pipeline was closed.
	ErrClosed = errors.New("pipeline closed")

	// ErrExecutionFailure wraps panics, effect errors and timeouts during a
	// trial. It is reported in the execution validation, never returned.
	ErrExecutionFailure = errors.New("execution failure")
)
