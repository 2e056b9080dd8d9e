// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two boxes or vectors disagree in size.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Box is an axis-aligned region of the unit's input space.
type Box struct {
	Min []float64 `json:"min" yaml:"min"`
	Max []float64 `json:"max" yaml:"max"`
}

// Dim returns the number of axes.
func (b Box) Dim() int {
	return len(b.Min)
}

// Validate requires matching lengths, finite bounds and Min <= Max per axis.
func (b Box) Validate() error {
	if len(b.Min) != len(b.Max) {
		return fmt.Errorf("%w: domain min has %d axes, max has %d", ErrDimensionMismatch, len(b.Min), len(b.Max))
	}
	for i := range b.Min {
		if !finite(b.Min[i]) || !finite(b.Max[i]) {
			return fmt.Errorf("domain axis %d is not finite", i)
		}
		if b.Min[i] > b.Max[i] {
			return fmt.Errorf("domain axis %d has min %g > max %g", i, b.Min[i], b.Max[i])
		}
	}
	return nil
}

// Intersect returns the overlap of two boxes.
//
// # Outputs
//
//   - Box: The overlap region (meaningful only when ok is true).
//   - bool: True when the overlap has a non-empty interior.
//   - error: ErrDimensionMismatch when the boxes have different axes.
func (b Box) Intersect(other Box) (Box, bool, error) {
	if b.Dim() != other.Dim() {
		return Box{}, false, fmt.Errorf("%w: %d vs %d axes", ErrDimensionMismatch, b.Dim(), other.Dim())
	}
	if b.Dim() == 0 {
		return Box{}, false, nil
	}
	out := Box{Min: make([]float64, b.Dim()), Max: make([]float64, b.Dim())}
	for i := range b.Min {
		out.Min[i] = math.Max(b.Min[i], other.Min[i])
		out.Max[i] = math.Min(b.Max[i], other.Max[i])
		if out.Min[i] >= out.Max[i] {
			return Box{}, false, nil
		}
	}
	return out, true, nil
}

// Center returns the midpoint of the box.
func (b Box) Center() []float64 {
	c := make([]float64, b.Dim())
	for i := range c {
		c[i] = (b.Min[i] + b.Max[i]) / 2
	}
	return c
}

// Declaration is an interface the unit promises to provide.
type Declaration struct {
	Name    string   `json:"name" yaml:"name" validate:"required"`
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// Implementation is a concrete provider for a declared interface.
type Implementation struct {
	Implements string   `json:"implements" yaml:"implements" validate:"required"`
	Methods    []string `json:"methods,omitempty" yaml:"methods,omitempty"`
}

// Function describes one function of the unit for coverage criteria.
type Function struct {
	Name       string `json:"name" yaml:"name" validate:"required"`
	Documented bool   `json:"documented" yaml:"documented"`
	Tested     bool   `json:"tested" yaml:"tested"`
}

// Interface is the unit's declared topology.
//
// # Description
//
// Domain is where the unit is defined; Section is its local view, constant
// over the domain; Phase is the orientation of its local frame in radians.
// Two units agree on an overlap when the transition between their frames
// maps one section onto the other.
type Interface struct {
	Domain          Box              `json:"domain" yaml:"domain"`
	Section         []float64        `json:"section,omitempty" yaml:"section,omitempty"`
	Phase           float64          `json:"phase,omitempty" yaml:"phase,omitempty"`
	Declared        []Declaration    `json:"declared,omitempty" yaml:"declared,omitempty" validate:"dive"`
	Implementations []Implementation `json:"implementations,omitempty" yaml:"implementations,omitempty" validate:"dive"`
	Functions       []Function       `json:"functions,omitempty" yaml:"functions,omitempty" validate:"dive"`
}

// Validate checks the domain and that the section is finite.
func (i Interface) Validate() error {
	if err := i.Domain.Validate(); err != nil {
		return err
	}
	for idx, v := range i.Section {
		if !finite(v) {
			return fmt.Errorf("section component %d is not finite", idx)
		}
	}
	if !finite(i.Phase) {
		return errors.New("phase is not finite")
	}
	return nil
}

// Complete reports whether every declaration has an implementation that
// provides at least as many methods. Returns the names that do not.
func (i Interface) Complete() (bool, []string) {
	var missing []string
	for _, d := range i.Declared {
		found := false
		for _, impl := range i.Implementations {
			if impl.Implements == d.Name && len(impl.Methods) >= len(d.Methods) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, d.Name)
		}
	}
	return len(missing) == 0, missing
}

// DocumentationCoverage is the fraction of documented functions, 1 when
// there are none.
func (i Interface) DocumentationCoverage() float64 {
	if len(i.Functions) == 0 {
		return 1
	}
	n := 0
	for _, f := range i.Functions {
		if f.Documented {
			n++
		}
	}
	return float64(n) / float64(len(i.Functions))
}

// TestCoverage is the fraction of tested functions, 0 when there are none.
func (i Interface) TestCoverage() float64 {
	if len(i.Functions) == 0 {
		return 0
	}
	n := 0
	for _, f := range i.Functions {
		if f.Tested {
			n++
		}
	}
	return float64(n) / float64(len(i.Functions))
}

func (i Interface) clone() Interface {
	out := i
	out.Domain = Box{Min: cloneFloats(i.Domain.Min), Max: cloneFloats(i.Domain.Max)}
	out.Section = cloneFloats(i.Section)
	if i.Declared != nil {
		out.Declared = make([]Declaration, len(i.Declared))
		for k, d := range i.Declared {
			out.Declared[k] = Declaration{Name: d.Name, Methods: cloneStrings(d.Methods)}
		}
	}
	if i.Implementations != nil {
		out.Implementations = make([]Implementation, len(i.Implementations))
		for k, impl := range i.Implementations {
			out.Implementations[k] = Implementation{Implements: impl.Implements, Methods: cloneStrings(impl.Methods)}
		}
	}
	if i.Functions != nil {
		out.Functions = append([]Function(nil), i.Functions...)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
