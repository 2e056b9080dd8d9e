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

// MaxModal is the largest valid modal tag of a Signal.
const MaxModal = 3

// Operator kinds understood by OperatorSpec.Build.
const (
	OperatorIdentity   = "identity"
	OperatorScale      = "scale"
	OperatorAffine     = "affine"
	OperatorJitter     = "jitter"
	OperatorReciprocal = "reciprocal"
)

// ErrUnknownOperator is returned for an unrecognised operator kind.
var ErrUnknownOperator = errors.New("unknown operator kind")

// Signal is what crosses a unit's boundary.
type Signal struct {
	Vector    []float64 `json:"vector"`
	Modal     int       `json:"modal"`
	Coherence float64   `json:"coherence"`
}

// Valid is the interface-validity check: finite vector, modal tag in
// [0, MaxModal], coherence in [0, 1].
func (s Signal) Valid() bool {
	for _, v := range s.Vector {
		if !finite(v) {
			return false
		}
	}
	if s.Modal < 0 || s.Modal > MaxModal {
		return false
	}
	return s.Coherence >= 0 && s.Coherence <= 1
}

// BoundaryOperator transforms a signal at the unit's boundary.
//
// Implementations must not retain or modify the input vector.
type BoundaryOperator interface {
	Apply(in Signal) Signal
}

// OperatorFunc adapts a function to BoundaryOperator.
type OperatorFunc func(in Signal) Signal

// Apply calls f.
func (f OperatorFunc) Apply(in Signal) Signal { return f(in) }

// OperatorSpec is the declarative form of a boundary operator, so units can
// be described in YAML or JSON.
type OperatorSpec struct {
	Kind      string    `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=identity scale affine jitter reciprocal"`
	Factor    float64   `json:"factor,omitempty" yaml:"factor,omitempty"`
	Offset    []float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	Amplitude float64   `json:"amplitude,omitempty" yaml:"amplitude,omitempty"`
}

// Validate checks kind-specific parameters.
func (s OperatorSpec) Validate() error {
	switch s.Kind {
	case "", OperatorIdentity, OperatorReciprocal:
		return nil
	case OperatorScale, OperatorAffine:
		if !finite(s.Factor) {
			return errors.New("operator factor is not finite")
		}
		for _, o := range s.Offset {
			if !finite(o) {
				return errors.New("operator offset is not finite")
			}
		}
		return nil
	case OperatorJitter:
		if !finite(s.Amplitude) || s.Amplitude < 0 {
			return errors.New("jitter amplitude must be finite and non-negative")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperator, s.Kind)
	}
}

// Build returns the operator described by the spec. An empty kind is the
// identity.
func (s OperatorSpec) Build() (BoundaryOperator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Kind {
	case OperatorScale:
		factor := s.Factor
		return mapVector(func(_ int, v float64, _ []float64) float64 { return v * factor }), nil
	case OperatorAffine:
		factor, offset := s.Factor, cloneFloats(s.Offset)
		return mapVector(func(i int, v float64, _ []float64) float64 {
			if i < len(offset) {
				return v*factor + offset[i]
			}
			return v * factor
		}), nil
	case OperatorJitter:
		amp := s.Amplitude
		return mapVector(func(i int, v float64, in []float64) float64 {
			if i != 0 {
				return v
			}
			ref := in[0]
			if len(in) > 1 {
				ref = in[1]
			}
			return v + amp*sign(ref)
		}), nil
	case OperatorReciprocal:
		return mapVector(func(_ int, v float64, _ []float64) float64 { return 1 / v }), nil
	default:
		return mapVector(func(_ int, v float64, _ []float64) float64 { return v }), nil
	}
}

// Resolve returns the unit's programmatic Boundary if set, otherwise the
// operator built from its spec.
func (u *Unit) Resolve() (BoundaryOperator, error) {
	if u.Boundary != nil {
		return u.Boundary, nil
	}
	return u.Operator.Build()
}

func mapVector(fn func(i int, v float64, in []float64) float64) BoundaryOperator {
	return OperatorFunc(func(in Signal) Signal {
		out := Signal{Vector: make([]float64, len(in.Vector)), Modal: in.Modal, Coherence: in.Coherence}
		for i, v := range in.Vector {
			out.Vector[i] = fn(i, v, in.Vector)
		}
		return out
	})
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Rotate rotates consecutive coordinate pairs (0,1), (2,3), ... of v by
// theta radians. A trailing odd coordinate is left unchanged.
func Rotate(v []float64, theta float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	sin, cos := math.Sincos(theta)
	for i := 0; i+1 < len(out); i += 2 {
		x, y := v[i], v[i+1]
		out[i] = x*cos - y*sin
		out[i+1] = x*sin + y*cos
	}
	return out
}
