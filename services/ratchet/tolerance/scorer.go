// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tolerance

import "math"

// Scorer turns a set of shift vectors into a variance score in [0, 1].
//
// Implementations must be deterministic for a given input.
type Scorer interface {
	Score(samples [][]float64) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(samples [][]float64) float64

// Score calls f.
func (f ScorerFunc) Score(samples [][]float64) float64 { return f(samples) }

// DominantVarianceScorer scores by the largest eigenvalue of the sample
// covariance, squashed with tanh.
//
// # Description
//
// The eigenvalue is estimated by power iteration from the all-ones vector.
// Any non-finite sample, or samples of mixed length, score 1. Fewer than
// two samples score 0.
type DominantVarianceScorer struct {
	// Iterations of power iteration. Default 50.
	Iterations int
}

// Score implements Scorer.
func (s DominantVarianceScorer) Score(samples [][]float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	dim := len(samples[0])
	for _, v := range samples {
		if len(v) != dim {
			return 1
		}
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return 1
			}
		}
	}
	if dim == 0 {
		return 0
	}

	lambda := dominantEigenvalue(covariance(samples, dim), s.iterations())
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) {
		return 1
	}
	return math.Tanh(lambda)
}

func (s DominantVarianceScorer) iterations() int {
	if s.Iterations <= 0 {
		return 50
	}
	return s.Iterations
}

func covariance(samples [][]float64, dim int) [][]float64 {
	n := float64(len(samples))
	mean := make([]float64, dim)
	for _, v := range samples {
		for i, x := range v {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= n
	}

	cov := make([][]float64, dim)
	for i := range cov {
		cov[i] = make([]float64, dim)
	}
	for _, v := range samples {
		for i := 0; i < dim; i++ {
			di := v[i] - mean[i]
			for j := i; j < dim; j++ {
				cov[i][j] += di * (v[j] - mean[j])
			}
		}
	}
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			cov[i][j] /= n - 1
			cov[j][i] = cov[i][j]
		}
	}
	return cov
}

// dominantEigenvalue runs power iteration on a symmetric PSD matrix.
func dominantEigenvalue(m [][]float64, iterations int) float64 {
	dim := len(m)
	v := make([]float64, dim)
	for i := range v {
		v[i] = 1 / math.Sqrt(float64(dim))
	}
	next := make([]float64, dim)
	var lambda float64
	for it := 0; it < iterations; it++ {
		var norm float64
		for i := 0; i < dim; i++ {
			var sum float64
			for j := 0; j < dim; j++ {
				sum += m[i][j] * v[j]
			}
			next[i] = sum
			norm += sum * sum
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			return 0
		}
		lambda = norm
		for i := range v {
			v[i] = next[i] / norm
		}
	}
	return lambda
}
