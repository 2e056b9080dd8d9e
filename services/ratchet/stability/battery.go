// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stability

import "math"

// Check is one numerical test: it returns a computed value and the value it
// should equal.
type Check struct {
	Name string
	Run  func() (computed, expected float64)
}

// Battery returns the fixed set of checks every audit runs.
func Battery() []Check {
	return []Check{
		{Name: "linear_inverse", Run: linearInverse},
		{Name: "eigen_perturbation", Run: eigenPerturbation},
		{Name: "definite_integral", Run: definiteIntegral},
		{Name: "cancellation", Run: cancellation},
		{Name: "trig_identity", Run: trigIdentity},
		{Name: "exp_inverse", Run: expInverse},
	}
}

const batteryDim = 8

// linearInverse inverts a diagonally dominant matrix and reports the worst
// entry of A·A⁻¹ − I.
func linearInverse() (float64, float64) {
	a := make([][]float64, batteryDim)
	for i := range a {
		a[i] = make([]float64, batteryDim)
		for j := range a[i] {
			a[i][j] = 1 / float64(i+j+1)
		}
		a[i][i] += batteryDim
	}
	inv, ok := gaussJordan(a)
	if !ok {
		return math.NaN(), 0
	}
	var worst float64
	for i := 0; i < batteryDim; i++ {
		for j := 0; j < batteryDim; j++ {
			var sum float64
			for k := 0; k < batteryDim; k++ {
				sum += a[i][k] * inv[k][j]
			}
			if i == j {
				sum--
			}
			worst = math.Max(worst, math.Abs(sum))
		}
	}
	return worst, 0
}

// gaussJordan inverts m with partial pivoting. m is not modified.
func gaussJordan(m [][]float64) ([][]float64, bool) {
	n := len(m)
	aug := make([][]float64, n)
	for i := range m {
		aug[i] = make([]float64, 2*n)
		copy(aug[i], m[i])
		aug[i][n+i] = 1
	}
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(aug[r][col]) > math.Abs(aug[pivot][col]) {
				pivot = r
			}
		}
		if aug[pivot][col] == 0 {
			return nil, false
		}
		aug[col], aug[pivot] = aug[pivot], aug[col]
		p := aug[col][col]
		for k := range aug[col] {
			aug[col][k] /= p
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := aug[r][col]
			for k := range aug[r] {
				aug[r][k] -= f * aug[col][k]
			}
		}
	}
	inv := make([][]float64, n)
	for i := range aug {
		inv[i] = aug[i][n:]
	}
	return inv, true
}

// eigenPerturbation checks that shifting a symmetric matrix by δI shifts
// its dominant eigenvalue by δ.
func eigenPerturbation() (float64, float64) {
	const delta = 1e-6
	a := make([][]float64, batteryDim)
	for i := range a {
		a[i] = make([]float64, batteryDim)
		for j := range a[i] {
			if i == j {
				a[i][j] = float64(batteryDim - i)
			} else {
				a[i][j] = 0.01
			}
		}
	}
	base := rayleighPowerIteration(a, 300)
	for i := range a {
		a[i][i] += delta
	}
	return rayleighPowerIteration(a, 300), base + delta
}

func rayleighPowerIteration(a [][]float64, iterations int) float64 {
	n := len(a)
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	w := make([]float64, n)
	for it := 0; it < iterations; it++ {
		var norm float64
		for i := 0; i < n; i++ {
			var s float64
			for j := 0; j < n; j++ {
				s += a[i][j] * v[j]
			}
			w[i] = s
			norm += s * s
		}
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] = w[i] / norm
		}
	}
	var num float64
	for i := 0; i < n; i++ {
		var s float64
		for j := 0; j < n; j++ {
			s += a[i][j] * v[j]
		}
		num += v[i] * s
	}
	return num
}

// definiteIntegral integrates sin over [0, π] with composite Simpson.
func definiteIntegral() (float64, float64) {
	const n = 1000
	h := math.Pi / n
	sum := math.Sin(0) + math.Sin(math.Pi)
	for i := 1; i < n; i++ {
		w := 2.0
		if i%2 == 1 {
			w = 4
		}
		sum += w * math.Sin(float64(i)*h)
	}
	return sum * h / 3, 2
}

// cancellation adds 0.1 ten thousand times with compensated summation.
func cancellation() (float64, float64) {
	var sum, c float64
	for i := 0; i < 10000; i++ {
		y := 0.1 - c
		t := sum + y
		c = (t - sum) - y
		sum = t
	}
	return sum, 1000
}

// trigIdentity reports the worst sin²+cos² over a grid.
func trigIdentity() (float64, float64) {
	worst, worstDev := 1.0, 0.0
	for i := 0; i <= 100; i++ {
		x := -10 + 0.2*float64(i)
		s, c := math.Sincos(x)
		v := s*s + c*c
		if d := math.Abs(v - 1); d > worstDev {
			worst, worstDev = v, d
		}
	}
	return worst, 1
}

// expInverse reports the worst log(exp(x)) round trip on [-20, 20].
func expInverse() (float64, float64) {
	worstX, worstV, worstDev := 0.0, 0.0, -1.0
	for i := 0; i <= 40; i++ {
		x := -20 + float64(i)
		v := math.Log(math.Exp(x))
		if d := math.Abs(v - x); d > worstDev {
			worstX, worstV, worstDev = x, v, d
		}
	}
	return worstV, worstX
}
