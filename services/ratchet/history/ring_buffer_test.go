// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer_PushWithinCapacity(t *testing.T) {
	rb := NewRingBuffer[float64](3)
	rb.Push(1)
	rb.Push(2)

	assert.Equal(t, 2, rb.Len())
	assert.Equal(t, []float64{1, 2}, rb.Slice())

	newest, ok := rb.PeekNewest()
	assert.True(t, ok)
	assert.Equal(t, 2.0, newest)
}

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}

	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []int{3, 4, 5}, rb.Slice())
	assert.Equal(t, []int{4, 5}, rb.Last(2))
	assert.Equal(t, []int{3, 4, 5}, rb.Last(10))
	assert.Nil(t, rb.Last(0))
}

func TestRingBuffer_EmptyAndClear(t *testing.T) {
	rb := NewRingBuffer[string](0)
	assert.Equal(t, 100, rb.Cap())

	_, ok := rb.PeekNewest()
	assert.False(t, ok)

	rb.Push("a")
	rb.Clear()
	assert.Equal(t, 0, rb.Len())
	assert.Empty(t, rb.Slice())
}

func TestRingBuffer_CloneIsIndependent(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	c := rb.Clone()
	c.Push(2)
	c.Push(3)

	assert.Equal(t, []int{1}, rb.Slice())
	assert.Equal(t, []int{2, 3}, c.Slice())
}
