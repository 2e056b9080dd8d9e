// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history holds bounded in-memory histories: per-lineage drift
// samples for the stability auditor and recent trial decisions for the
// pipeline status view.
package history

// RingBuffer is a fixed-size circular buffer.
//
// # Description
//
// O(1) push with bounded memory. When full, the oldest item is
// overwritten.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type RingBuffer[T any] struct {
	data  []T
	head  int // next write position
	tail  int // oldest element
	count int
}

// NewRingBuffer creates a ring buffer. Non-positive capacity defaults to 100.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push adds an item, overwriting the oldest one when full.
func (r *RingBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)

	if r.count == len(r.data) {
		r.tail = (r.tail + 1) % len(r.data)
		return
	}
	r.count++
}

// PeekNewest returns the most recently pushed item.
//
// # Outputs
//
//   - T: The newest item.
//   - bool: False if buffer is empty.
func (r *RingBuffer[T]) PeekNewest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := (r.head - 1 + len(r.data)) % len(r.data)
	return r.data[idx], true
}

// Slice returns the items oldest first as a new slice.
func (r *RingBuffer[T]) Slice() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(r.tail+i)%len(r.data)]
	}
	return out
}

// Last returns up to n newest items, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.data[(r.tail+start+i)%len(r.data)]
	}
	return out
}

// Len returns the number of stored items.
func (r *RingBuffer[T]) Len() int { return r.count }

// Cap returns the maximum number of items.
func (r *RingBuffer[T]) Cap() int { return len(r.data) }

// Clear removes all items and releases references.
func (r *RingBuffer[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head, r.tail, r.count = 0, 0, 0
}

// Clone returns an independent copy.
func (r *RingBuffer[T]) Clone() *RingBuffer[T] {
	c := &RingBuffer[T]{
		data:  make([]T, len(r.data)),
		head:  r.head,
		tail:  r.tail,
		count: r.count,
	}
	copy(c.data, r.data)
	return c
}
