// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package energy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountant_OpenAndCharge(t *testing.T) {
	acc := NewAccountant(0, nil)
	book := MapBook{}

	_, err := acc.Open(book, "A", 100)
	require.NoError(t, err)

	_, err = acc.Open(book, "A", 5)
	assert.ErrorIs(t, err, ErrAccountExists)

	got, err := acc.Charge(book, "A", 40, 10)
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Budget)
	assert.Equal(t, 40.0, got.Consumed)
	assert.Equal(t, 10.0, got.Produced)
	assert.InDelta(t, 0.25, got.Efficiency(), 1e-12)

	eff, err := acc.Efficiency(book, "A")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, eff, 1e-12)
}

func TestAccountant_ChargeRejectsOverdraw(t *testing.T) {
	acc := NewAccountant(0, nil)
	book := MapBook{}
	_, err := acc.Open(book, "A", 10)
	require.NoError(t, err)

	_, err = acc.Charge(book, "A", 11, 0)
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	acct, _ := book.Account("A")
	assert.Equal(t, 10.0, acct.Budget, "failed charge must not touch the book")

	_, err = acc.Charge(book, "missing", 1, 0)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = acc.Charge(book, "A", math.NaN(), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = acc.Charge(book, "A", 1, -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAccount_EfficiencyWithoutConsumption(t *testing.T) {
	assert.Equal(t, 1.0, Account{Produced: 0}.Efficiency())
	assert.Equal(t, 1.0, Totals{}.Efficiency())
}

func TestAccountant_Totals(t *testing.T) {
	acc := NewAccountant(0, nil)
	book := MapBook{}
	_, _ = acc.Open(book, "A", 10)
	_, _ = acc.Open(book, "B", 20)
	_, _ = acc.Charge(book, "A", 4, 2)
	_, _ = acc.Charge(book, "B", 6, 1)

	tot := acc.Totals(book)
	assert.Equal(t, 2, tot.Accounts)
	assert.InDelta(t, 20.0, tot.Budget, 1e-12)
	assert.InDelta(t, 10.0, tot.Consumed, 1e-12)
	assert.InDelta(t, 0.3, tot.Efficiency(), 1e-12)
}

func TestAccountant_SplitConserves(t *testing.T) {
	acc := NewAccountant(0, nil)
	book := MapBook{}
	_, err := acc.Open(book, "A", 100)
	require.NoError(t, err)

	res, err := acc.Split(book, "A", "A.1.1", "A.1.2", 0.618)
	require.NoError(t, err)
	assert.InDelta(t, 61.8, res.Children[0].Budget, 1e-9)
	assert.InDelta(t, 38.2, res.Children[1].Budget, 1e-9)
	assert.Less(t, math.Abs(res.Delta), 1e-9)

	_, ok := book.Account("A")
	assert.False(t, ok, "parent account is closed")
	assert.Len(t, book.Accounts(), 2)
}

func TestAccountant_SplitErrors(t *testing.T) {
	acc := NewAccountant(0, nil)
	book := MapBook{}
	_, _ = acc.Open(book, "A", 10)
	_, _ = acc.Open(book, "B", 10)

	for _, r := range []float64{0, 1, -0.5, 1.5, math.NaN()} {
		_, err := acc.Split(book, "A", "x", "y", r)
		assert.ErrorIs(t, err, ErrInvalidAmount, "ratio %v", r)
	}

	_, err := acc.Split(book, "missing", "x", "y", 0.5)
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = acc.Split(book, "A", "B", "y", 0.5)
	assert.ErrorIs(t, err, ErrAccountExists)
	assert.Len(t, book.Accounts(), 2, "book unchanged after rejected split")
}

func TestAccountant_Close(t *testing.T) {
	acc := NewAccountant(0, nil)
	book := MapBook{}
	_, _ = acc.Open(book, "A", 3)

	closed, err := acc.Close(book, "A")
	require.NoError(t, err)
	assert.Equal(t, 3.0, closed.Budget)

	_, err = acc.Close(book, "A")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}
