// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package energy tracks the conserved energy budget of each unit.
//
// # Description
//
// Accounts live inside system state (see state.Snapshot) so they are
// checkpointed, shadowed and committed together with the units they
// describe. The Accountant is stateless; it applies the accounting rules to
// whatever Book it is handed.
//
// Budget is remaining energy and never goes negative. Consumed and
// Produced are lifetime counters used for efficiency ratios.
package energy

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// DefaultConservationTolerance bounds |delta| for a conserving split.
const DefaultConservationTolerance = 1e-9

var (
	// ErrUnknownAccount is returned when no account exists for a unit.
	ErrUnknownAccount = errors.New("unknown energy account")

	// ErrAccountExists is returned when opening an account twice.
	ErrAccountExists = errors.New("energy account already exists")

	// ErrInsufficientBudget is returned when a charge would overdraw a budget.
	ErrInsufficientBudget = errors.New("insufficient energy budget")

	// ErrInvalidAmount is returned for negative or non-finite amounts.
	ErrInvalidAmount = errors.New("invalid energy amount")

	// ErrNotConserved is returned when a split would create or destroy energy.
	ErrNotConserved = errors.New("energy not conserved")
)

// Account is one unit's energy ledger.
type Account struct {
	UnitID   string  `json:"unit_id"`
	Initial  float64 `json:"initial"`
	Budget   float64 `json:"budget"`
	Consumed float64 `json:"consumed"`
	Produced float64 `json:"produced"`
}

// Efficiency is Produced/Consumed. An account that has consumed nothing has
// wasted nothing and reports 1.
func (a Account) Efficiency() float64 {
	if a.Consumed == 0 {
		return 1
	}
	return a.Produced / a.Consumed
}

// Reader gives read access to accounts.
type Reader interface {
	Account(unitID string) (Account, bool)
	Accounts() []Account
}

// Book is a mutable set of accounts.
type Book interface {
	Reader
	PutAccount(a Account)
	DeleteAccount(unitID string)
}

// Totals aggregates every account in a Reader.
type Totals struct {
	Budget   float64 `json:"budget"`
	Consumed float64 `json:"consumed"`
	Produced float64 `json:"produced"`
	Accounts int     `json:"accounts"`
}

// Efficiency is the system-wide Produced/Consumed, 1 when nothing was consumed.
func (t Totals) Efficiency() float64 {
	if t.Consumed == 0 {
		return 1
	}
	return t.Produced / t.Consumed
}

// SplitResult is the accounting side of a division.
type SplitResult struct {
	Parent   Account    `json:"parent"`
	Children [2]Account `json:"children"`
	Before   float64    `json:"before"`
	After    float64    `json:"after"`
	Delta    float64    `json:"delta"`
}

// Accountant applies accounting rules to a Book.
//
// # Thread Safety
//
// Stateless and safe for concurrent use; the Book must be synchronised by
// the caller.
type Accountant struct {
	tolerance float64
	logger    *slog.Logger
}

// NewAccountant creates an accountant. A non-positive tolerance uses
// DefaultConservationTolerance.
func NewAccountant(tolerance float64, logger *slog.Logger) *Accountant {
	if tolerance <= 0 {
		tolerance = DefaultConservationTolerance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{tolerance: tolerance, logger: logger.With("component", "energy")}
}

// Open creates the account for a newly admitted unit.
func (a *Accountant) Open(book Book, unitID string, budget float64) (Account, error) {
	if err := checkAmount(budget); err != nil {
		return Account{}, err
	}
	if _, ok := book.Account(unitID); ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountExists, unitID)
	}
	acct := Account{UnitID: unitID, Initial: budget, Budget: budget}
	book.PutAccount(acct)
	return acct, nil
}

// Charge records energy consumed and output produced by a unit.
//
// # Outputs
//
//   - Account: The updated account.
//   - error: ErrUnknownAccount, ErrInvalidAmount, or ErrInsufficientBudget.
//     The book is unchanged on error.
func (a *Accountant) Charge(book Book, unitID string, consumed, produced float64) (Account, error) {
	if err := checkAmount(consumed); err != nil {
		return Account{}, err
	}
	if err := checkAmount(produced); err != nil {
		return Account{}, err
	}
	acct, ok := book.Account(unitID)
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, unitID)
	}
	if consumed > acct.Budget+a.tolerance {
		return Account{}, fmt.Errorf("%w: %s needs %g, has %g", ErrInsufficientBudget, unitID, consumed, acct.Budget)
	}

	acct.Budget = math.Max(0, acct.Budget-consumed)
	acct.Consumed += consumed
	acct.Produced += produced
	book.PutAccount(acct)
	return acct, nil
}

// Efficiency returns a unit's efficiency ratio.
func (a *Accountant) Efficiency(r Reader, unitID string) (float64, error) {
	acct, ok := r.Account(unitID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, unitID)
	}
	return acct.Efficiency(), nil
}

// Totals sums every account.
func (a *Accountant) Totals(r Reader) Totals {
	var t Totals
	for _, acct := range r.Accounts() {
		t.Budget += acct.Budget
		t.Consumed += acct.Consumed
		t.Produced += acct.Produced
		t.Accounts++
	}
	return t
}

// Split moves a parent's remaining budget into two child accounts in the
// given ratio and closes the parent account.
//
// # Description
//
// Children start with fresh lifetime counters. The split is verified to
// conserve energy within the accountant's tolerance before the book is
// touched.
//
// # Outputs
//
//   - SplitResult: Accounts before and after, with the conservation delta.
//   - error: ErrUnknownAccount, ErrAccountExists, ErrInvalidAmount for a
//     ratio outside (0,1), or ErrNotConserved.
func (a *Accountant) Split(book Book, parentID, child1, child2 string, ratio float64) (SplitResult, error) {
	if !(ratio > 0 && ratio < 1) {
		return SplitResult{}, fmt.Errorf("%w: ratio %g outside (0,1)", ErrInvalidAmount, ratio)
	}
	parent, ok := book.Account(parentID)
	if !ok {
		return SplitResult{}, fmt.Errorf("%w: %s", ErrUnknownAccount, parentID)
	}
	for _, id := range []string{child1, child2} {
		if _, exists := book.Account(id); exists {
			return SplitResult{}, fmt.Errorf("%w: %s", ErrAccountExists, id)
		}
	}

	b1 := parent.Budget * ratio
	b2 := parent.Budget * (1 - ratio)
	res := SplitResult{
		Parent: parent,
		Children: [2]Account{
			{UnitID: child1, Initial: b1, Budget: b1},
			{UnitID: child2, Initial: b2, Budget: b2},
		},
		Before: parent.Budget,
		After:  b1 + b2,
	}
	res.Delta = res.After - res.Before
	if math.Abs(res.Delta) >= a.tolerance {
		return res, fmt.Errorf("%w: delta %g", ErrNotConserved, res.Delta)
	}

	book.DeleteAccount(parentID)
	book.PutAccount(res.Children[0])
	book.PutAccount(res.Children[1])

	a.logger.Debug("energy split",
		slog.String("parent", parentID),
		slog.Float64("before", res.Before),
		slog.Float64("delta", res.Delta))
	return res, nil
}

// Close removes a retired unit's account and returns it.
func (a *Accountant) Close(book Book, unitID string) (Account, error) {
	acct, ok := book.Account(unitID)
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, unitID)
	}
	book.DeleteAccount(unitID)
	return acct, nil
}

func checkAmount(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %g", ErrInvalidAmount, v)
	}
	return nil
}

// MapBook is an in-memory Book, used for standalone accounting and tests.
type MapBook map[string]Account

// Account implements Reader.
func (m MapBook) Account(unitID string) (Account, bool) {
	a, ok := m[unitID]
	return a, ok
}

// Accounts implements Reader, sorted by unit id.
func (m MapBook) Accounts() []Account {
	out := make([]Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out
}

// PutAccount implements Book.
func (m MapBook) PutAccount(a Account) { m[a.UnitID] = a }

// DeleteAccount implements Book.
func (m MapBook) DeleteAccount(unitID string) { delete(m, unitID) }
