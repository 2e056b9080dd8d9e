// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"errors"
	"io"

	"github.com/charmbracelet/huh"
)

// ErrNotInteractive is returned by Confirm when there is no terminal to ask on.
var ErrNotInteractive = errors.New("confirmation needs an interactive terminal; pass --yes")

// Confirm asks a yes/no question on the terminal.
//
// # Description
//
// Returns true without asking when assumeYes is set. When in is not a
// terminal the question cannot be asked and ErrNotInteractive is returned
// so scripts fail loudly instead of hanging.
func Confirm(in io.Reader, title, description string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isTerminalReader(in) {
		return false, ErrNotInteractive
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func isTerminalReader(r io.Reader) bool {
	w, ok := r.(io.Writer)
	return ok && IsTerminal(w)
}
