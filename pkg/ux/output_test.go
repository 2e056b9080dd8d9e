// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrinter_BufferIsPlain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.True(t, p.Plain())
	assert.False(t, IsTerminal(&buf))
}

func TestPlainPrinter_Messages(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Title("ignored")
	p.Success("committed")
	p.Warning("shadow pending")
	p.Error("stale")
	p.Info("note")
	p.Box("Result", "ok")

	assert.Equal(t, "OK: committed\nWARN: shadow pending\nERROR: stale\nnote\nResult: ok\n", buf.String())
}

func TestPlainPrinter_TableAndKV(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)

	p.Table([]string{"ID", "BUDGET"}, [][]string{{"A", "90"}, {"B", "10"}})
	p.KV([2]string{"namespace", "default"}, [2]string{"height", "2"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "ID\tBUDGET", lines[0])
	assert.Equal(t, "B\t10", lines[2])
	assert.Equal(t, "height\t2", lines[4])
}

func TestStyledTable_ContainsCells(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{out: &buf}

	p.Table([]string{"ID", "BUDGET"}, [][]string{{"A.1.1", "61.8"}})
	out := buf.String()
	assert.Contains(t, out, "A.1.1")
	assert.Contains(t, out, "61.8")
	assert.Contains(t, out, "╭")
}

func TestPassIcon(t *testing.T) {
	assert.Equal(t, IconSuccess, PassIcon(true))
	assert.Equal(t, IconError, PassIcon(false))
}

func TestConfirm(t *testing.T) {
	ok, err := Confirm(strings.NewReader(""), "Commit A?", "", true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Confirm(strings.NewReader(""), "Commit A?", "", false)
	assert.ErrorIs(t, err, ErrNotInteractive)
	assert.False(t, ok)
}
