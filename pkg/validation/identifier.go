// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided identifiers before they reach
// storage keys, ledger lines, URL paths or log attributes.
//
// Namespaces become badger key prefixes and URL path segments, so they are
// held to a strict pattern. Unit ids are free-form but must stay printable
// and path-safe.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrInvalidIdentifier is wrapped by every validation failure.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// MaxUnitIDLength bounds unit ids, including the suffixes added by division.
const MaxUnitIDLength = 128

// namespacePattern matches valid namespaces.
// Allows: letters, digits, dots, underscores, hyphens
// Max length: 64 characters, first character alphanumeric
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateNamespace validates a pipeline namespace.
//
// Valid namespaces:
//   - 1-64 characters
//   - Letters A-Z, a-z and digits 0-9
//   - Dots, underscores and hyphens after the first character
//
// Example:
//
//	if err := validation.ValidateNamespace(ns); err != nil {
//	    return nil, err
//	}
//	// Safe to use as a key prefix
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("%w: namespace cannot be empty", ErrInvalidIdentifier)
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("%w: namespace %q (must be 1-64 alphanumeric chars, dots, underscores or hyphens)", ErrInvalidIdentifier, ns)
	}
	return nil
}

// ValidateNamespaces validates multiple namespaces.
// Returns an error listing all invalid namespaces if any fail validation.
func ValidateNamespaces(namespaces []string) error {
	var invalid []string
	for _, ns := range namespaces {
		if err := ValidateNamespace(ns); err != nil {
			invalid = append(invalid, ns)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: namespaces %q", ErrInvalidIdentifier, invalid)
	}
	return nil
}

// SanitizeNamespace trims surrounding whitespace and validates ns.
// Namespaces are case sensitive, so case is preserved.
func SanitizeNamespace(ns string) (string, error) {
	normalized := strings.TrimSpace(ns)
	if err := ValidateNamespace(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateUnitID validates a unit id: non-empty, at most MaxUnitIDLength
// bytes, printable, with no whitespace and none of '/', '?', '#'.
func ValidateUnitID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: unit id cannot be empty", ErrInvalidIdentifier)
	}
	if len(id) > MaxUnitIDLength {
		return fmt.Errorf("%w: unit id longer than %d bytes", ErrInvalidIdentifier, MaxUnitIDLength)
	}
	for _, r := range id {
		if r == '/' || r == '?' || r == '#' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: unit id %q contains %q", ErrInvalidIdentifier, id, r)
		}
	}
	return nil
}
