// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnauthorized is returned when a token is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an authenticated identity may not
	// perform the action.
	ErrForbidden = errors.New("forbidden")
)

// Actions checked by the HTTP layer.
const (
	ActionRead          = "read"
	ActionTrial         = "trial"
	ActionCommit        = "commit"
	ActionRevert        = "revert"
	ActionRetire        = "retire"
	ActionDivide        = "divide"
	ActionUpdateProfile = "update_profile"
)

// Resource types checked by the HTTP layer.
const (
	ResourcePipeline    = "pipeline"
	ResourceLedger      = "ledger"
	ResourceRiskProfile = "risk_profile"
)

// Roles understood by RoleAuthorizer.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// AuthInfo is the identity behind a request.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	// Roles drive authorization decisions.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns user identity.
type AuthProvider interface {
	// Validate returns the identity for token, or an error wrapping
	// ErrUnauthorized. The token may be empty when the request carried none.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action,
// resource).
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string

	// ResourceID is the namespace, unit or capability; may be empty.
	ResourceID string
}

// AuthzProvider checks if a user is authorized to perform an action.
type AuthzProvider interface {
	// Authorize returns nil when allowed, otherwise an error wrapping
	// ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts any token, including none, as the local admin.
type NopAuthProvider struct{}

// Validate always returns the local admin.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// -----------------------------------------------------------------------------
// Static tokens
// -----------------------------------------------------------------------------

// TokenIdentity binds one API token to an identity.
type TokenIdentity struct {
	Token  string   `json:"token" yaml:"token" toml:"token" validate:"required,min=16"`
	UserID string   `json:"user_id" yaml:"user_id" toml:"user_id" validate:"required"`
	Roles  []string `json:"roles" yaml:"roles" toml:"roles" validate:"dive,oneof=admin operator viewer"`
}

// StaticTokenProvider authenticates against a fixed token list.
//
// # Description
//
// Tokens are kept only as SHA-256 digests and compared in constant time so
// lookup time does not depend on how much of a token matched.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type StaticTokenProvider struct {
	entries []tokenEntry
}

type tokenEntry struct {
	digest [sha256.Size]byte
	info   AuthInfo
}

// NewStaticTokenProvider builds a provider. Empty tokens or user ids and
// duplicate tokens are rejected.
func NewStaticTokenProvider(tokens []TokenIdentity) (*StaticTokenProvider, error) {
	p := &StaticTokenProvider{entries: make([]tokenEntry, 0, len(tokens))}
	seen := make(map[[sha256.Size]byte]bool, len(tokens))
	for i, t := range tokens {
		if t.Token == "" || t.UserID == "" {
			return nil, fmt.Errorf("token %d: token and user_id are required", i)
		}
		d := sha256.Sum256([]byte(t.Token))
		if seen[d] {
			return nil, fmt.Errorf("token %d (%s): duplicate token", i, t.UserID)
		}
		seen[d] = true
		p.entries = append(p.entries, tokenEntry{
			digest: d,
			info:   AuthInfo{UserID: t.UserID, Roles: slices.Clone(t.Roles)},
		})
	}
	return p, nil
}

// Validate looks token up among the configured tokens.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	d := sha256.Sum256([]byte(token))
	var match *tokenEntry
	for i := range p.entries {
		if subtle.ConstantTimeCompare(d[:], p.entries[i].digest[:]) == 1 {
			match = &p.entries[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	info := match.info
	info.Roles = slices.Clone(info.Roles)
	return &info, nil
}

// RoleAuthorizer grants actions by role: viewers read, operators also run
// trials and reverts, admins may do anything.
type RoleAuthorizer struct{}

var operatorActions = []string{ActionRead, ActionTrial, ActionRevert}

// Authorize applies the role table.
func (RoleAuthorizer) Authorize(_ context.Context, req AuthzRequest) error {
	u := req.User
	switch {
	case u.HasRole(RoleAdmin):
		return nil
	case u.HasRole(RoleOperator) && slices.Contains(operatorActions, req.Action):
		return nil
	case u.HasRole(RoleViewer) && req.Action == ActionRead:
		return nil
	}
	user := "anonymous"
	if u != nil {
		user = u.UserID
	}
	return fmt.Errorf("%w: %s cannot %s %s %s", ErrForbidden, user, req.Action, req.ResourceType, req.ResourceID)
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthProvider  = (*StaticTokenProvider)(nil)
	_ AuthzProvider = RoleAuthorizer{}
)
