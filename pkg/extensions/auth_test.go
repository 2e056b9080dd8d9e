// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions_AllowEverything(t *testing.T) {
	opts := DefaultOptions()
	info, err := opts.AuthProvider.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local-user", info.UserID)
	assert.True(t, info.HasRole(RoleAdmin))
	assert.NoError(t, opts.AuthzProvider.Authorize(context.Background(), AuthzRequest{User: info, Action: ActionDivide}))
}

func TestNormalize(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuthzProvider{}, opts.AuthzProvider)

	opts = ServiceOptions{}.WithAuthz(RoleAuthorizer{}).Normalize()
	assert.IsType(t, RoleAuthorizer{}, opts.AuthzProvider)
}

func TestStaticTokenProvider(t *testing.T) {
	p, err := NewStaticTokenProvider([]TokenIdentity{
		{Token: "admin-token-000000", UserID: "alice", Roles: []string{RoleAdmin}},
		{Token: "viewer-token-00000", UserID: "bob", Roles: []string{RoleViewer}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	info, err := p.Validate(ctx, "viewer-token-00000")
	require.NoError(t, err)
	assert.Equal(t, "bob", info.UserID)
	assert.True(t, info.HasRole(RoleViewer))

	_, err = p.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = p.Validate(ctx, "viewer-token-00001")
	assert.ErrorIs(t, err, ErrUnauthorized)

	info.Roles[0] = RoleAdmin
	again, err := p.Validate(ctx, "viewer-token-00000")
	require.NoError(t, err)
	assert.False(t, again.HasRole(RoleAdmin), "callers cannot mutate stored roles")
}

func TestNewStaticTokenProvider_Rejects(t *testing.T) {
	_, err := NewStaticTokenProvider([]TokenIdentity{{Token: "", UserID: "x"}})
	assert.Error(t, err)
	_, err = NewStaticTokenProvider([]TokenIdentity{
		{Token: "same-token-0000000", UserID: "a"},
		{Token: "same-token-0000000", UserID: "b"},
	})
	assert.ErrorContains(t, err, "duplicate")
}

func TestRoleAuthorizer(t *testing.T) {
	admin := &AuthInfo{UserID: "a", Roles: []string{RoleAdmin}}
	operator := &AuthInfo{UserID: "o", Roles: []string{RoleOperator}}
	viewer := &AuthInfo{UserID: "v", Roles: []string{RoleViewer}}

	tests := []struct {
		user    *AuthInfo
		action  string
		allowed bool
	}{
		{admin, ActionDivide, true},
		{admin, ActionUpdateProfile, true},
		{operator, ActionTrial, true},
		{operator, ActionRevert, true},
		{operator, ActionCommit, false},
		{viewer, ActionRead, true},
		{viewer, ActionTrial, false},
		{nil, ActionRead, false},
	}
	ctx := context.Background()
	for _, tt := range tests {
		err := RoleAuthorizer{}.Authorize(ctx, AuthzRequest{User: tt.user, Action: tt.action, ResourceType: ResourcePipeline})
		if tt.allowed {
			assert.NoError(t, err, "%v %s", tt.user, tt.action)
		} else {
			assert.ErrorIs(t, err, ErrForbidden, "%v %s", tt.user, tt.action)
		}
	}
}
