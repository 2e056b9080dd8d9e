// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratchet

import (
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/ledger"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// TrialRequest is the body of POST /v1/pipelines/:namespace/trials.
type TrialRequest struct {
	// Unit is the candidate descriptor.
	Unit *unit.Unit `json:"unit" binding:"required"`

	// TimeoutMS bounds execution. Zero uses the pipeline default.
	TimeoutMS int64 `json:"timeout_ms,omitempty" binding:"gte=0"`
}

// DivideRequest is the body of POST /v1/pipelines/:namespace/divisions.
type DivideRequest struct {
	UnitID     string  `json:"unit_id" binding:"required"`
	SplitRatio float64 `json:"split_ratio"`
}

// OKResponse acknowledges commit, revert and retire.
type OKResponse struct {
	OK        bool   `json:"ok"`
	Namespace string `json:"namespace"`
	UnitID    string `json:"unit_id"`
	Version   uint64 `json:"version"`
}

// UnitsResponse lists the accepted units of a namespace.
type UnitsResponse struct {
	Namespace string       `json:"namespace"`
	Version   uint64       `json:"version"`
	Units     []*unit.Unit `json:"units"`
}

// NamespacesResponse lists open pipelines.
type NamespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// LedgerResponse is the result of a ledger query.
type LedgerResponse struct {
	Events []ledger.Event `json:"events"`
	Count  int            `json:"count"`
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Namespaces int    `json:"namespaces"`
	LedgerSeq  uint64 `json:"ledger_seq"`
}

// ProfileUpdateRequest is the body of PATCH /v1/risk/profiles/:capability.
// Omitted fields are left unchanged.
type ProfileUpdateRequest struct {
	Category      *string            `json:"category,omitempty"`
	BaseRisk      *float64           `json:"base_risk,omitempty"`
	Mitigations   []string           `json:"mitigations,omitempty"`
	Description   *string            `json:"description,omitempty"`
	Effectiveness map[string]float64 `json:"effectiveness,omitempty"`
}

func (r ProfileUpdateRequest) toUpdate() risk.ProfileUpdate {
	return risk.ProfileUpdate{
		Category:    r.Category,
		BaseRisk:    r.BaseRisk,
		Mitigations: r.Mitigations,
		Description: r.Description,
	}
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code such as NO_CHECKPOINT.
	Code string `json:"code,omitempty"`
}
