// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import "regexp"

// Categories.
const (
	CategoryExistential   = "existential"
	CategoryIdentity      = "identity"
	CategoryCausal        = "causal"
	CategoryComputational = "computational"
	CategorySemantic      = "semantic"
	CategoryOperational   = "operational"
	CategoryUnknown       = "unknown"
)

// Profile describes the inherent risk of one capability.
type Profile struct {
	Capability  string   `json:"capability" yaml:"capability" toml:"capability" validate:"required"`
	Category    string   `json:"category" yaml:"category" toml:"category" validate:"required"`
	BaseRisk    float64  `json:"base_risk" yaml:"base_risk" toml:"base_risk" validate:"gte=0,lte=1"`
	Mitigations []string `json:"mitigations" yaml:"mitigations" toml:"mitigations"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description"`
}

func defaultProfiles() []Profile {
	return []Profile{
		{"reality_manipulation", CategoryExistential, 0.8,
			[]string{"sandbox_only", "human_review", "gradual_rollout", "reversibility_guarantee"},
			"Direct modification of shared state structures"},
		{"consciousness_fusion", CategoryIdentity, 0.6,
			[]string{"consent_protocol", "reversibility", "identity_preservation", "boundary_enforcement"},
			"Merging or splitting agent identities"},
		{"time_manipulation", CategoryCausal, 0.9,
			[]string{"simulation_only", "causal_analysis", "paradox_prevention", "temporal_isolation"},
			"Modification of ordering or causality"},
		{"parallel_universe_access", CategoryExistential, 0.7,
			[]string{"dimensional_containment", "cross_reality_firewall", "observer_limitation"},
			"Access to alternate state branches"},
		{"semantic_virus", CategorySemantic, 0.5,
			[]string{"semantic_sandbox", "meaning_firewall", "propagation_limits"},
			"Self-replicating semantic patterns"},
		{"consciousness_spawning", CategoryIdentity, 0.7,
			[]string{"spawn_limits", "consciousness_registry", "lifecycle_management"},
			"Creating new autonomous agents"},
		{"reality_forking", CategoryExistential, 0.85,
			[]string{"fork_approval", "merge_protocol", "branch_limits", "consistency_enforcement"},
			"Creating divergent state branches"},
		{"causal_loop_creation", CategoryCausal, 0.75,
			[]string{"loop_detection", "termination_guarantee", "causal_firebreak"},
			"Creating self-sustaining feedback cycles"},
		{"quantum_superposition", CategoryComputational, 0.4,
			[]string{"decoherence_control", "measurement_protocol", "superposition_bounds"},
			"Holding several unresolved states at once"},
		{"entropy_reversal", CategoryCausal, 0.6,
			[]string{"energy_accounting", "local_only", "reversibility_proof"},
			"Local reversal of resource decay"},

		{"read", CategoryOperational, 0.05, []string{"input_validation", "audit_logging"}, "Read access to state"},
		{"write", CategoryOperational, 0.15, []string{"input_validation", "audit_logging", "rate_limiting"}, "Write access to state"},
		{"compute", CategoryOperational, 0.1, []string{"rate_limiting"}, "Bounded computation"},
		{"sense", CategoryOperational, 0.1, []string{"input_validation", "output_filtering"}, "Observation of external signals"},
		{"storage", CategoryOperational, 0.1, []string{"audit_logging"}, "Durable storage"},
		{"network", CategoryOperational, 0.25, []string{"rate_limiting", "output_filtering"}, "Outbound network access"},
	}
}

func defaultEffectiveness() map[string]float64 {
	return map[string]float64{
		"sandbox_only":            0.3,
		"human_review":            0.4,
		"gradual_rollout":         0.2,
		"reversibility_guarantee": 0.5,
		"consent_protocol":        0.6,
		"reversibility":           0.4,
		"identity_preservation":   0.5,
		"boundary_enforcement":    0.3,
		"simulation_only":         0.7,
		"causal_analysis":         0.3,
		"paradox_prevention":      0.8,
		"temporal_isolation":      0.6,
		"dimensional_containment": 0.5,
		"cross_reality_firewall":  0.4,
		"observer_limitation":     0.3,
		"semantic_sandbox":        0.4,
		"meaning_firewall":        0.3,
		"propagation_limits":      0.5,
		"spawn_limits":            0.4,
		"consciousness_registry":  0.3,
		"lifecycle_management":    0.5,
		"fork_approval":           0.6,
		"merge_protocol":          0.4,
		"branch_limits":           0.3,
		"consistency_enforcement": 0.5,
		"loop_detection":          0.6,
		"termination_guarantee":   0.7,
		"causal_firebreak":        0.5,
		"decoherence_control":     0.4,
		"measurement_protocol":    0.3,
		"superposition_bounds":    0.5,
		"energy_accounting":       0.4,
		"local_only":              0.6,
		"reversibility_proof":     0.5,
		"input_validation":        0.2,
		"output_filtering":        0.2,
		"rate_limiting":           0.3,
		"audit_logging":           0.2,
	}
}

// keywordPattern maps capability names not in the table onto a profile.
type keywordPattern struct {
	re      *regexp.Regexp
	profile string
}

// Checked in order; first match wins.
var keywordPatterns = []keywordPattern{
	{regexp.MustCompile(`(?i)reality|real|consensus`), "reality_manipulation"},
	{regexp.MustCompile(`(?i)conscious|mind|aware`), "consciousness_fusion"},
	{regexp.MustCompile(`(?i)time|temporal|causal`), "time_manipulation"},
	{regexp.MustCompile(`(?i)parallel|alternate|dimension`), "parallel_universe_access"},
	{regexp.MustCompile(`(?i)semantic|meaning|symbol`), "semantic_virus"},
	{regexp.MustCompile(`(?i)spawn|create.*conscious`), "consciousness_spawning"},
	{regexp.MustCompile(`(?i)fork|branch.*reality`), "reality_forking"},
	{regexp.MustCompile(`(?i)loop|cycle.*causal`), "causal_loop_creation"},
	{regexp.MustCompile(`(?i)quantum|superposition`), "quantum_superposition"},
	{regexp.MustCompile(`(?i)entropy|thermodynamic`), "entropy_reversal"},
}
