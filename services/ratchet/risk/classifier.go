// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package risk scores the capabilities a unit declares.
//
// # Description
//
// Each capability resolves to a profile by exact name, then by keyword
// pattern; unrecognised capabilities get a moderate default with low
// confidence. A profile's base risk is discounted by the mitigations the
// unit applies. The unit's score is the worst discounted risk.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

const (
	unknownRisk       = 0.5
	unknownConfidence = 0.3
	knownConfidence   = 0.8
	maxMitigation     = 0.9
	defaultListedEff  = 0.3
	highRiskThreshold = 0.5
)

var (
	// ErrUnknownProfile is returned when updating a profile that does not exist.
	ErrUnknownProfile = errors.New("unknown risk profile")

	// ErrInvalidProfile is returned for a profile that fails validation.
	ErrInvalidProfile = errors.New("invalid risk profile")
)

// Score is the assessment of one capability.
type Score struct {
	Capability  string   `json:"capability"`
	Profile     string   `json:"profile,omitempty"`
	Category    string   `json:"category"`
	RawRisk     float64  `json:"raw_risk"`
	Mitigated   float64  `json:"mitigated_risk"`
	Mitigations []string `json:"mitigations"`
	Confidence  float64  `json:"confidence"`
}

// Assessment is the outcome for a unit.
type Assessment struct {
	UnitID              string   `json:"unit_id"`
	Score               float64  `json:"score"`
	Risks               []Score  `json:"risks"`
	Recommendation      string   `json:"recommendation"`
	RequiredMitigations []string `json:"required_mitigations"`
	Confidence          float64  `json:"confidence"`
}

// Config adds or overrides profiles and mitigation weights.
type Config struct {
	Profiles      []Profile          `json:"profiles,omitempty" yaml:"profiles,omitempty" toml:"profiles" validate:"dive"`
	Effectiveness map[string]float64 `json:"effectiveness,omitempty" yaml:"effectiveness,omitempty" toml:"effectiveness"`
}

// Classifier assesses capability risk.
//
// # Thread Safety
//
// Safe for concurrent use; profile updates are visible to later assessments.
type Classifier struct {
	logger *slog.Logger

	mu            sync.RWMutex
	profiles      map[string]Profile
	effectiveness map[string]float64
}

// NewClassifier builds a classifier from the built-in table plus cfg.
func NewClassifier(cfg Config, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{
		logger:        logger.With("component", "risk"),
		profiles:      make(map[string]Profile),
		effectiveness: defaultEffectiveness(),
	}
	for _, p := range defaultProfiles() {
		c.profiles[p.Capability] = p
	}
	for name, eff := range cfg.Effectiveness {
		if err := c.SetEffectiveness(name, eff); err != nil {
			return nil, err
		}
	}
	for _, p := range cfg.Profiles {
		if err := c.RegisterProfile(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RegisterProfile adds or replaces a profile.
func (c *Classifier) RegisterProfile(p Profile) error {
	if p.Capability == "" || p.Category == "" {
		return fmt.Errorf("%w: capability and category are required", ErrInvalidProfile)
	}
	if math.IsNaN(p.BaseRisk) || p.BaseRisk < 0 || p.BaseRisk > 1 {
		return fmt.Errorf("%w: base risk %g outside [0,1]", ErrInvalidProfile, p.BaseRisk)
	}
	p.Mitigations = slices.Clone(p.Mitigations)
	c.mu.Lock()
	c.profiles[p.Capability] = p
	c.mu.Unlock()
	return nil
}

// ProfileUpdate changes selected fields of an existing profile. Nil fields
// are left alone.
type ProfileUpdate struct {
	Category    *string
	BaseRisk    *float64
	Mitigations []string
	Description *string
}

// UpdateProfile applies an update to an existing profile.
func (c *Classifier) UpdateProfile(capability string, upd ProfileUpdate) error {
	c.mu.RLock()
	p, ok := c.profiles[capability]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, capability)
	}
	if upd.Category != nil {
		p.Category = *upd.Category
	}
	if upd.BaseRisk != nil {
		p.BaseRisk = *upd.BaseRisk
	}
	if upd.Mitigations != nil {
		p.Mitigations = upd.Mitigations
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	return c.RegisterProfile(p)
}

// SetEffectiveness sets how much a mitigation reduces risk, in [0,1].
func (c *Classifier) SetEffectiveness(mitigation string, eff float64) error {
	if mitigation == "" || math.IsNaN(eff) || eff < 0 || eff > 1 {
		return fmt.Errorf("%w: effectiveness %q=%g", ErrInvalidProfile, mitigation, eff)
	}
	c.mu.Lock()
	c.effectiveness[mitigation] = eff
	c.mu.Unlock()
	return nil
}

// Profile returns the profile a capability resolves to.
func (c *Classifier) Profile(capability string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolve(capability)
}

// Categories lists the distinct profile categories, sorted.
func (c *Classifier) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := map[string]bool{}
	for _, p := range c.profiles {
		seen[p.Category] = true
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// IsMitigationEffective reports whether mitigation helps against capability.
func (c *Classifier) IsMitigationEffective(capability, mitigation string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.resolve(capability)
	if !ok {
		return false
	}
	_, known := c.effectiveness[mitigation]
	return slices.Contains(p.Mitigations, mitigation) || known
}

// Assess scores every declared capability of u.
func (c *Classifier) Assess(u *unit.Unit) *Assessment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a := &Assessment{UnitID: u.ID, Risks: []Score{}, RequiredMitigations: []string{}}
	for _, capability := range u.Capabilities {
		a.Risks = append(a.Risks, c.assessCapability(capability, u.Mitigations))
	}
	for _, r := range a.Risks {
		a.Score = math.Max(a.Score, r.Mitigated)
	}
	a.RequiredMitigations = c.requiredMitigations(a.Risks)
	a.Confidence = confidence(len(u.Capabilities), a.Risks)
	a.Recommendation = recommendation(a.Risks, a.Score)

	c.logger.Debug("risk assessed",
		slog.String("unit_id", u.ID),
		slog.Float64("score", a.Score),
		slog.Int("capabilities", len(a.Risks)))
	return a
}

// resolve looks up by exact name then keyword. Callers hold mu.
func (c *Classifier) resolve(capability string) (Profile, bool) {
	if p, ok := c.profiles[capability]; ok {
		return p, true
	}
	for _, kp := range keywordPatterns {
		if kp.re.MatchString(capability) {
			p, ok := c.profiles[kp.profile]
			return p, ok
		}
	}
	return Profile{}, false
}

func (c *Classifier) assessCapability(capability string, applied []string) Score {
	p, ok := c.resolve(capability)
	if !ok {
		return Score{
			Capability:  capability,
			Category:    CategoryUnknown,
			RawRisk:     unknownRisk,
			Mitigated:   unknownRisk,
			Mitigations: slices.Clone(applied),
			Confidence:  unknownConfidence,
		}
	}

	var recognised []string
	for _, m := range applied {
		_, known := c.effectiveness[m]
		if slices.Contains(p.Mitigations, m) || known {
			recognised = append(recognised, m)
		}
	}
	return Score{
		Capability:  capability,
		Profile:     p.Capability,
		Category:    p.Category,
		RawRisk:     p.BaseRisk,
		Mitigated:   p.BaseRisk * (1 - c.mitigationScore(p.Mitigations, applied)),
		Mitigations: recognised,
		Confidence:  knownConfidence,
	}
}

// mitigationScore is full credit for listed mitigations applied, half
// credit for other known ones, normalised by the listed total and capped.
func (c *Classifier) mitigationScore(listed, applied []string) float64 {
	var total, possible float64
	for _, m := range listed {
		eff, ok := c.effectiveness[m]
		if !ok {
			eff = defaultListedEff
		}
		possible += eff
		if slices.Contains(applied, m) {
			total += eff
		}
	}
	for _, m := range applied {
		if !slices.Contains(listed, m) {
			total += c.effectiveness[m] * 0.5
		}
	}
	if possible == 0 {
		return 0
	}
	return math.Min(maxMitigation, total/possible)
}

func (c *Classifier) requiredMitigations(risks []Score) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, r := range risks {
		if r.Mitigated <= highRiskThreshold || r.Profile == "" {
			continue
		}
		for _, m := range c.profiles[r.Profile].Mitigations {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func confidence(declared int, risks []Score) float64 {
	if declared == 0 {
		return 1
	}
	recognised := 0
	var sum float64
	for _, r := range risks {
		if r.Category != CategoryUnknown {
			recognised++
		}
		sum += r.Confidence
	}
	avg := 0.0
	if len(risks) > 0 {
		avg = sum / float64(len(risks))
	}
	return float64(recognised)/float64(declared)*0.6 + avg*0.4
}

func recommendation(risks []Score, score float64) string {
	switch {
	case len(risks) == 0:
		return "No significant risks identified. Safe to proceed."
	case score < 0.3:
		return "Low risk profile. Standard safety protocols sufficient."
	case score < 0.5:
		return "Moderate risk. Ensure all mitigations are implemented and tested."
	case score < 0.7:
		n := 0
		for _, r := range risks {
			if r.Mitigated > highRiskThreshold {
				n++
			}
		}
		return fmt.Sprintf("High risk detected in %d capabilities. Additional review and stronger mitigations recommended.", n)
	default:
		n := 0
		for _, r := range risks {
			if r.Mitigated > 0.7 {
				n++
			}
		}
		return fmt.Sprintf("CRITICAL RISK: %d capabilities exceed safety thresholds. Defer until additional safeguards exist.", n)
	}
}
