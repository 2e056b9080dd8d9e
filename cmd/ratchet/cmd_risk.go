// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/risk"
)

func newRiskCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Inspect and tune capability risk profiles",
	}
	cmd.AddCommand(newRiskGetCmd(opts), newRiskSetCmd(opts), newRiskAssessCmd(opts))
	return cmd
}

func profilePath(capability string) string {
	return "/v1/risk/profiles/" + url.PathEscape(capability)
}

func newRiskGetCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <capability>",
		Short: "Show a capability's risk profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var prof risk.Profile
			if err := c.do(cmd.Context(), http.MethodGet, profilePath(args[0]), nil, nil, &prof); err != nil {
				return err
			}
			if ok, err := opts.emit(prof); ok || err != nil {
				return err
			}
			renderProfile(opts.printer(), &prof)
			return nil
		},
	}
}

func newRiskSetCmd(opts *cliOptions) *cobra.Command {
	var (
		baseRisk      float64
		category      string
		description   string
		mitigations   []string
		effectiveness map[string]string
	)
	cmd := &cobra.Command{
		Use:   "set <capability>",
		Short: "Update a capability's risk profile",
		Long: `Only the flags given are changed. --effectiveness sets how much a
mitigation reduces risk, e.g. --effectiveness audit_log=0.6.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req ratchet.ProfileUpdateRequest
			flags := cmd.Flags()
			if flags.Changed("base-risk") {
				req.BaseRisk = &baseRisk
			}
			if flags.Changed("category") {
				req.Category = &category
			}
			if flags.Changed("description") {
				req.Description = &description
			}
			if flags.Changed("mitigation") {
				req.Mitigations = mitigations
			}
			for m, v := range effectiveness {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return fmt.Errorf("--effectiveness %s: %w", m, err)
				}
				if req.Effectiveness == nil {
					req.Effectiveness = make(map[string]float64, len(effectiveness))
				}
				req.Effectiveness[m] = f
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			var prof risk.Profile
			if err := c.do(cmd.Context(), http.MethodPatch, profilePath(args[0]), nil, req, &prof); err != nil {
				return err
			}
			if ok, err := opts.emit(prof); ok || err != nil {
				return err
			}
			opts.printer().Success("updated " + prof.Capability)
			renderProfile(opts.printer(), &prof)
			return nil
		},
	}
	cmd.Flags().Float64Var(&baseRisk, "base-risk", 0, "base risk in [0,1]")
	cmd.Flags().StringVar(&category, "category", "", "risk category")
	cmd.Flags().StringVar(&description, "description", "", "profile description")
	cmd.Flags().StringSliceVar(&mitigations, "mitigation", nil, "listed mitigations (repeatable)")
	cmd.Flags().StringToStringVar(&effectiveness, "effectiveness", nil, "mitigation effectiveness weights")
	return cmd
}

func newRiskAssessCmd(opts *cliOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "assess -f unit.yaml",
		Short: "Assess a unit's capabilities without running a trial",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := loadUnit(file, opts.in)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var a risk.Assessment
			if err := c.do(cmd.Context(), http.MethodPost, "/v1/risk/assess", nil, u, &a); err != nil {
				return err
			}
			if ok, err := opts.emit(a); ok || err != nil {
				return err
			}
			renderAssessment(opts.printer(), &a)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "unit descriptor (.yaml or .json, - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
