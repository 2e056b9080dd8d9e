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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRatchet/services/ratchet"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/division"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/sandbox"
	"github.com/AleutianAI/AleutianRatchet/services/ratchet/unit"
)

// loadUnit reads a unit descriptor from path, or stdin for "-". JSON is
// used for .json files, YAML otherwise. Unknown fields are rejected.
func loadUnit(path string, stdin io.Reader) (*unit.Unit, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read unit: %w", err)
	}

	var u unit.Unit
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&u)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&u)
	}
	if err != nil {
		return nil, fmt.Errorf("parse unit %s: %w", path, err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

func newTrialCmd(opts *cliOptions) *cobra.Command {
	var (
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trial -f unit.yaml",
		Short: "Run a candidate unit against a shadow copy of the accepted state",
		Long: `Runs the candidate and evaluates every gate criterion. A passing trial
stays pending until it is committed or reverted; a failing trial is reverted
automatically. The command exits non-zero when the trial fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := loadUnit(file, opts.in)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res sandbox.TrialResult
			req := ratchet.TrialRequest{Unit: u, TimeoutMS: timeout.Milliseconds()}
			if err := c.do(cmd.Context(), http.MethodPost, pipelinePath(opts.namespace, "trials"), nil, req, &res); err != nil {
				return err
			}
			if ok, err := opts.emit(res); ok || err != nil {
				return err
			}
			renderTrial(opts.printer(), &res)
			if !res.Success {
				return errTrialFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "unit descriptor (.yaml or .json, - for stdin)")
	cmd.Flags().DurationVar(&timeout, "exec-timeout", 0, "execution timeout, 0 uses the server default")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

var errTrialFailed = errors.New("trial failed")

// unitCmd builds commit, revert and retire.
func unitCmd(opts *cliOptions, verb, short string, confirm bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <unit-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if confirm {
				ok, err := opts.confirm(fmt.Sprintf("%s %s in %s?", titleCase(verb), id, opts.namespace),
					"This changes the accepted state.")
				if err != nil {
					return err
				}
				if !ok {
					opts.printer().Warning("aborted")
					return nil
				}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp ratchet.OKResponse
			err = c.do(cmd.Context(), http.MethodPost, pipelinePath(opts.namespace, "units", id, verb), nil, nil, &resp)
			if isCode(err, "NO_SHADOW") {
				return fmt.Errorf("%w: the trial for %s was already reverted or never passed", err, id)
			}
			if err != nil {
				return err
			}
			if ok, err := opts.emit(resp); ok || err != nil {
				return err
			}
			opts.printer().Success(fmt.Sprintf("%s %s (namespace %s, version %d)", pastTense(verb), id, resp.Namespace, resp.Version))
			return nil
		},
	}
}

func newCommitCmd(opts *cliOptions) *cobra.Command {
	return unitCmd(opts, "commit", "Promote a passing trial into the accepted state", true)
}

func newRevertCmd(opts *cliOptions) *cobra.Command {
	return unitCmd(opts, "revert", "Discard a pending trial", false)
}

func newRetireCmd(opts *cliOptions) *cobra.Command {
	return unitCmd(opts, "retire", "Remove an accepted unit and its energy account", true)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func pastTense(verb string) string {
	switch verb {
	case "commit":
		return "Committed"
	case "revert":
		return "Reverted"
	case "retire":
		return "Retired"
	default:
		return titleCase(verb)
	}
}

func newDivideCmd(opts *cliOptions) *cobra.Command {
	var ratio float64
	cmd := &cobra.Command{
		Use:   "divide <unit-id>",
		Short: "Split an accepted unit into two children",
		Long: `Divides the unit's capabilities and energy budget between two children at
the given ratio. The first child receives ratio of the budget.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ok, err := opts.confirm(fmt.Sprintf("Divide %s at %.3f?", id, ratio), "The parent unit is replaced by its children.")
			if err != nil {
				return err
			}
			if !ok {
				opts.printer().Warning("aborted")
				return nil
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var rec division.Record
			req := ratchet.DivideRequest{UnitID: id, SplitRatio: ratio}
			if err := c.do(cmd.Context(), http.MethodPost, pipelinePath(opts.namespace, "divisions"), nil, req, &rec); err != nil {
				return err
			}
			if ok, err := opts.emit(rec); ok || err != nil {
				return err
			}
			renderDivision(opts.printer(), &rec)
			return nil
		},
	}
	cmd.Flags().Float64Var(&ratio, "ratio", division.GoldenRatio, "share of the budget kept by the first child, in (0,1)")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a pipeline's state, pending trial and recent trials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var st sandbox.Status
			if err := c.do(cmd.Context(), http.MethodGet, pipelinePath(opts.namespace, "status"), nil, nil, &st); err != nil {
				return err
			}
			if ok, err := opts.emit(st); ok || err != nil {
				return err
			}
			renderStatus(opts.printer(), &st)
			return nil
		},
	}
}

func newUnitsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List the accepted units of a pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp ratchet.UnitsResponse
			if err := c.do(cmd.Context(), http.MethodGet, pipelinePath(opts.namespace, "units"), nil, nil, &resp); err != nil {
				return err
			}
			if ok, err := opts.emit(resp); ok || err != nil {
				return err
			}
			renderUnits(opts.printer(), resp.Units)
			return nil
		},
	}
}

func newNamespacesCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "List open pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var resp ratchet.NamespacesResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/v1/pipelines", nil, nil, &resp); err != nil {
				return err
			}
			if ok, err := opts.emit(resp); ok || err != nil {
				return err
			}
			for _, ns := range resp.Namespaces {
				fmt.Fprintln(opts.out, ns)
			}
			return nil
		},
	}
}
