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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRatchet/pkg/ux"
	"github.com/AleutianAI/AleutianRatchet/pkg/validation"
)

const (
	defaultServer    = "http://localhost:8089"
	defaultNamespace = "default"
)

// cliOptions are the persistent flags shared by every client command.
type cliOptions struct {
	server    string
	token     string
	namespace string
	output    string
	timeout   time.Duration
	yes       bool

	in  io.Reader
	out io.Writer
	err io.Writer
}

func (o *cliOptions) client() (*apiClient, error) {
	return newAPIClient(o.server, o.token, o.timeout)
}

func (o *cliOptions) printer() *ux.Printer {
	if o.output == "plain" {
		return ux.NewPlainPrinter(o.out)
	}
	return ux.NewPrinter(o.out)
}

func (o *cliOptions) jsonOutput() bool { return o.output == "json" }

// emit writes v as indented JSON when --output json is set and reports
// whether it did.
func (o *cliOptions) emit(v any) (bool, error) {
	if !o.jsonOutput() {
		return false, nil
	}
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func (o *cliOptions) confirm(title, description string) (bool, error) {
	return ux.Confirm(o.in, title, description, o.yes)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newRootCmd builds the command tree over the given streams.
func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	opts := &cliOptions{in: in, out: out, err: errOut}

	root := &cobra.Command{
		Use:   "ratchet",
		Short: "Trial, commit and divide units in a ratchet sandbox",
		Long: `Ratchet keeps an accepted system state that only moves forward through
gated trials. Candidates run against a shadow copy; passing trials can be
committed, failing ones are reverted automatically. Every decision lands in
an append-only ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch opts.output {
			case "text", "plain", "json":
			default:
				return fmt.Errorf("unknown output format %q (want text, plain or json)", opts.output)
			}
			ns, err := validation.SanitizeNamespace(opts.namespace)
			if err != nil {
				return err
			}
			opts.namespace = ns
			return nil
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("RATCHET_SERVER", defaultServer), "ratchet API base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("RATCHET_TOKEN"), "bearer token for the ratchet API")
	pf.StringVarP(&opts.namespace, "namespace", "n", envOr("RATCHET_NAMESPACE", defaultNamespace), "pipeline namespace")
	pf.StringVarP(&opts.output, "output", "o", "text", "output format: text, plain or json")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")
	pf.BoolVarP(&opts.yes, "yes", "y", false, "skip confirmation prompts")

	root.AddCommand(
		newServeCmd(opts),
		newTrialCmd(opts),
		newCommitCmd(opts),
		newRevertCmd(opts),
		newRetireCmd(opts),
		newDivideCmd(opts),
		newStatusCmd(opts),
		newUnitsCmd(opts),
		newNamespacesCmd(opts),
		newLedgerCmd(opts),
		newRiskCmd(opts),
		newConfigCmd(opts),
	)

	return root
}
