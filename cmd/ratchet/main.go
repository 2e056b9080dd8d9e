// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command ratchet runs the ratchet sandbox server and talks to it.
//
// # Usage
//
//	# Write a default config and start the server
//	ratchet config init ratchet.yaml
//	ratchet serve --config ratchet.yaml
//
//	# Trial a candidate unit, inspect, then commit it
//	ratchet trial -f unit.yaml
//	ratchet status
//	ratchet commit A
//
//	# Follow the ledger file directly
//	ratchet ledger tail --file ratchet-data/ledger.jsonl --follow
//
// # Environment Variables
//
//   - RATCHET_SERVER: API base URL for client commands (default: http://localhost:8089)
//   - RATCHET_TOKEN: Bearer token sent by client commands
//   - RATCHET_NAMESPACE: Namespace for pipeline commands (default: default)
//   - RATCHET_*: Server settings, see `ratchet config env`
package main

import (
	"os"

	"github.com/AleutianAI/AleutianRatchet/pkg/ux"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		ux.NewPrinter(os.Stderr).Error(err.Error())
		os.Exit(1)
	}
}
