// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/noil/internal/cliui"
	"github.com/kraklabs/noil/internal/clierr"
)

const starterConfig = `# noil config.yaml — see spec §4, §6 for the full schema.
sources:
  app:
    path: /var/log/app.log
    follow: true
    start: end
    timestamp:
      regex: "^(?P<ts>\\S+)"
      format: iso8601

sequencer:
  safety_margin: 500ms

fiber_types:
  session:
    temporal:
      max_gap: 5m
      gap_mode: session
    attributes:
      - name: session_id
        type: string
        key: true
      - name: user
        type: string
    sources:
      app:
        patterns:
          - regex: "session=(?P<session_id>\\S+) user=(?P<user>\\S+)"
          - regex: "session=(?P<session_id>\\S+) closed"
            close: true
`

func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	out := fs.StringP("output", "o", "config.yaml", "Path to write the starter config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: noil init [options]

Write a starter config.yaml with one source and one fiber type, ready
to edit for a real deployment.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if _, err := os.Stat(*out); err == nil && !*force {
		clierr.FatalError(clierr.NewInputError(
			fmt.Sprintf("%s already exists", *out),
			"Refusing to overwrite an existing config without --force",
			"Pass --force to overwrite, or --output to pick a different path",
			nil,
		), globals.JSON)
	}

	if err := os.WriteFile(*out, []byte(starterConfig), 0644); err != nil {
		clierr.FatalError(clierr.NewPermissionError(
			"Cannot write config file",
			err.Error(),
			"Check directory permissions",
			err,
		), globals.JSON)
	}

	if !globals.Quiet {
		cliui.Header("Config created")
		fmt.Printf("Wrote %s\n\n", cliui.DimText(*out))
		cliui.Info("Next steps:")
		fmt.Printf("  1. Edit %s for your sources and fiber types\n", cliui.DimText(*out))
		fmt.Printf("  2. Run '%s' to start the pipeline\n", cliui.Cyan.Sprint("noil run --config "+*out))
	}
}
