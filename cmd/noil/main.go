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

// Package main implements the noil CLI: a log-ingestion and
// fiber-correlation pipeline.
//
// Usage:
//
//	noil init                        Write a starter config.yaml
//	noil run --config config.yaml    Run the pipeline
//	noil status --data noil.db       Show checkpoint/config status
//	noil config show|diff|reconcile  Inspect/reconcile the config version DAG
//	noil checkpoint inspect          Print the last checkpoint snapshot
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/noil/internal/cliui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds flags that apply across every subcommand.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	// Stop parsing at the first non-flag arg so subcommand flags
	// (e.g. "run --checkpoint ...") reach the subcommand's own FlagSet.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `noil - log ingestion and fiber correlation

Usage:
  noil <command> [options]

Commands:
  init        Write a starter config.yaml
  run         Run the ingestion/correlation pipeline
  status      Show checkpoint and active config status
  config      Inspect/reconcile config versions (show|diff|reconcile)
  checkpoint  Inspect the last checkpoint snapshot

Global Options:
  --json        Output in JSON format (for applicable commands)
  --no-color    Disable color output (respects NO_COLOR env var)
  -v, --verbose Increase verbosity (-v for info, -vv for debug)
  -q, --quiet   Suppress non-essential output
  -V, --version Show version and exit

Examples:
  noil init
  noil run --config config.yaml --data noil.db --checkpoint noil.ckpt
  noil status --data noil.db
  noil config diff --config config.yaml --data noil.db
  noil checkpoint inspect --checkpoint noil.ckpt

For detailed command help: noil <command> --help
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("noil version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "Error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor, Verbose: *verbose, Quiet: *quiet}
	cliui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "run":
		runRun(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "config":
		runConfigCmd(cmdArgs, globals)
	case "checkpoint":
		runCheckpointCmd(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
