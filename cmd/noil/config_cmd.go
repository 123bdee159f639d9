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
	"context"
	"fmt"
	"os"

	"github.com/pmezard/go-difflib/difflib"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/noil/internal/cliui"
	"github.com/kraklabs/noil/internal/clierr"
	"github.com/kraklabs/noil/pkg/config"
	"github.com/kraklabs/noil/pkg/storage/gormstore"
)

func runConfigCmd(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: noil config <show|diff|reconcile> [options]")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "show":
		runConfigShow(rest, globals)
	case "diff":
		runConfigDiff(rest, globals)
	case "reconcile":
		runConfigReconcile(rest, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func openConfigStore(globals GlobalFlags, dataPath string) (*gormstore.Store, *config.Store) {
	store, err := gormstore.Open(dataPath)
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError("Cannot open storage database", err.Error(), "", err), globals.JSON)
	}
	return store, config.NewStore(store, newLogger(globals))
}

// runConfigShow prints the active config version's hash, parent, and
// (with --lineage) the full ancestor chain the DAG records (spec
// §4.5's versioning requirement, exposed read-only per SPEC_FULL.md's
// supplemented-feature list).
func runConfigShow(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	dataPath := fs.String("data", "noil.db", "Path to the SQLite storage database")
	lineage := fs.Bool("lineage", false, "Print the full ancestor chain")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	store, cfgStore := openConfigStore(globals, *dataPath)
	defer store.Close()

	ctx := context.Background()
	active, err := store.GetActiveConfigVersion(ctx)
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError("Cannot read active config version", err.Error(), "", err), globals.JSON)
	}
	if active == nil {
		cliui.Warning("No active config version yet. Run 'noil run' at least once.")
		return
	}

	cliui.Header("Active Config Version")
	fmt.Printf("%s %s\n", cliui.Label("Hash:"), active.VersionHash)
	fmt.Printf("%s %s\n", cliui.Label("Parent:"), cliui.DimText(active.ParentHash))
	fmt.Printf("%s %s\n", cliui.Label("Source:"), active.Source)
	fmt.Printf("%s %s\n", cliui.Label("Created:"), active.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))

	if *lineage {
		chain, err := cfgStore.Lineage(ctx, active.VersionHash)
		if err != nil {
			clierr.FatalError(clierr.NewDatabaseError("Cannot read lineage", err.Error(), "", err), globals.JSON)
		}
		fmt.Println()
		cliui.SubHeader("Lineage (newest first):")
		for _, v := range chain {
			fmt.Printf("  %s  %s  %s\n", v.VersionHash[:12], v.Source, v.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	}
}

// runConfigDiff shows the unified diff between the on-disk config file
// and the currently active DB version, using go-difflib the way a
// three-way-merge-adjacent tool reports what it would reconcile.
func runConfigDiff(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config diff", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "Path to config.yaml")
	dataPath := fs.String("data", "noil.db", "Path to the SQLite storage database")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	fileContent, err := os.ReadFile(*configPath)
	if err != nil {
		clierr.FatalError(clierr.NewInputError("Cannot read config file", err.Error(), "", err), globals.JSON)
	}

	store, _ := openConfigStore(globals, *dataPath)
	defer store.Close()

	active, err := store.GetActiveConfigVersion(context.Background())
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError("Cannot read active config version", err.Error(), "", err), globals.JSON)
	}
	if active == nil {
		cliui.Info("No active config version in storage yet; nothing to diff against.")
		return
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(active.YAMLContent),
		B:        difflib.SplitLines(string(fileContent)),
		FromFile: "db:" + active.VersionHash[:12],
		ToFile:   *configPath,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		clierr.FatalError(clierr.NewInternalError("Cannot compute diff", err.Error(), "", err), globals.JSON)
	}
	if text == "" {
		cliui.Info("No differences between the active config version and the file on disk.")
		return
	}
	fmt.Print(text)
}

// runConfigReconcile runs the spec §4.5 3-way reconciliation
// out-of-band from 'noil run', so an operator can resolve drift
// before starting the pipeline.
func runConfigReconcile(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config reconcile", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "Path to config.yaml")
	dataPath := fs.String("data", "noil.db", "Path to the SQLite storage database")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	store, cfgStore := openConfigStore(globals, *dataPath)
	defer store.Close()

	_, outcome, err := cfgStore.Reconcile(context.Background(), *configPath)
	if err != nil {
		clierr.FatalError(reconcileUserError(*configPath, err), globals.JSON)
	}
	cliui.Header("Config Reconciled")
	fmt.Printf("%s %s\n", cliui.Label("Outcome:"), outcome.String())
}
