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
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/noil/internal/cliui"
	"github.com/kraklabs/noil/internal/clierr"
	"github.com/kraklabs/noil/pkg/checkpoint"
	"github.com/kraklabs/noil/pkg/storage/gormstore"
)

// StatusResult is the --json shape for 'noil status'.
type StatusResult struct {
	DataDir             string    `json:"data_dir"`
	ActiveConfigHash    string    `json:"active_config_hash,omitempty"`
	ActiveConfigSource  string    `json:"active_config_source,omitempty"`
	HasConflict         bool      `json:"has_conflict"`
	CheckpointPath      string    `json:"checkpoint_path"`
	CheckpointTimestamp time.Time `json:"checkpoint_timestamp,omitempty"`
	OpenFiberTypes      int       `json:"open_fiber_types"`
	OpenFibersTotal     int       `json:"open_fibers_total"`
	Error               string    `json:"error,omitempty"`
}

func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dataPath := fs.String("data", "noil.db", "Path to the SQLite storage database")
	checkpointPath := fs.String("checkpoint", "noil.checkpoint", "Path to the checkpoint file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: noil status [options]

Shows the active config version and the last checkpoint's summary
(open fiber counts per type, timestamp).

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	result := &StatusResult{DataDir: *dataPath, CheckpointPath: *checkpointPath}

	if _, err := os.Stat(*dataPath); os.IsNotExist(err) {
		result.Error = "No storage database found. Run 'noil run' first."
		emitStatus(result, globals)
		return
	}

	store, err := gormstore.Open(*dataPath)
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError("Cannot open storage database", err.Error(), "", err), globals.JSON)
	}
	defer store.Close()

	ctx := context.Background()
	active, err := store.GetActiveConfigVersion(ctx)
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError("Cannot read active config version", err.Error(), "", err), globals.JSON)
	}
	if active != nil {
		result.ActiveConfigHash = active.VersionHash
		result.ActiveConfigSource = string(active.Source)
	}

	state, err := store.GetConfigState(ctx)
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError("Cannot read config state", err.Error(), "", err), globals.JSON)
	}
	result.HasConflict = state.HasConflict

	mgr := checkpoint.NewManager(*checkpointPath, nil)
	snap, err := mgr.Load(result.ActiveConfigHash)
	if err != nil {
		clierr.FatalError(clierr.NewInternalError("Cannot read checkpoint", err.Error(), "", err), globals.JSON)
	}
	if snap != nil {
		result.CheckpointTimestamp = snap.Timestamp
		result.OpenFiberTypes = len(snap.FiberTypes)
		for _, ft := range snap.FiberTypes {
			result.OpenFibersTotal += len(ft.OpenFibers)
		}
	} else {
		result.Error = "No matching checkpoint yet for the active config version."
	}

	emitStatus(result, globals)
}

func emitStatus(result *StatusResult, globals GlobalFlags) {
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	cliui.Header("Noil Status")
	fmt.Printf("%s %s\n", cliui.Label("Data dir:"), cliui.DimText(result.DataDir))
	if result.ActiveConfigHash != "" {
		fmt.Printf("%s %s (%s)\n", cliui.Label("Active config:"), result.ActiveConfigHash[:12], result.ActiveConfigSource)
	}
	if result.HasConflict {
		cliui.Warning("Unresolved config reconciliation conflict — see the config file's markers.")
	}
	fmt.Println()

	cliui.SubHeader("Checkpoint:")
	fmt.Printf("  Path:            %s\n", cliui.DimText(result.CheckpointPath))
	if !result.CheckpointTimestamp.IsZero() {
		fmt.Printf("  Last write:      %s\n", result.CheckpointTimestamp.Format(time.RFC3339))
		fmt.Printf("  Fiber types:     %s\n", cliui.CountText(result.OpenFiberTypes))
		fmt.Printf("  Open fibers:     %s\n", cliui.CountText(result.OpenFibersTotal))
	}

	if result.Error != "" {
		fmt.Println()
		cliui.Warning(result.Error)
	}
}
