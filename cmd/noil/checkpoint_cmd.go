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
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/noil/internal/cliui"
	"github.com/kraklabs/noil/internal/clierr"
	"github.com/kraklabs/noil/pkg/checkpoint"
)

func runCheckpointCmd(args []string, globals GlobalFlags) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: noil checkpoint <inspect> [options]")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "inspect":
		runCheckpointInspect(rest, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown checkpoint subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// runCheckpointInspect prints the raw checkpoint snapshot, reading the
// file directly rather than through checkpoint.Manager.Load — Load
// silently discards on a config-version mismatch, which is exactly
// the information an operator inspecting a stale checkpoint wants to
// see, not have hidden.
func runCheckpointInspect(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("checkpoint inspect", flag.ExitOnError)
	checkpointPath := fs.String("checkpoint", "noil.checkpoint", "Path to the checkpoint file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	data, err := os.ReadFile(*checkpointPath)
	if os.IsNotExist(err) {
		clierr.FatalError(clierr.NewInputError(
			"No checkpoint file found",
			*checkpointPath,
			"Run 'noil run' at least once to produce a checkpoint",
			err,
		), globals.JSON)
	}
	if err != nil {
		clierr.FatalError(clierr.NewPermissionError("Cannot read checkpoint file", err.Error(), "", err), globals.JSON)
	}

	var snap checkpoint.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		clierr.FatalError(clierr.NewInternalError(
			"Checkpoint file is corrupt",
			err.Error(),
			"Delete it to force a fresh start on the next 'noil run'",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
		return
	}

	cliui.Header("Checkpoint Snapshot")
	fmt.Printf("%s %d\n", cliui.Label("Schema version:"), snap.SchemaVersion)
	fmt.Printf("%s %s\n", cliui.Label("Written:"), snap.Timestamp.Format(time.RFC3339))
	fmt.Printf("%s %s\n", cliui.Label("Config version:"), snap.ConfigVersion)
	fmt.Println()

	cliui.SubHeader("Sources:")
	for _, ss := range snap.Sources {
		wm := "-"
		if ss.LastTimestamp != nil {
			wm = ss.LastTimestamp.Format(time.RFC3339)
		}
		fmt.Printf("  %-20s offset=%-10d inode=%-10d watermark=%-25s drops=%d parse_errors=%d\n",
			ss.SourceID, ss.Offset, ss.Inode, wm, ss.DropCount, ss.ParseErrorCount)
	}

	fmt.Println()
	cliui.SubHeader("Fiber types:")
	for _, ft := range snap.FiberTypes {
		fmt.Printf("  %-20s open=%-6s clock=%s\n",
			ft.FiberType, cliui.CountText(len(ft.OpenFibers)), ft.LogicalClock.Format(time.RFC3339))
	}
}
