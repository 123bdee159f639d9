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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/schollz/progressbar/v3"

	"github.com/kraklabs/noil/internal/clierr"
	"github.com/kraklabs/noil/pkg/config"
	"github.com/kraklabs/noil/pkg/metrics"
	"github.com/kraklabs/noil/pkg/pipeline"
	"github.com/kraklabs/noil/pkg/storage/gormstore"
)

func runRun(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "config.yaml", "Path to config.yaml")
	dataPath := fs.String("data", "noil.db", "Path to the SQLite storage database")
	checkpointPath := fs.String("checkpoint", "noil.checkpoint", "Path to the checkpoint file")
	checkpointPeriod := fs.Duration("checkpoint-period", 30*time.Second, "How often to write a checkpoint")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: noil run [options]

Reconciles the config version against storage, restores the last
checkpoint if present, and runs the ingestion/correlation pipeline
until interrupted (SIGINT/SIGTERM).

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)

	store, err := gormstore.Open(*dataPath)
	if err != nil {
		clierr.FatalError(clierr.NewDatabaseError(
			"Cannot open storage database",
			*dataPath,
			"Check that the path is writable and not locked by another process",
			err,
		), globals.JSON)
	}
	defer store.Close()

	cfgStore := config.NewStore(store, logger)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	compiled, outcome, err := cfgStore.Reconcile(ctx, *configPath)
	if err != nil {
		m.ConfigReconciles.WithLabelValues("conflict").Inc()
		clierr.FatalError(reconcileUserError(*configPath, err), globals.JSON)
	}
	m.ConfigReconciles.WithLabelValues(outcome.String()).Inc()
	if !globals.Quiet {
		logger.Info("noil.config.reconciled", "outcome", outcome.String())
	}

	hash, herr := activeConfigHash(*configPath)
	if herr != nil {
		clierr.FatalError(clierr.NewInternalError("Cannot read active config hash", herr.Error(), "", herr), globals.JSON)
	}

	opts := pipeline.Options{
		ConfigVersion:    hash,
		CheckpointPath:   *checkpointPath,
		CheckpointPeriod: *checkpointPeriod,
	}
	pl := pipeline.New(compiled, opts, store, m, logger)

	if err := pl.Restore(); err != nil {
		clierr.FatalError(clierr.NewInternalError("Cannot restore checkpoint", err.Error(), "Delete the checkpoint file to force a fresh start", err), globals.JSON)
	}

	var stopProgress func()
	if !globals.Quiet && !globals.JSON {
		stopProgress = startBackfillProgress(ctx, pl, compiled)
	}

	runErr := pl.Run(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if runErr != nil {
		clierr.FatalError(clierr.NewInternalError("Pipeline exited with an error", runErr.Error(), "", runErr), globals.JSON)
	}
}

// activeConfigHash re-derives the hash noil run should stamp onto
// records/fibers: the version that is now active after reconciliation
// (Reconcile always leaves the file's own content as the active
// version's content, barring an unresolved conflict that already
// exited the process above).
func activeConfigHash(configPath string) (string, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return "", err
	}
	return config.ComputeHash(string(content)), nil
}

// reconcileUserError converts a *noilerr.ReconciliationConflict (or any
// other Reconcile failure) into the CLI's categorized error shape.
func reconcileUserError(configPath string, err error) *clierr.UserError {
	return clierr.NewConfigError(
		"Config reconciliation failed",
		err.Error(),
		fmt.Sprintf("Resolve the conflict markers in %s, then re-run 'noil run'", configPath),
		err,
	)
}

func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose >= 1:
		level = slog.LevelInfo
	}
	if globals.Quiet {
		level = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// startBackfillProgress renders a byte-progress bar against each
// source's on-disk size while any source still has unread bytes on
// startup, the way the teacher's indexing commands show progress
// during a long local index pass. It self-stops once every source has
// caught up, or when ctx is cancelled.
func startBackfillProgress(ctx context.Context, pl *pipeline.Pipeline, cfg *config.CompiledConfig) func() {
	total := int64(0)
	sizes := make(map[string]int64, len(cfg.Sources))
	for id, cs := range cfg.Sources {
		if fi, err := os.Stat(cs.Path); err == nil {
			sizes[id] = fi.Size()
			total += fi.Size()
		}
	}
	if total == 0 {
		return func() {}
	}

	bar := progressbar.DefaultBytes(total, "backfilling logs")
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				sum := int64(0)
				for id, offset := range pl.Offsets() {
					if offset > sizes[id] {
						offset = sizes[id]
					}
					sum += offset
				}
				_ = bar.Set64(sum)
				if sum >= total {
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		_ = bar.Finish()
	}
}
