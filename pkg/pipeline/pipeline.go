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

// Package pipeline wires SourceReaders, the Sequencer, one
// FiberProcessor per fiber type, the CheckpointManager, and Storage
// into the running system (spec §5). Its staged, event-logged
// orchestration is grounded on the teacher's
// LocalPipeline.Run (pkg/ingestion/local_pipeline.go): the same
// "log a step.X event, then do the step" shape, generalized from a
// one-shot batch run to a long-running streaming one. The readers,
// sequencer, fan-out, checkpoint, and error-drain goroutines are
// supervised by one golang.org/x/sync/errgroup; fiber types are
// processed serially inside the single fan-out goroutine (see
// fanOutRecords).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/noil/pkg/checkpoint"
	"github.com/kraklabs/noil/pkg/config"
	"github.com/kraklabs/noil/pkg/fiber"
	"github.com/kraklabs/noil/pkg/metrics"
	"github.com/kraklabs/noil/pkg/sequencer"
	"github.com/kraklabs/noil/pkg/source"
	"github.com/kraklabs/noil/pkg/storage"
	"github.com/kraklabs/noil/pkg/types"
)

// recordChanBuffer bounds the channel every SourceReader writes to;
// the Sequencer's own output channel is bounded separately by
// Options.SequencerBuffer (spec §4.2's backpressure requirement).
const recordChanBuffer = 256

// Options configures one pipeline run.
type Options struct {
	ConfigVersion    string
	CheckpointPath   string
	CheckpointPeriod time.Duration
	SequencerBuffer  int
}

// Pipeline owns every live component for one run.
type Pipeline struct {
	cfg     *config.CompiledConfig
	opts    Options
	store   storage.Storage
	logger  *slog.Logger
	metrics *metrics.Metrics

	readers    map[string]*source.Reader
	seq        *sequencer.Sequencer
	processors map[string]*fiber.Processor
	ckpt       *checkpoint.Manager
	errs       chan error
}

// New constructs a Pipeline from a compiled config. It does not start
// anything; call Run.
func New(cfg *config.CompiledConfig, opts Options, store storage.Storage, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SequencerBuffer <= 0 {
		opts.SequencerBuffer = 1024
	}
	if opts.CheckpointPeriod <= 0 {
		opts.CheckpointPeriod = 30 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	in := make(chan types.LogRecord, recordChanBuffer)
	errs := make(chan error, 256)
	sourceIDs := make([]string, 0, len(cfg.Sources))
	readers := make(map[string]*source.Reader, len(cfg.Sources))
	for id, cs := range cfg.Sources {
		sourceIDs = append(sourceIDs, id)
		readers[id] = source.NewReader(cs, in, errs, logger)
	}

	seq := sequencer.New(sourceIDs, cfg.SafetyMargin, in, opts.SequencerBuffer, logger)

	processors := make(map[string]*fiber.Processor, len(cfg.FiberTypes))
	for name, ft := range cfg.FiberTypes {
		processors[name] = fiber.New(name, ft, store, opts.ConfigVersion, logger)
	}

	return &Pipeline{
		cfg:        cfg,
		opts:       opts,
		store:      store,
		logger:     logger,
		metrics:    m,
		readers:    readers,
		seq:        seq,
		processors: processors,
		ckpt:       checkpoint.NewManager(opts.CheckpointPath, logger),
		errs:       errs,
	}
}

// Restore loads the last checkpoint (if any and if it matches the
// active config version) and seeds every reader/processor from it
// (spec §4.4).
func (p *Pipeline) Restore() error {
	snap, err := p.ckpt.Load(p.opts.ConfigVersion)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if snap == nil {
		p.logger.Info("pipeline.restore.fresh_start")
		return nil
	}

	for _, ss := range snap.Sources {
		if r, ok := p.readers[ss.SourceID]; ok {
			r.SeedOffset(ss.Offset, ss.Inode)
			r.SeedStats(ss.DropCount, ss.ParseErrorCount)
		}
	}
	for _, fts := range snap.FiberTypes {
		proc, ok := p.processors[fts.FiberType]
		if !ok {
			continue
		}
		fibers := make([]types.Fiber, 0, len(fts.OpenFibers))
		for _, of := range fts.OpenFibers {
			fibers = append(fibers, of.ToFiber(fts.FiberType, p.opts.ConfigVersion))
		}
		proc.Restore(fibers, fts.LogicalClock)
	}
	p.logger.Info("pipeline.restore.ok", "timestamp", snap.Timestamp)
	return nil
}

// Offsets reports each source's current byte offset, keyed by source
// ID. Exposed for callers that want to render backfill progress
// against file size (cmd/noil's progress bar) without reaching into
// package-private reader state.
func (p *Pipeline) Offsets() map[string]int64 {
	out := make(map[string]int64, len(p.readers))
	for id, r := range p.readers {
		offset, _ := r.Offset()
		out[id] = offset
	}
	return out
}

// Run starts every component and blocks until ctx is cancelled, a
// fatal component error occurs, or every source has gone inactive and
// the sequencer's output has been fully processed. On return, a final
// checkpoint has already been written.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// runCtx is cancelled either by the caller (via ctx/gctx) or by
	// fanOutRecords returning on its own once the sequencer has drained
	// and closed Out() — which happens once every source goes inactive
	// (spec §4.2/§5: a run of exclusively non-follow sources finishes
	// and shuts down cleanly instead of blocking forever in g.Wait()).
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	p.logger.Info("pipeline.step.start_sources", "count", len(p.readers))
	for id, r := range p.readers {
		id, r := id, r
		g.Go(func() error {
			err := r.Run(runCtx)
			p.seq.MarkInactive(id)
			if err != nil {
				p.logger.Error("pipeline.source_failed", "source_id", id, "error", err)
			}
			return nil // one source failing doesn't bring down the pipeline
		})
	}

	p.logger.Info("pipeline.step.start_sequencer")
	g.Go(func() error {
		return p.seq.Run(runCtx)
	})

	p.logger.Info("pipeline.step.start_fiber_processors", "count", len(p.processors))
	g.Go(func() error {
		err := p.fanOutRecords(runCtx)
		cancelRun()
		return err
	})

	g.Go(func() error {
		return p.periodicCheckpoint(runCtx)
	})

	g.Go(func() error {
		return p.drainErrors(runCtx)
	})

	err := g.Wait()

	if ckErr := p.writeCheckpoint(context.Background()); ckErr != nil {
		p.logger.Error("pipeline.final_checkpoint_failed", "error", ckErr)
	}
	p.logger.Info("pipeline.stopped")

	if err == context.Canceled || err == context.DeadlineExceeded {
		return nil
	}
	return err
}

// fanOutRecords reads the sequencer's ordered output and hands each
// record to every fiber type's processor. Per spec §4.3/§5, fiber
// types never interact and are safe to process concurrently, but
// doing so per-record would require per-type queues; instead each
// record is processed by every type serially within this goroutine,
// which still satisfies "independent" since no type reads another's
// state — wide parallelism here buys nothing the pattern's per-type
// locklessness doesn't already give up for free at this volume.
func (p *Pipeline) fanOutRecords(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-p.seq.Out():
			if !ok {
				return nil
			}
			p.metrics.RecordsIngested.WithLabelValues(rec.SourceID).Inc()
			if err := p.store.InsertLog(ctx, rec, p.opts.ConfigVersion); err != nil {
				p.logger.Error("pipeline.insert_log_failed", "error", err)
				continue
			}
			for name, proc := range p.processors {
				if err := proc.Process(ctx, rec); err != nil {
					p.logger.Error("pipeline.fiber_process_failed", "fiber_type", name, "error", err)
				}
			}
		}
	}
}

func (p *Pipeline) drainErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-p.errs:
			p.logger.Warn("pipeline.component_error", "error", err)
		}
	}
}

func (p *Pipeline) periodicCheckpoint(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.CheckpointPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.writeCheckpoint(ctx); err != nil {
				p.logger.Error("pipeline.checkpoint_failed", "error", err)
				p.metrics.CheckpointErrors.Inc()
			} else {
				p.metrics.CheckpointWrites.Inc()
			}
		}
	}
}

func (p *Pipeline) writeCheckpoint(ctx context.Context) error {
	snap := checkpoint.Snapshot{
		Timestamp:     time.Now().UTC(),
		ConfigVersion: p.opts.ConfigVersion,
		Watermarks:    make(map[string]time.Time),
	}
	for id, r := range p.readers {
		offset, inode := r.Offset()
		wm, has := r.Watermark()
		dropCount, parseErrors := r.Stats()
		p.metrics.LinesDropped.WithLabelValues(id).Set(float64(dropCount))
		p.metrics.ParseErrors.WithLabelValues(id).Set(float64(parseErrors))
		ss := checkpoint.SourceState{
			SourceID:        id,
			Path:            "",
			Offset:          offset,
			Inode:           inode,
			DropCount:       dropCount,
			ParseErrorCount: parseErrors,
		}
		if has {
			ss.LastTimestamp = &wm
			snap.Watermarks[id] = wm
		}
		snap.Sources = append(snap.Sources, ss)
	}
	for name, proc := range p.processors {
		fibers, clock := proc.Snapshot()
		drops, merges, closes := proc.Stats()
		p.metrics.FibersOpen.WithLabelValues(name).Set(float64(len(fibers)))
		p.metrics.FiberMerges.WithLabelValues(name).Set(float64(merges))
		p.metrics.FiberCloses.WithLabelValues(name).Set(float64(closes))
		p.metrics.KeyViolations.WithLabelValues(name).Set(float64(drops))
		ofs := make([]checkpoint.OpenFiber, 0, len(fibers))
		for _, f := range fibers {
			ofs = append(ofs, checkpoint.FromFiber(f))
		}
		snap.FiberTypes = append(snap.FiberTypes, checkpoint.FiberTypeState{
			FiberType:    name,
			LogicalClock: clock,
			OpenFibers:   ofs,
		})
	}
	return p.ckpt.Save(snap)
}
