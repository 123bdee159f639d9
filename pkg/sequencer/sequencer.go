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

// Package sequencer implements the Sequencer (spec §4.2): a
// watermark-driven k-way merge that turns N per-source LogRecord
// streams into one globally non-decreasing stream. Its fan-in shape
// adapts the teacher's fan-out worker pool
// (pkg/ingestion/local_pipeline.go's parseFilesParallel: jobs channel,
// results channel, sync.WaitGroup, atomic counters) to a merge instead
// of a scatter. pkg/pipeline supervises this alongside per-source
// readers with golang.org/x/sync/errgroup, the way other_examples'
// oriys-nova executor.go supervises its own fan-out.
package sequencer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kraklabs/noil/pkg/types"
)

// item is one buffered record plus a monotonic sequence number, used
// to keep the heap's pop order stable when two records share a
// timestamp.
type item struct {
	rec types.LogRecord
	seq uint64
}

type recordHeap []item

func (h recordHeap) Len() int { return len(h) }
func (h recordHeap) Less(i, j int) bool {
	if h[i].rec.Timestamp.Equal(h[j].rec.Timestamp) {
		return h[i].seq < h[j].seq
	}
	return h[i].rec.Timestamp.Before(h[j].rec.Timestamp)
}
func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type sourceState struct {
	watermark    time.Time
	hasWatermark bool
	active       bool
}

// Sequencer merges records from N sources into one output channel in
// non-decreasing timestamp order, subject to SafetyMargin (spec §4.2).
type Sequencer struct {
	SafetyMargin time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	heap    recordHeap
	seq     uint64
	sources map[string]*sourceState

	out chan types.LogRecord
	in  chan types.LogRecord

	// wake is signalled whenever a push or a source-state change might
	// have unblocked an emission.
	wake chan struct{}
}

// New constructs a Sequencer. in is the single channel every
// SourceReader writes LogRecords to; out is the merged, ordered
// stream. bufSize bounds out (spec §4.2's backpressure requirement).
func New(sourceIDs []string, safetyMargin time.Duration, in chan types.LogRecord, bufSize int, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	sources := make(map[string]*sourceState, len(sourceIDs))
	for _, id := range sourceIDs {
		sources[id] = &sourceState{active: true}
	}
	return &Sequencer{
		SafetyMargin: safetyMargin,
		logger:       logger,
		sources:      sources,
		in:           in,
		out:          make(chan types.LogRecord, bufSize),
		wake:         make(chan struct{}, 1),
	}
}

// Out is the merged, ordered output stream.
func (s *Sequencer) Out() <-chan types.LogRecord { return s.out }

// MarkInactive marks a source as no longer constraining the emission
// watermark (spec §4.2: "on source EOF without follow"). Safe to call
// concurrently with Run.
func (s *Sequencer) MarkInactive(sourceID string) {
	s.mu.Lock()
	if st, ok := s.sources[sourceID]; ok {
		st.active = false
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run consumes from in until ctx is cancelled, in is closed, or every
// source has gone inactive, emitting to Out() in timestamp order. On
// exit it flushes whatever remains in the heap, in order, before
// closing Out() (spec §4.2: "on shutdown or all-sources-inactive:
// flush the heap").
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			s.drainRemaining()
			return ctx.Err()
		case rec, ok := <-s.in:
			if !ok {
				s.drainRemaining()
				return nil
			}
			s.push(rec)
			if !s.emitReady(ctx) {
				return nil
			}
			if s.allInactive() {
				s.drainRemaining()
				return nil
			}
		case <-s.wake:
			if !s.emitReady(ctx) {
				return nil
			}
			if s.allInactive() {
				s.drainRemaining()
				return nil
			}
		}
	}
}

// allInactive reports whether every registered source has been marked
// inactive. minActiveWatermark can't answer this on its own: it
// returns the same (zero, false) both when active sources exist but
// one has no watermark yet, and when no active sources remain at all
// — the two cases emitReady treats identically (nothing ready), but
// Run needs to tell them apart to know when to stop.
func (s *Sequencer) allInactive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sources {
		if st.active {
			return false
		}
	}
	return true
}

func (s *Sequencer) push(rec types.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.heap, item{rec: rec, seq: s.seq})
	if st, ok := s.sources[rec.SourceID]; ok {
		if st.hasWatermark && rec.Timestamp.Before(st.watermark) {
			s.logger.Warn("sequencer.out_of_order_within_source", "source_id", rec.SourceID,
				"record_timestamp", rec.Timestamp, "prior_watermark", st.watermark)
		}
		st.watermark = rec.Timestamp
		st.hasWatermark = true
	}
}

// minActiveWatermark returns the minimum watermark across all active
// sources, and whether every active source currently has one (spec
// §4.2: "if every active source has a watermark, else None").
func (s *Sequencer) minActiveWatermark() (time.Time, bool) {
	var min time.Time
	first := true
	anyActive := false
	for _, st := range s.sources {
		if !st.active {
			continue
		}
		anyActive = true
		if !st.hasWatermark {
			return time.Time{}, false
		}
		if first || st.watermark.Before(min) {
			min = st.watermark
			first = false
		}
	}
	if !anyActive {
		return time.Time{}, false
	}
	return min, true
}

// emitReady pops and sends every heap entry at or below the current
// safety threshold. Returns false if ctx was cancelled mid-send.
func (s *Sequencer) emitReady(ctx context.Context) bool {
	for {
		s.mu.Lock()
		m, ok := s.minActiveWatermark()
		if !ok || s.heap.Len() == 0 {
			s.mu.Unlock()
			return true
		}
		threshold := m.Add(-s.SafetyMargin)
		if s.heap[0].rec.Timestamp.After(threshold) {
			s.mu.Unlock()
			return true
		}
		next := heap.Pop(&s.heap).(item).rec
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-ctx.Done():
			return false
		}
	}
}

// drainRemaining moves any records still buffered on in onto the heap,
// then flushes the heap in timestamp order regardless of watermarks,
// on shutdown or once every source is inactive (spec §4.2).
func (s *Sequencer) drainRemaining() {
	for pulling := true; pulling; {
		select {
		case rec, ok := <-s.in:
			if ok {
				s.push(rec)
			} else {
				pulling = false
			}
		default:
			pulling = false
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.heap.Len() > 0 {
		next := heap.Pop(&s.heap).(item).rec
		s.out <- next
	}
}
