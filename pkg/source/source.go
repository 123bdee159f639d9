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

// Package source implements SourceReader (spec §4.1): a single file
// follower that extracts timestamps, coalesces multiline records, and
// survives rotation/truncation. Its read-then-sleep-then-rewake shape
// and rotation/truncation detection are grounded on
// other_examples/...ysaquib-sf-processor...filestream.go's fileStream,
// adapted from a channel-fed streamer to Noil's pull-per-record model.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/kraklabs/noil/internal/noilerr"
	"github.com/kraklabs/noil/pkg/config"
	"github.com/kraklabs/noil/pkg/types"
)

// pollInterval is the fallback sleep between re-stat attempts when
// fsnotify can't watch the source directory (spec §4.1's retry
// policy).
const pollInterval = 250 * time.Millisecond

// pending is a record under construction: one or more coalesced
// lines, not yet flushed to the output channel.
type pending struct {
	text      strings.Builder
	timestamp time.Time
	offset    int64
}

// Reader is a single SourceReader: it owns exactly one file handle and
// its offset/inode state (spec §3's ownership rule).
type Reader struct {
	id     string
	cfg    config.CompiledSource
	logger *slog.Logger

	out  chan<- types.LogRecord
	errs chan<- error

	file   *os.File
	reader *bufio.Reader
	inode  uint64
	offset int64
	pend   *pending

	mu           sync.RWMutex
	watermark    time.Time
	hasWatermark bool
	dropCount    uint64
	parseErrors  uint64

	seeded       bool
	seededOffset int64
	seededInode  uint64
}

// NewReader constructs a Reader for one compiled source. Records are
// sent to out; IoError/ParseError events are sent to errs
// (non-blocking sends are the caller's responsibility to drain).
func NewReader(cfg config.CompiledSource, out chan<- types.LogRecord, errs chan<- error, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{id: cfg.ID, cfg: cfg, out: out, errs: errs, logger: logger.With("source_id", cfg.ID)}
}

// SeedOffset restores a checkpointed position. Call before Run. If the
// file's current inode doesn't match inode at Run time, the seed is
// ignored and the reader starts per its configured policy (spec
// §4.4).
func (r *Reader) SeedOffset(offset int64, inode uint64) {
	r.seeded = true
	r.seededOffset = offset
	r.seededInode = inode
}

// SeedStats restores the lifetime drop/parse-error counters from a
// checkpoint, so Stats() (and thus the next checkpoint write) reports
// a running total across restarts rather than resetting to zero. Call
// before Run, same as SeedOffset; unlike the offset it applies
// unconditionally, since a rotation between checkpoints shouldn't
// erase a lifetime count the way it invalidates a stale byte offset.
func (r *Reader) SeedStats(dropCount, parseErrors uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropCount = dropCount
	r.parseErrors = parseErrors
}

// Watermark returns the timestamp of the most recently emitted
// record, and whether any record has been emitted yet.
func (r *Reader) Watermark() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermark, r.hasWatermark
}

// Stats returns lifetime drop/parse-error counts for status reporting
// and checkpoint persistence.
func (r *Reader) Stats() (dropCount, parseErrors uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropCount, r.parseErrors
}

// Offset returns the current byte offset and inode, for checkpointing.
func (r *Reader) Offset() (offset int64, inode uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.offset, r.inode
}

func inodeOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// Run opens the file, applies the start policy (or a matching seeded
// offset), and reads until ctx is cancelled or, for follow=false
// sources, until EOF. It never returns nil on an I/O failure; callers
// should treat a non-nil error as the event to log and move on (other
// sources keep running).
func (r *Reader) Run(ctx context.Context) error {
	if err := r.open(); err != nil {
		return r.ioErr(err)
	}
	defer r.file.Close()

	watcher, watchErr := fsnotify.NewWatcher()
	if watchErr == nil {
		defer watcher.Close()
		if err := watcher.Add(parentDir(r.cfg.Path)); err != nil {
			r.logger.Debug("source.watch.unavailable", "error", err)
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	for {
		advanced, err := r.readAvailable()
		if err != nil {
			return r.ioErr(err)
		}
		if advanced {
			continue
		}

		// No more bytes right now. Check for rotation/truncation.
		rotated, err := r.checkRotation()
		if err != nil {
			return r.ioErr(err)
		}
		if rotated {
			continue
		}

		if !r.cfg.Follow {
			r.flush()
			return nil
		}

		if err := r.waitForMore(ctx, watcher); err != nil {
			r.flush()
			return err
		}
	}
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

func (r *Reader) waitForMore(ctx context.Context, watcher *fsnotify.Watcher) error {
	if watcher == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-watcher.Events:
		return nil
	case err := <-watcher.Errors:
		r.logger.Debug("source.watch.error", "error", err)
		return nil
	case <-time.After(pollInterval):
		return nil
	}
}

func (r *Reader) open() error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.inode = inodeOf(fi)

	if r.seeded && r.seededInode == r.inode {
		if _, err := f.Seek(r.seededOffset, io.SeekStart); err != nil {
			return err
		}
		r.offset = r.seededOffset
		r.reader = bufio.NewReader(f)
		return nil
	}
	if r.seeded {
		r.logger.Warn("source.rotation_detected_at_seed", "path", r.cfg.Path)
	}

	switch r.cfg.Start {
	case config.StartEnd:
		n, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		r.offset = n
	case config.StartStoredOffset:
		n, err := f.Seek(r.cfg.StoredOffset, io.SeekStart)
		if err != nil {
			return err
		}
		r.offset = n
	default: // StartBeginning
		r.offset = 0
	}
	r.reader = bufio.NewReader(f)
	return nil
}

// readAvailable reads and processes every line currently available
// without blocking on further writes. Returns advanced=true if at
// least one byte was consumed.
func (r *Reader) readAvailable() (advanced bool, err error) {
	for {
		line, readErr := r.reader.ReadString('\n')
		if len(line) > 0 {
			advanced = true
			r.offset += int64(len(line))
			r.processLine(strings.TrimSuffix(line, "\n"))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return advanced, nil
			}
			return advanced, readErr
		}
	}
}

func (r *Reader) processLine(line string) {
	ts, ok, err := r.extractTimestamp(line)
	if err != nil {
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		r.sendErr(&noilerr.ParseError{Source: r.id, Line: line, Err: err})
		if r.pend != nil {
			r.pend.text.WriteByte('\n')
			r.pend.text.WriteString(line)
		} else {
			r.mu.Lock()
			r.dropCount++
			r.mu.Unlock()
		}
		return
	}
	if !ok {
		if r.pend != nil {
			r.pend.text.WriteByte('\n')
			r.pend.text.WriteString(line)
		} else {
			r.mu.Lock()
			r.dropCount++
			r.mu.Unlock()
		}
		return
	}

	r.flush()
	r.pend = &pending{timestamp: ts, offset: r.offset - int64(len(line)) - 1}
	r.pend.text.WriteString(line)
}

func (r *Reader) flush() {
	if r.pend == nil {
		return
	}
	rec := types.LogRecord{
		ID:            uuid.NewString(),
		Timestamp:     r.pend.timestamp,
		SourceID:      r.id,
		RawText:       r.pend.text.String(),
		FileOffset:    r.pend.offset,
		IngestionTime: time.Now().UTC(),
	}
	r.pend = nil
	r.mu.Lock()
	r.watermark = rec.Timestamp
	r.hasWatermark = true
	r.mu.Unlock()
	r.out <- rec
}

func (r *Reader) sendErr(err error) {
	select {
	case r.errs <- err:
	default:
		r.logger.Warn("source.error_channel_full", "error", err)
	}
}

func (r *Reader) ioErr(err error) error {
	wrapped := &noilerr.IoError{Source: r.id, Err: err}
	r.sendErr(wrapped)
	return wrapped
}

// checkRotation re-stats the file; if its inode changed, or its size
// is now smaller than our offset (truncation), flushes any pending
// record and reopens. Returns rotated=true if a reopen happened.
func (r *Reader) checkRotation() (bool, error) {
	fi, err := os.Stat(r.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	newInode := inodeOf(fi)
	if newInode != r.inode {
		r.logger.Info("source.rotation.inode_changed", "old_inode", r.inode, "new_inode", newInode)
		r.flush()
		r.file.Close()
		r.seeded = false
		if err := r.open(); err != nil {
			return false, err
		}
		return true, nil
	}
	if fi.Size() < r.offset {
		r.logger.Info("source.rotation.truncated", "size", fi.Size(), "offset", r.offset)
		r.flush()
		if _, err := r.file.Seek(0, io.SeekStart); err != nil {
			return false, err
		}
		r.offset = 0
		r.reader = bufio.NewReader(r.file)
		return true, nil
	}
	return false, nil
}

// extractTimestamp applies the source's compiled regex and format to
// one line. ok=false means the regex didn't match (an orphan
// continuation or a genuine parse miss, per spec §4.1). err is set
// only when the regex matched but the timestamp value itself couldn't
// be parsed under the configured format.
func (r *Reader) extractTimestamp(line string) (time.Time, bool, error) {
	m := r.cfg.TimestampRegex.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false, nil
	}
	idx := r.cfg.TimestampRegex.SubexpIndex("ts")
	if idx < 0 || idx >= len(m) || m[idx] == "" {
		return time.Time{}, false, nil
	}
	raw := m[idx]

	switch r.cfg.Format {
	case config.FormatISO8601:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			t, err = time.Parse(time.RFC3339, raw)
		}
		if err != nil {
			return time.Time{}, true, fmt.Errorf("parse iso8601 timestamp %q: %w", raw, err)
		}
		return t.UTC(), true, nil
	case config.FormatEpochSeconds:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("parse epoch_s timestamp %q: %w", raw, err)
		}
		return time.Unix(n, 0).UTC(), true, nil
	case config.FormatEpochMillis:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("parse epoch_ms timestamp %q: %w", raw, err)
		}
		return time.UnixMilli(n).UTC(), true, nil
	case config.FormatStrptime:
		t, err := time.Parse(r.cfg.StrptimeLayout, raw)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("parse strptime timestamp %q: %w", raw, err)
		}
		if !r.cfg.StrptimeHasTZ {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
		}
		return t.UTC(), true, nil
	default:
		return time.Time{}, true, fmt.Errorf("unknown timestamp format %v", r.cfg.Format)
	}
}
