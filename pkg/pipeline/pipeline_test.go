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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/noil/pkg/config"
	"github.com/kraklabs/noil/pkg/metrics"
	"github.com/kraklabs/noil/pkg/storage"
	"github.com/kraklabs/noil/pkg/types"
)

func testDoc(path string) *config.RawDocument {
	return &config.RawDocument{
		Sources: map[string]config.RawSource{
			"app": {
				Path:   path,
				Follow: false,
				Start:  "beginning",
				Timestamp: config.RawTimestamp{
					Regex:  `^(?P<ts>\S+)`,
					Format: "iso8601",
				},
			},
		},
		FiberTypes: map[string]config.RawFiberType{
			"session": {
				Temporal: config.RawTemporal{MaxGap: "5m", GapMode: "session"},
				Attributes: []config.RawAttribute{
					{Name: "session_id", Type: "string", Key: true},
				},
				Sources: map[string]config.RawSourceRules{
					"app": {Patterns: []config.RawPattern{
						{Regex: `session=(?P<session_id>\w+)`},
					}},
				},
			},
		},
	}
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestPipeline(t *testing.T, logPath string) (*Pipeline, storage.Storage) {
	t.Helper()
	cfg, err := config.Compile(testDoc(logPath))
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	ckptPath := filepath.Join(t.TempDir(), "noil.checkpoint")
	opts := Options{
		ConfigVersion:    "v1",
		CheckpointPath:   ckptPath,
		CheckpointPeriod: time.Hour, // don't let the periodic ticker fire mid-test
		SequencerBuffer:  64,
	}
	p := New(cfg, opts, store, metrics.New(), nil)
	return p, store
}

// runUntilDrained runs the pipeline against a non-follow source. Once
// every source goes inactive the sequencer drains its heap and closes
// Out(), fanOutRecords returns, and Run stops the remaining loops
// itself — it no longer depends on external cancellation to finish a
// short-lived, all-non-follow run. The timeout here is just a backstop
// against a regression reintroducing that hang, not the shutdown
// trigger.
func runUntilDrained(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}

// TestPipeline_RunReturnsWithoutExternalCancellation proves Run stops
// on its own once every source is non-follow and has finished, rather
// than blocking in g.Wait() forever absent an external ctx.Done() or
// deadline — the scenario that used to hang.
func TestPipeline_RunReturnsWithoutExternalCancellation(t *testing.T) {
	logPath := writeLog(t, "2024-01-01T00:00:00Z session=abc login")
	p, _ := newTestPipeline(t, logPath)
	require.NoError(t, p.Restore())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on its own once all sources finished")
	}
}

func TestPipeline_RestoreWithNoCheckpointIsFreshStart(t *testing.T) {
	logPath := writeLog(t, "2024-01-01T00:00:00Z session=abc login")
	p, _ := newTestPipeline(t, logPath)
	require.NoError(t, p.Restore())
}

func TestPipeline_RunIngestsRecordsAndCorrelatesFibers(t *testing.T) {
	logPath := writeLog(t,
		"2024-01-01T00:00:00Z session=abc login",
		"2024-01-01T00:00:01Z session=abc click",
	)
	p, _ := newTestPipeline(t, logPath)
	require.NoError(t, p.Restore())
	runUntilDrained(t, p)

	proc := p.processors["session"]
	fibers, _ := proc.Snapshot()
	require.Len(t, fibers, 1, "both records share session_id=abc and must land in one fiber")
	assert.Equal(t, "abc", fibers[0].Keys["session_id"].String)
}

func TestPipeline_OffsetsReportsBytesConsumed(t *testing.T) {
	logPath := writeLog(t, "2024-01-01T00:00:00Z session=abc login")
	p, _ := newTestPipeline(t, logPath)
	require.NoError(t, p.Restore())
	runUntilDrained(t, p)

	offsets := p.Offsets()
	require.Contains(t, offsets, "app")
	assert.Greater(t, offsets["app"], int64(0))
}

func TestPipeline_RunWritesFinalCheckpoint(t *testing.T) {
	logPath := writeLog(t, "2024-01-01T00:00:00Z session=abc login")
	p, _ := newTestPipeline(t, logPath)
	require.NoError(t, p.Restore())
	runUntilDrained(t, p)

	loaded, err := p.ckpt.Load("v1")
	require.NoError(t, err)
	require.NotNil(t, loaded, "Run must write a checkpoint on return even for a short-lived non-follow source")
	require.Len(t, loaded.Sources, 1)
	assert.Greater(t, loaded.Sources[0].Offset, int64(0))
	require.Len(t, loaded.FiberTypes, 1)
	require.Len(t, loaded.FiberTypes[0].OpenFibers, 1)
}

// countingStore wraps a Storage and counts InsertLog calls, so a test
// can tell "re-read from the checkpointed offset" apart from
// "re-read from the start" even though both end up at the same final
// byte offset and the same single correlated fiber.
type countingStore struct {
	storage.Storage
	inserts int
}

func (c *countingStore) InsertLog(ctx context.Context, rec types.LogRecord, configVersion string) error {
	c.inserts++
	return c.Storage.InsertLog(ctx, rec, configVersion)
}

func TestPipeline_RestoreSeedsReaderPastIngestedBytes(t *testing.T) {
	logPath := writeLog(t,
		"2024-01-01T00:00:00Z session=abc login",
		"2024-01-01T00:00:01Z session=abc click",
	)
	p1, store := newTestPipeline(t, logPath)
	require.NoError(t, p1.Restore())
	runUntilDrained(t, p1)

	counting := &countingStore{Storage: store}

	// A second pipeline instance, same config version and checkpoint
	// path, same store: restoring from the first run's checkpoint must
	// seed the reader past the already-ingested bytes and recreate the
	// open fiber rather than re-reading (and re-inserting) everything
	// from the start.
	cfg, err := config.Compile(testDoc(logPath))
	require.NoError(t, err)
	p2 := New(cfg, p1.opts, counting, metrics.New(), nil)
	require.NoError(t, p2.Restore())

	proc := p2.processors["session"]
	fibers, _ := proc.Snapshot()
	require.Len(t, fibers, 1, "the checkpointed fiber must be restored before any record is re-processed")
	assert.Equal(t, "abc", fibers[0].Keys["session_id"].String)

	runUntilDrained(t, p2)
	assert.Zero(t, counting.inserts, "a correctly seeded reader finds nothing past the checkpointed offset to insert")
}

func TestPipeline_RestoreSeedsSourceDropAndParseErrorCounters(t *testing.T) {
	// The first line carries no valid timestamp: the `^(?P<ts>\S+)`
	// regex captures "not", which fails iso8601 parsing, and with no
	// pending record yet to append it to, the line is dropped (counted
	// as both a parse error and a drop).
	logPath := writeLog(t,
		"not a timestamped line at all",
		"2024-01-01T00:00:00Z session=abc login",
	)
	p1, store := newTestPipeline(t, logPath)
	require.NoError(t, p1.Restore())
	runUntilDrained(t, p1)

	loaded, err := p1.ckpt.Load("v1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Sources, 1)
	assert.EqualValues(t, 1, loaded.Sources[0].DropCount, "the unparseable first line must be counted as a drop")

	cfg, err := config.Compile(testDoc(logPath))
	require.NoError(t, err)
	p2 := New(cfg, p1.opts, store, metrics.New(), nil)
	require.NoError(t, p2.Restore())

	dropCount, _ := p2.readers["app"].Stats()
	assert.EqualValues(t, 1, dropCount, "a restored reader must carry its lifetime drop count forward, not reset to zero")
}

func TestPipeline_RestoreMismatchedConfigVersionStartsFresh(t *testing.T) {
	logPath := writeLog(t, "2024-01-01T00:00:00Z session=abc login")
	p1, store := newTestPipeline(t, logPath)
	require.NoError(t, p1.Restore())
	runUntilDrained(t, p1)

	cfg, err := config.Compile(testDoc(logPath))
	require.NoError(t, err)
	opts := p1.opts
	opts.ConfigVersion = "v2"
	p2 := New(cfg, opts, store, metrics.New(), nil)
	require.NoError(t, p2.Restore())

	proc := p2.processors["session"]
	fibers, _ := proc.Snapshot()
	assert.Empty(t, fibers, "a checkpoint from a different config version must not seed this pipeline")
}
