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

// Package checkpoint implements CheckpointManager: the periodic,
// atomic snapshot of pipeline state that lets a restart resume without
// reprocessing the whole corpus. Its on-disk write path (temp file +
// rename) is grounded on the teacher's ManifestManager.SaveManifest
// (pkg/ingestion/manifest.go in kraklabs/cie), with an added fsync
// before rename since a checkpoint, unlike a manifest, must survive a
// crash that happens between write and the next checkpoint interval.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/noil/pkg/types"
)

// SchemaVersion is bumped whenever the checkpoint file's shape changes
// in an incompatible way. A checkpoint written under a different
// version is discarded rather than interpreted.
const SchemaVersion = 1

// AttrValue is the JSON wire form of types.AttrValue.
type AttrValue struct {
	Type   types.AttrType `json:"type"`
	String string         `json:"string,omitempty"`
	Int    int64          `json:"int,omitempty"`
	IP     string         `json:"ip,omitempty"`
	MAC    string         `json:"mac,omitempty"`
}

func fromTypesAttr(v types.AttrValue) AttrValue {
	return AttrValue{Type: v.Type, String: v.String, Int: v.Int, IP: v.IP, MAC: v.MAC}
}

func (a AttrValue) toTypes() types.AttrValue {
	return types.AttrValue{Type: a.Type, String: a.String, Int: a.Int, IP: a.IP, MAC: a.MAC}
}

// SourceState is the persisted position of one SourceReader.
type SourceState struct {
	SourceID      string     `json:"source_id"`
	Path          string     `json:"path"`
	Offset        int64      `json:"offset"`
	Inode         uint64     `json:"inode"`
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
	// DropCount and ParseErrorCount are a SPEC_FULL.md supplement
	// (§ ambient observability): per-source lifetime counters, carried
	// across restarts so `noil checkpoint inspect` reports a running
	// total rather than one reset on every recovery.
	DropCount       uint64 `json:"drop_count"`
	ParseErrorCount uint64 `json:"parse_error_count"`
}

// OpenFiber is one row of a FiberProcessor's open-fiber table at
// snapshot time.
type OpenFiber struct {
	FiberID       string               `json:"fiber_id"`
	Keys          map[string]AttrValue `json:"keys"`
	Attributes    map[string]AttrValue `json:"attributes"`
	FirstActivity time.Time            `json:"first_activity"`
	LastActivity  time.Time            `json:"last_activity"`
	CreatedAt     time.Time            `json:"created_at"`
	CreatedSeq    uint64               `json:"created_seq"`
}

// FiberTypeState is one fiber type's logical clock plus its open
// fibers.
type FiberTypeState struct {
	FiberType    string      `json:"fiber_type"`
	LogicalClock time.Time   `json:"logical_clock"`
	OpenFibers   []OpenFiber `json:"open_fibers"`
}

// Snapshot is the full contents of a checkpoint file (spec §4.4).
type Snapshot struct {
	SchemaVersion int                       `json:"schema_version"`
	Timestamp     time.Time                 `json:"timestamp"`
	ConfigVersion string                    `json:"config_version"`
	Sources       []SourceState             `json:"sources"`
	Watermarks    map[string]time.Time      `json:"watermarks"`
	FiberTypes    []FiberTypeState          `json:"fiber_types"`
}

// ToFiber converts a snapshot OpenFiber back into a types.Fiber ready
// to seed a FiberProcessor's open-fiber table.
func (f OpenFiber) ToFiber(fiberType, configVersion string) types.Fiber {
	keys := make(map[string]types.AttrValue, len(f.Keys))
	for k, v := range f.Keys {
		keys[k] = v.toTypes()
	}
	attrs := make(map[string]types.AttrValue, len(f.Attributes))
	for k, v := range f.Attributes {
		attrs[k] = v.toTypes()
	}
	return types.Fiber{
		ID:            f.FiberID,
		FiberType:     fiberType,
		Attributes:    attrs,
		Keys:          keys,
		FirstActivity: f.FirstActivity,
		LastActivity:  f.LastActivity,
		Closed:        false,
		ConfigVersion: configVersion,
		CreatedAt:     f.CreatedAt,
		CreatedSeq:    f.CreatedSeq,
	}
}

// FromFiber converts a live types.Fiber into its snapshot form.
func FromFiber(f types.Fiber) OpenFiber {
	keys := make(map[string]AttrValue, len(f.Keys))
	for k, v := range f.Keys {
		keys[k] = fromTypesAttr(v)
	}
	attrs := make(map[string]AttrValue, len(f.Attributes))
	for k, v := range f.Attributes {
		attrs[k] = fromTypesAttr(v)
	}
	return OpenFiber{
		FiberID:       f.ID,
		Keys:          keys,
		Attributes:    attrs,
		FirstActivity: f.FirstActivity,
		LastActivity:  f.LastActivity,
		CreatedAt:     f.CreatedAt,
		CreatedSeq:    f.CreatedSeq,
	}
}

// Manager writes and loads Snapshots at a fixed path, atomically.
type Manager struct {
	path   string
	logger *slog.Logger
}

// NewManager constructs a Manager. logger may be nil, in which case
// slog.Default() is used.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{path: path, logger: logger}
}

// Save writes snap to the manager's path via temp file + fsync +
// rename, so a crash mid-write never leaves a corrupt checkpoint in
// the canonical location.
func (m *Manager) Save(snap Snapshot) error {
	snap.SchemaVersion = SchemaVersion
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open checkpoint temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write checkpoint temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync checkpoint temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close checkpoint temp: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint.save.ok", "path", m.path, "sources", len(snap.Sources), "fiber_types", len(snap.FiberTypes))
	return nil
}

// Load reads the checkpoint at the manager's path. activeConfigVersion
// is the currently active config version hash; if the checkpoint's
// config_version differs, or the schema_version is unrecognized, Load
// discards it (returns nil, nil) and logs a warning rather than
// erroring, per spec §4.4.
func (m *Manager) Load(activeConfigVersion string) (*Snapshot, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("checkpoint.load.corrupt", "path", m.path, "error", err)
		return nil, nil
	}
	if snap.SchemaVersion != SchemaVersion {
		m.logger.Warn("checkpoint.load.schema_mismatch", "found", snap.SchemaVersion, "want", SchemaVersion)
		return nil, nil
	}
	if snap.ConfigVersion != activeConfigVersion {
		m.logger.Warn("checkpoint.load.config_version_mismatch", "checkpoint_version", snap.ConfigVersion, "active_version", activeConfigVersion)
		return nil, nil
	}
	m.logger.Info("checkpoint.load.ok", "path", m.path, "timestamp", snap.Timestamp)
	return &snap, nil
}
