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

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/noil/pkg/types"
)

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noil.checkpoint")
	m := NewManager(path, nil)

	ts := time.Now().UTC().Truncate(time.Second)
	snap := Snapshot{
		Timestamp:     ts,
		ConfigVersion: "v1",
		Sources: []SourceState{
			{SourceID: "app", Path: "/var/log/app.log", Offset: 1024, Inode: 42, DropCount: 3, ParseErrorCount: 1},
		},
		FiberTypes: []FiberTypeState{
			{
				FiberType:    "session",
				LogicalClock: ts,
				OpenFibers: []OpenFiber{
					{
						FiberID:       "f1",
						Keys:          map[string]AttrValue{"session_id": {Type: types.AttrString, String: "s1"}},
						Attributes:    map[string]AttrValue{"user": {Type: types.AttrString, String: "alice"}},
						FirstActivity: ts,
						LastActivity:  ts,
						CreatedSeq:    1,
					},
				},
			},
		},
	}

	require.NoError(t, m.Save(snap))

	loaded, err := m.Load("v1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, SchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, "v1", loaded.ConfigVersion)
	require.Len(t, loaded.Sources, 1)
	assert.EqualValues(t, 1024, loaded.Sources[0].Offset)
	assert.EqualValues(t, 3, loaded.Sources[0].DropCount, "per-source drop count must survive a save/load round trip")
	assert.EqualValues(t, 1, loaded.Sources[0].ParseErrorCount)
	require.Len(t, loaded.FiberTypes, 1)
	require.Len(t, loaded.FiberTypes[0].OpenFibers, 1)
	assert.Equal(t, "s1", loaded.FiberTypes[0].OpenFibers[0].Keys["session_id"].String)
}

func TestManager_LoadMissingFileReturnsNilNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.checkpoint")
	m := NewManager(path, nil)

	loaded, err := m.Load("v1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestManager_LoadConfigVersionMismatchDiscardsSilently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noil.checkpoint")
	m := NewManager(path, nil)
	require.NoError(t, m.Save(Snapshot{ConfigVersion: "v1"}))

	loaded, err := m.Load("v2")
	require.NoError(t, err)
	assert.Nil(t, loaded, "a checkpoint from a different config version must be discarded, not errored")
}

func TestManager_LoadSchemaMismatchDiscardsSilently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noil.checkpoint")
	m := NewManager(path, nil)
	require.NoError(t, m.Save(Snapshot{ConfigVersion: "v1"}))

	// Simulate a future incompatible schema bump.
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":999,"config_version":"v1"}`), 0o600))

	loaded, err := m.Load("v1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestManager_LoadCorruptJSONDiscardsSilently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noil.checkpoint")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o600))
	m := NewManager(path, nil)

	loaded, err := m.Load("v1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestFiberConversionRoundTrip(t *testing.T) {
	f := types.Fiber{
		ID:        "f1",
		FiberType: "session",
		Attributes: map[string]types.AttrValue{
			"user": {Type: types.AttrString, String: "alice"},
			"port": {Type: types.AttrInt, Int: 443},
		},
		Keys: map[string]types.AttrValue{
			"session_id": {Type: types.AttrString, String: "s1"},
		},
		FirstActivity: time.Now().UTC(),
		LastActivity:  time.Now().UTC(),
		CreatedSeq:    7,
		ConfigVersion: "v1",
	}

	snap := FromFiber(f)
	back := snap.ToFiber("session", "v1")

	assert.Equal(t, f.ID, back.ID)
	assert.Equal(t, f.Attributes["user"], back.Attributes["user"])
	assert.Equal(t, f.Attributes["port"], back.Attributes["port"])
	assert.Equal(t, f.Keys["session_id"], back.Keys["session_id"])
	assert.Equal(t, f.CreatedSeq, back.CreatedSeq)
}
