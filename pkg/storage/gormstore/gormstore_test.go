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

package gormstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/noil/pkg/storage"
	"github.com/kraklabs/noil/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertLogIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := types.LogRecord{ID: "log-1", SourceID: "app", RawText: "hello", Timestamp: time.Now().UTC()}

	require.NoError(t, s.InsertLog(ctx, rec, "v1"))
	require.NoError(t, s.InsertLog(ctx, rec, "v1"), "re-inserting the same log id must be a no-op, not an error")
}

func TestStore_FiberRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

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
		FirstActivity: now,
		LastActivity:  now,
		ConfigVersion: "v1",
		CreatedSeq:    3,
	}
	require.NoError(t, s.InsertFiber(ctx, f))

	row, err := fromFiberRow(mustFiberRow(t, s, "f1"))
	require.NoError(t, err)
	assert.Equal(t, f.Attributes["user"], row.Attributes["user"])
	assert.Equal(t, f.Attributes["port"], row.Attributes["port"])
	assert.Equal(t, f.Keys["session_id"], row.Keys["session_id"])
	assert.Equal(t, f.CreatedSeq, row.CreatedSeq)
}

func mustFiberRow(t *testing.T, s *Store, id string) fiberRow {
	t.Helper()
	var row fiberRow
	require.NoError(t, s.db.First(&row, "id = ?", id).Error)
	return row
}

func TestStore_UpdateFiberOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	f := types.Fiber{ID: "f1", FiberType: "session", Attributes: map[string]types.AttrValue{"user": {Type: types.AttrString, String: "alice"}}}
	require.NoError(t, s.InsertFiber(ctx, f))

	f.Closed = true
	f.Attributes["user"] = types.AttrValue{Type: types.AttrString, String: "bob"}
	require.NoError(t, s.UpdateFiber(ctx, f))

	row := mustFiberRow(t, s, "f1")
	assert.True(t, row.Closed)
	back, err := fromFiberRow(row)
	require.NoError(t, err)
	assert.Equal(t, "bob", back.Attributes["user"].String)
}

func TestStore_DeleteFiber(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertFiber(ctx, types.Fiber{ID: "f1", FiberType: "session"}))
	require.NoError(t, s.DeleteFiber(ctx, "f1"))

	var count int64
	require.NoError(t, s.db.Model(&fiberRow{}).Where("id = ?", "f1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestStore_InsertMembershipIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := types.FiberMembership{LogID: "log1", FiberID: "f1", FiberType: "session", ConfigVersion: "v1"}
	require.NoError(t, s.InsertMembership(ctx, m))
	require.NoError(t, s.InsertMembership(ctx, m))

	var count int64
	require.NoError(t, s.db.Model(&membershipRow{}).Where("log_id = ? AND fiber_id = ?", "log1", "f1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestStore_ReassignMemberships(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertMembership(ctx, types.FiberMembership{LogID: "log1", FiberID: "old", FiberType: "session"}))
	require.NoError(t, s.InsertMembership(ctx, types.FiberMembership{LogID: "log2", FiberID: "old", FiberType: "session"}))

	require.NoError(t, s.ReassignMemberships(ctx, "old", "new"))

	var count int64
	require.NoError(t, s.db.Model(&membershipRow{}).Where("fiber_id = ?", "new").Count(&count).Error)
	assert.EqualValues(t, 2, count)
	require.NoError(t, s.db.Model(&membershipRow{}).Where("fiber_id = ?", "old").Count(&count).Error)
	assert.Zero(t, count)
}

func TestStore_ConfigVersionActiveTracking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1 := types.ConfigVersion{VersionHash: "h1", YAMLContent: "a: 1", CreatedAt: time.Now().UTC(), Source: types.ConfigSourceFile, IsActive: true}
	require.NoError(t, s.InsertConfigVersion(ctx, v1))

	active, err := s.GetActiveConfigVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "h1", active.VersionHash)

	v2 := types.ConfigVersion{VersionHash: "h2", ParentHash: "h1", YAMLContent: "a: 2", CreatedAt: time.Now().UTC(), Source: types.ConfigSourceFile, IsActive: true}
	require.NoError(t, s.InsertConfigVersion(ctx, v2))

	active, err = s.GetActiveConfigVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "h2", active.VersionHash, "inserting a new active version must deactivate the previous one")

	v1Row, err := s.GetConfigVersion(ctx, "h1")
	require.NoError(t, err)
	require.NotNil(t, v1Row)
	assert.False(t, v1Row.IsActive)
}

func TestStore_MarkConfigActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertConfigVersion(ctx, types.ConfigVersion{VersionHash: "h1", IsActive: true}))
	require.NoError(t, s.InsertConfigVersion(ctx, types.ConfigVersion{VersionHash: "h2", IsActive: false}))

	require.NoError(t, s.MarkConfigActive(ctx, "h2"))

	active, err := s.GetActiveConfigVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "h2", active.VersionHash)
}

func TestStore_MarkConfigActiveUnknownHashErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.MarkConfigActive(ctx, "ghost")
	assert.Error(t, err)
}

func TestStore_ConfigStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	state, err := s.GetConfigState(ctx)
	require.NoError(t, err)
	assert.Zero(t, state)

	want := storage.ConfigState{FileHashSeen: "f1", DBHashSeen: "d1", HasConflict: true}
	require.NoError(t, s.PutConfigState(ctx, want))

	got, err := s.GetConfigState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.HasConflict = false
	require.NoError(t, s.PutConfigState(ctx, want))
	got, err = s.GetConfigState(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got, "PutConfigState must overwrite the single row, not accumulate")
}
