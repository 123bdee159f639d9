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

package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/noil/pkg/types"
)

func rec(source string, ts time.Time, id string) types.LogRecord {
	return types.LogRecord{ID: id, SourceID: source, Timestamp: ts}
}

func collectAll(t *testing.T, out <-chan types.LogRecord) []types.LogRecord {
	t.Helper()
	var got []types.LogRecord
	for r := range out {
		got = append(got, r)
	}
	return got
}

func TestSequencer_MergesTwoSourcesInOrder(t *testing.T) {
	base := time.Now().UTC()
	in := make(chan types.LogRecord, 16)
	s := New([]string{"a", "b"}, 0, in, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	in <- rec("a", base, "a1")
	in <- rec("b", base.Add(1*time.Second), "b1")
	in <- rec("a", base.Add(2*time.Second), "a2")
	in <- rec("b", base.Add(3*time.Second), "b2")
	close(in)

	got := collectAll(t, s.Out())
	require.NoError(t, <-done)
	cancel()

	require.Len(t, got, 4)
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, ids)
}

func TestSequencer_HoldsBackUntilSlowestSourceAdvances(t *testing.T) {
	base := time.Now().UTC()
	in := make(chan types.LogRecord, 16)
	s := New([]string{"a", "b"}, 0, in, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// "a" races ahead; nothing should emit past b's watermark (which
	// doesn't exist yet) until b produces a record.
	in <- rec("a", base, "a1")
	in <- rec("a", base.Add(5*time.Second), "a2")

	select {
	case r := <-s.Out():
		t.Fatalf("unexpected emission before b has a watermark: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	in <- rec("b", base.Add(1*time.Second), "b1")
	close(in)

	got := collectAll(t, s.Out())
	require.NoError(t, <-done)
	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "b1", got[1].ID)
	assert.Equal(t, "a2", got[2].ID)
}

func TestSequencer_SafetyMarginDelaysEmission(t *testing.T) {
	base := time.Now().UTC()
	in := make(chan types.LogRecord, 16)
	s := New([]string{"a", "b"}, 2*time.Second, in, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	in <- rec("a", base, "a1")
	in <- rec("b", base.Add(1*time.Second), "b1")

	// Both watermarks known, but within the 2s safety margin of each
	// other: nothing past the margin should emit yet.
	select {
	case r := <-s.Out():
		t.Fatalf("unexpected emission within safety margin: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	in <- rec("b", base.Add(5*time.Second), "b2")
	close(in)

	got := collectAll(t, s.Out())
	require.NoError(t, <-done)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a1", "b1", "b2"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestSequencer_MarkInactiveUnblocksEmission(t *testing.T) {
	base := time.Now().UTC()
	in := make(chan types.LogRecord, 16)
	s := New([]string{"a", "b"}, 0, in, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	in <- rec("a", base, "a1")
	in <- rec("a", base.Add(1*time.Second), "a2")

	// b never produces anything and is marked inactive (EOF, no follow):
	// "a" should be free to emit on its own.
	s.MarkInactive("b")

	got := make([]types.LogRecord, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case r := <-s.Out():
			got = append(got, r)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for emission after source went inactive")
		}
	}
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)

	close(in)
	require.NoError(t, <-done)
}

func TestSequencer_AllSourcesInactiveDrainsAndClosesWithoutExternalSignal(t *testing.T) {
	base := time.Now().UTC()
	in := make(chan types.LogRecord, 16)
	s := New([]string{"a", "b"}, 0, in, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	in <- rec("a", base, "a1")
	in <- rec("b", base.Add(5*time.Second), "b1")

	// Both sources go inactive without in ever being closed and without
	// ctx ever being cancelled — Run must notice on its own and drain,
	// rather than block in its select loop forever.
	s.MarkInactive("a")
	s.MarkInactive("b")

	got := collectAll(t, s.Out())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop once every source went inactive")
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "b1", got[1].ID)
}

func TestSequencer_DrainsRemainingOnClose(t *testing.T) {
	base := time.Now().UTC()
	in := make(chan types.LogRecord, 16)
	s := New([]string{"a"}, 0, in, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	in <- rec("a", base, "a1")
	in <- rec("a", base.Add(time.Second), "a2")
	close(in)

	got := collectAll(t, s.Out())
	require.NoError(t, <-done)
	require.Len(t, got, 2)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "a2", got[1].ID)
}
