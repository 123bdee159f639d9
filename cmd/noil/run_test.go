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
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/noil/pkg/config"
)

func TestActiveConfigHash_MatchesComputeHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "sources:\n  app:\n    path: /var/log/app.log\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	hash, err := activeConfigHash(path)
	require.NoError(t, err)
	assert.Equal(t, config.ComputeHash(content), hash)
}

func TestActiveConfigHash_MissingFileErrors(t *testing.T) {
	_, err := activeConfigHash(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestReconcileUserError_CarriesSuggestionAndPath(t *testing.T) {
	ue := reconcileUserError("config.yaml", assert.AnError)
	require.Error(t, ue)
	assert.Contains(t, ue.Suggestion, "config.yaml")
	assert.ErrorIs(t, ue, assert.AnError)
}

func TestNewLogger_VerbosityRaisesLevel(t *testing.T) {
	quiet := newLogger(GlobalFlags{Quiet: true})
	assert.False(t, quiet.Enabled(nil, slog.LevelWarn), "quiet mode must suppress warnings")

	verbose := newLogger(GlobalFlags{Verbose: 2})
	assert.True(t, verbose.Enabled(nil, slog.LevelDebug), "-vv must enable debug logging")

	defaultLogger := newLogger(GlobalFlags{})
	assert.True(t, defaultLogger.Enabled(nil, slog.LevelWarn))
	assert.False(t, defaultLogger.Enabled(nil, slog.LevelInfo), "default verbosity must not show info logs")
}
