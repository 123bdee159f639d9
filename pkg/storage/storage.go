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

// Package storage defines the narrow interface the core pipeline uses
// to persist logs, fibers, memberships, and configuration versions
// (spec §6). Storage itself — the actual database, its schema
// migrations, its query API for the external HTTP layer — is an
// out-of-scope external collaborator (spec §1); this package only
// defines the contract plus a couple of concrete, swappable
// implementations that satisfy it.
package storage

import (
	"context"

	"github.com/kraklabs/noil/pkg/types"
)

// Storage is the single sink the pipeline writes to. Implementations
// must make InsertLog idempotent by log_id and InsertMembership
// idempotent by (log_id, fiber_id), since the pipeline's recovery
// semantics are at-least-once (spec §4.4).
type Storage interface {
	InsertLog(ctx context.Context, rec types.LogRecord, configVersion string) error

	InsertFiber(ctx context.Context, f types.Fiber) error
	UpdateFiber(ctx context.Context, f types.Fiber) error
	DeleteFiber(ctx context.Context, fiberID string) error

	InsertMembership(ctx context.Context, m types.FiberMembership) error
	ReassignMemberships(ctx context.Context, fromFiberID, toFiberID string) error

	InsertConfigVersion(ctx context.Context, v types.ConfigVersion) error
	GetActiveConfigVersion(ctx context.Context) (*types.ConfigVersion, error)
	GetConfigVersion(ctx context.Context, hash string) (*types.ConfigVersion, error)
	MarkConfigActive(ctx context.Context, hash string) error

	GetConfigState(ctx context.Context) (ConfigState, error)
	PutConfigState(ctx context.Context, state ConfigState) error

	Close() error
}

// ConfigState tracks the last-synchronized hashes used by the 3-way
// reconciliation algorithm (spec §4.5), plus whether an unresolved
// conflict is currently blocking startup.
type ConfigState struct {
	FileHashSeen string
	DBHashSeen   string
	HasConflict  bool
}
