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

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/kraklabs/noil/pkg/types"
)

// MemoryStorage is an in-process reference Storage implementation used
// by the config and pipeline tests. Its RWMutex/closed-guard shape follows the
// teacher's EmbeddedBackend (pkg/storage/embedded.go in kraklabs/cie).
type MemoryStorage struct {
	mu     sync.RWMutex
	closed bool

	logs         map[string]types.LogRecord
	fibers       map[string]types.Fiber
	memberships  map[string]types.FiberMembership // keyed by log_id+"|"+fiber_id
	configs      map[string]types.ConfigVersion
	activeHash   string
	configState  ConfigState
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs:        make(map[string]types.LogRecord),
		fibers:      make(map[string]types.Fiber),
		memberships: make(map[string]types.FiberMembership),
		configs:     make(map[string]types.ConfigVersion),
	}
}

func membershipKey(logID, fiberID string) string { return logID + "|" + fiberID }

func (s *MemoryStorage) guard() error {
	if s.closed {
		return fmt.Errorf("storage is closed")
	}
	return nil
}

func (s *MemoryStorage) InsertLog(ctx context.Context, rec types.LogRecord, configVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, exists := s.logs[rec.ID]; exists {
		return nil // idempotent by log_id
	}
	s.logs[rec.ID] = rec
	return nil
}

func (s *MemoryStorage) InsertFiber(ctx context.Context, f types.Fiber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.fibers[f.ID] = f
	return nil
}

func (s *MemoryStorage) UpdateFiber(ctx context.Context, f types.Fiber) error {
	return s.InsertFiber(ctx, f)
}

func (s *MemoryStorage) DeleteFiber(ctx context.Context, fiberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	delete(s.fibers, fiberID)
	return nil
}

func (s *MemoryStorage) InsertMembership(ctx context.Context, m types.FiberMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	key := membershipKey(m.LogID, m.FiberID)
	if _, exists := s.memberships[key]; exists {
		return nil // idempotent by (log_id, fiber_id)
	}
	s.memberships[key] = m
	return nil
}

func (s *MemoryStorage) ReassignMemberships(ctx context.Context, fromFiberID, toFiberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	for key, m := range s.memberships {
		if m.FiberID != fromFiberID {
			continue
		}
		delete(s.memberships, key)
		m.FiberID = toFiberID
		s.memberships[membershipKey(m.LogID, toFiberID)] = m
	}
	return nil
}

func (s *MemoryStorage) InsertConfigVersion(ctx context.Context, v types.ConfigVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.configs[v.VersionHash] = v
	if v.IsActive {
		s.activeHash = v.VersionHash
	}
	return nil
}

func (s *MemoryStorage) GetActiveConfigVersion(ctx context.Context) (*types.ConfigVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.activeHash == "" {
		return nil, nil
	}
	v := s.configs[s.activeHash]
	return &v, nil
}

func (s *MemoryStorage) GetConfigVersion(ctx context.Context, hash string) (*types.ConfigVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return nil, err
	}
	v, ok := s.configs[hash]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *MemoryStorage) MarkConfigActive(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	if _, ok := s.configs[hash]; !ok {
		return fmt.Errorf("unknown config version %s", hash)
	}
	for h, v := range s.configs {
		v.IsActive = h == hash
		s.configs[h] = v
	}
	s.activeHash = hash
	return nil
}

func (s *MemoryStorage) GetConfigState(ctx context.Context) (ConfigState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard(); err != nil {
		return ConfigState{}, err
	}
	return s.configState, nil
}

func (s *MemoryStorage) PutConfigState(ctx context.Context, state ConfigState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	s.configState = state
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
