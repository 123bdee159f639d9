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

// Package gormstore is a reference storage.Storage implementation
// backed by GORM, grounded on Egham-7-adaptive-proxy's
// internal/services/database driver-selection pattern (gorm.io/gorm +
// a swappable gorm.io/driver/*). It defaults to SQLite for a
// zero-dependency local deployment; a production deployment can swap
// in gorm.io/driver/postgres or gorm.io/driver/clickhouse the same way
// Egham's database service does, without touching the rest of Noil.
package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kraklabs/noil/pkg/storage"
	"github.com/kraklabs/noil/pkg/types"
)

// logRow, fiberRow, membershipRow, and configVersionRow are the GORM
// table models. Attributes/keys are stored as JSON text rather than a
// side table: Noil never queries into a fiber's attributes from SQL,
// only by fiber_id, so a normalized attribute table would buy nothing
// but join overhead.
type logRow struct {
	ID            string `gorm:"primaryKey"`
	Timestamp     time.Time
	SourceID      string
	RawText       string
	FileOffset    int64
	IngestionTime time.Time
	ConfigVersion string
}

type fiberRow struct {
	ID            string `gorm:"primaryKey"`
	FiberType     string `gorm:"index"`
	AttributesRaw []byte
	KeysRaw       []byte
	FirstActivity time.Time
	LastActivity  time.Time
	Closed        bool
	ConfigVersion string
}

type membershipRow struct {
	LogID         string `gorm:"primaryKey"`
	FiberID       string `gorm:"primaryKey"`
	FiberType     string
	ConfigVersion string
}

type configVersionRow struct {
	VersionHash string `gorm:"primaryKey"`
	ParentHash  string
	YAMLContent string
	CreatedAt   time.Time
	Source      string
	IsActive    bool
}

type configStateRow struct {
	ID           int `gorm:"primaryKey"`
	FileHashSeen string
	DBHashSeen   string
	HasConflict  bool
}

// Store is a gorm-backed storage.Storage.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) a SQLite-backed store at path and
// migrates its schema. Pass ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := db.AutoMigrate(&logRow{}, &fiberRow{}, &membershipRow{}, &configVersionRow{}, &configStateRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

var _ storage.Storage = (*Store)(nil)

func (s *Store) InsertLog(ctx context.Context, rec types.LogRecord, configVersion string) error {
	row := logRow{
		ID:            rec.ID,
		Timestamp:     rec.Timestamp,
		SourceID:      rec.SourceID,
		RawText:       rec.RawText,
		FileOffset:    rec.FileOffset,
		IngestionTime: rec.IngestionTime,
		ConfigVersion: configVersion,
	}
	// Idempotent by log_id: a duplicate insert (reprocessing after
	// crash recovery, spec §4.4) is a no-op.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (s *Store) InsertFiber(ctx context.Context, f types.Fiber) error {
	row, err := toFiberRow(f)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) UpdateFiber(ctx context.Context, f types.Fiber) error {
	return s.InsertFiber(ctx, f)
}

func (s *Store) DeleteFiber(ctx context.Context, fiberID string) error {
	return s.db.WithContext(ctx).Delete(&fiberRow{}, "id = ?", fiberID).Error
}

func (s *Store) InsertMembership(ctx context.Context, m types.FiberMembership) error {
	row := membershipRow{LogID: m.LogID, FiberID: m.FiberID, FiberType: m.FiberType, ConfigVersion: m.ConfigVersion}
	// Idempotent by (log_id, fiber_id) per spec §4.4/§6.
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "log_id"}, {Name: "fiber_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (s *Store) ReassignMemberships(ctx context.Context, fromFiberID, toFiberID string) error {
	return s.db.WithContext(ctx).Model(&membershipRow{}).
		Where("fiber_id = ?", fromFiberID).
		Update("fiber_id", toFiberID).Error
}

func (s *Store) InsertConfigVersion(ctx context.Context, v types.ConfigVersion) error {
	row := configVersionRow{
		VersionHash: v.VersionHash,
		ParentHash:  v.ParentHash,
		YAMLContent: v.YAMLContent,
		CreatedAt:   v.CreatedAt,
		Source:      string(v.Source),
		IsActive:    v.IsActive,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if row.IsActive {
			if err := tx.Model(&configVersionRow{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "version_hash"}},
			DoNothing: true,
		}).Create(&row).Error
	})
}

func (s *Store) GetActiveConfigVersion(ctx context.Context) (*types.ConfigVersion, error) {
	var row configVersionRow
	err := s.db.WithContext(ctx).Where("is_active = ?", true).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromConfigVersionRow(row), nil
}

func (s *Store) GetConfigVersion(ctx context.Context, hash string) (*types.ConfigVersion, error) {
	var row configVersionRow
	err := s.db.WithContext(ctx).Where("version_hash = ?", hash).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromConfigVersionRow(row), nil
}

func (s *Store) MarkConfigActive(ctx context.Context, hash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&configVersionRow{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
			return err
		}
		res := tx.Model(&configVersionRow{}).Where("version_hash = ?", hash).Update("is_active", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("unknown config version %s", hash)
		}
		return nil
	})
}

func (s *Store) GetConfigState(ctx context.Context) (storage.ConfigState, error) {
	var row configStateRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if err == gorm.ErrRecordNotFound {
		return storage.ConfigState{}, nil
	}
	if err != nil {
		return storage.ConfigState{}, err
	}
	return storage.ConfigState{FileHashSeen: row.FileHashSeen, DBHashSeen: row.DBHashSeen, HasConflict: row.HasConflict}, nil
}

func (s *Store) PutConfigState(ctx context.Context, state storage.ConfigState) error {
	row := configStateRow{ID: 1, FileHashSeen: state.FileHashSeen, DBHashSeen: state.DBHashSeen, HasConflict: state.HasConflict}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
