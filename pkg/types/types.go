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

// Package types holds the data model shared by every Noil component:
// LogRecord, Fiber, FiberMembership, and ConfigVersion (spec §3).
package types

import "time"

// LogRecord is the unit flowing through the pipeline from a SourceReader
// to the Sequencer to a FiberProcessor.
type LogRecord struct {
	// ID is assigned at emission time by the owning SourceReader.
	ID string

	// Timestamp is always normalized to UTC.
	Timestamp time.Time

	// SourceID identifies which configured source produced this record.
	SourceID string

	// RawText is the record's full text, including any continuation
	// lines coalesced onto it. Never includes the timestamp of a
	// continuation line.
	RawText string

	// FileOffset is the byte position where the record's first line
	// began.
	FileOffset int64

	// IngestionTime is when the SourceReader emitted this record.
	IngestionTime time.Time
}

// AttrValue is a canonicalized typed attribute value. Exactly one field
// is set, matching AttrType.
type AttrValue struct {
	Type   AttrType
	String string
	Int    int64
	IP     string // normalized per address family
	MAC    string // lowercased, colon-separated
}

// AttrType enumerates the attribute types a fiber-type config can
// declare (spec §4.3).
type AttrType int

const (
	AttrString AttrType = iota
	AttrInt
	AttrIP
	AttrMAC
)

func (t AttrType) String() string {
	switch t {
	case AttrString:
		return "string"
	case AttrInt:
		return "int"
	case AttrIP:
		return "ip"
	case AttrMAC:
		return "mac"
	default:
		return "unknown"
	}
}

// Key identifies one (name, value) pair participating in the key
// uniqueness invariant (spec §3).
type Key struct {
	Name  string
	Value AttrValue
}

// Fiber is an equivalence class of log records (spec §3).
type Fiber struct {
	ID            string
	FiberType     string
	Attributes    map[string]AttrValue
	Keys          map[string]AttrValue // key name -> value; empty once closed
	FirstActivity time.Time
	LastActivity  time.Time
	Closed        bool
	ConfigVersion string

	// CreatedAt is the processor's logical clock value when this fiber
	// was allocated. Used to pick the survivor on merge (oldest wins).
	CreatedAt time.Time
	// CreatedSeq breaks ties when two fibers are created with the same
	// logical-clock timestamp (possible when records share a
	// timestamp); lower sequence is older.
	CreatedSeq uint64
}

// FiberMembership links one log record to one fiber of one fiber type
// at the config version active when the link was recorded (spec §3).
type FiberMembership struct {
	LogID         string
	FiberID       string
	FiberType     string
	ConfigVersion string
}

// ConfigSource enumerates where a ConfigVersion originated.
type ConfigSource string

const (
	ConfigSourceFile  ConfigSource = "file"
	ConfigSourceUI    ConfigSource = "ui"
	ConfigSourceMerge ConfigSource = "merge"
)

// ConfigVersion is one node in the configuration lineage DAG (spec §3,
// §4.5).
type ConfigVersion struct {
	VersionHash string
	ParentHash  string // empty for a root version
	YAMLContent string
	CreatedAt   time.Time
	Source      ConfigSource
	IsActive    bool
}
