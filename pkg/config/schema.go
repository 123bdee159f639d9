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

package config

// RawDocument is the top-level shape of the YAML configuration file
// (spec §6). Sections are capability flags: a nil section disables the
// corresponding subsystem. At least one of Sources or RemoteCollectors
// must be present.
type RawDocument struct {
	Sources          map[string]RawSource    `yaml:"sources"`
	RemoteCollectors map[string]any          `yaml:"remote_collectors,omitempty"`
	Collector        map[string]any          `yaml:"collector,omitempty"`
	FiberTypes       map[string]RawFiberType `yaml:"fiber_types"`
	Pipeline         map[string]any          `yaml:"pipeline,omitempty"`
	Sequencer        RawSequencer            `yaml:"sequencer"`
	Storage          map[string]any          `yaml:"storage,omitempty"`
	Web              map[string]any          `yaml:"web,omitempty"`
}

// RawSource configures one SourceReader (spec §4.1).
type RawSource struct {
	Path      string         `yaml:"path"`
	Follow    bool           `yaml:"follow"`
	Start     string         `yaml:"start"` // "beginning" | "end" | "stored_offset(<n>)"
	Timestamp RawTimestamp   `yaml:"timestamp"`
	Meta      map[string]any `yaml:",inline"`
}

// RawTimestamp describes how to extract a record's timestamp from one
// line (spec §4.1).
type RawTimestamp struct {
	Regex  string `yaml:"regex"`  // must carry a named capture group "ts"
	Format string `yaml:"format"` // "iso8601" | "epoch_s" | "epoch_ms" | "strptime(<fmt>)"
}

// RawSequencer configures the Sequencer (spec §4.2).
type RawSequencer struct {
	SafetyMargin string `yaml:"safety_margin"` // Go duration string, e.g. "500ms"
}

// RawFiberType configures one fiber type (spec §4.3, §6).
type RawFiberType struct {
	Temporal   RawTemporal               `yaml:"temporal"`
	Attributes []RawAttribute            `yaml:"attributes"`
	Sources    map[string]RawSourceRules `yaml:"sources"`
}

// RawTemporal configures temporal closing for one fiber type.
type RawTemporal struct {
	MaxGap  string `yaml:"max_gap"`  // duration string or "infinite"
	GapMode string `yaml:"gap_mode"` // "session" | "from_start"
}

// RawAttribute declares one attribute of a fiber type.
type RawAttribute struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // "string" | "int" | "ip" | "mac"
	Key     bool   `yaml:"key,omitempty"`
	Derived string `yaml:"derived,omitempty"` // "${a}-${b}" style template
}

// RawSourceRules is the ordered pattern list for one (fiber_type,
// source_id) pair.
type RawSourceRules struct {
	Patterns []RawPattern `yaml:"patterns"`
}

// RawPattern is one lifecycle-action pattern (spec §4.3, §6).
type RawPattern struct {
	Regex                  string   `yaml:"regex"`
	ReleaseMatchingPeerKeys []string `yaml:"release_matching_peer_keys,omitempty"`
	ReleaseSelfKeys        []string `yaml:"release_self_keys,omitempty"`
	Close                  bool     `yaml:"close,omitempty"`
}
