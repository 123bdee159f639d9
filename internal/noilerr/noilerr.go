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

// Package noilerr defines the closed set of error kinds referenced by
// spec.md §7, so callers can branch on kind with errors.As instead of
// string matching.
package noilerr

import "fmt"

// IoError wraps an I/O failure opening or reading a source file. It is
// fatal for the affected SourceReader; the sequencer marks the source
// inactive.
type IoError struct {
	Source string
	Err    error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("source %s: io error: %v", e.Source, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ParseError records a line whose timestamp regex matched but whose
// captured value failed to parse. Not fatal: a counter is incremented,
// and the line is appended to the pending record like a continuation
// line, or dropped (and counted as a drop) when no record is pending.
type ParseError struct {
	Source string
	Line   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("source %s: timestamp parse error: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// KeyUniquenessViolation is logged when an attempt to add a key to a
// fiber's key set would duplicate a (name, value) pair already present
// on another open fiber of the same type. Not fatal: the offending key
// add is dropped.
type KeyUniquenessViolation struct {
	FiberType string
	KeyName   string
	KeyValue  string
}

func (e *KeyUniquenessViolation) Error() string {
	return fmt.Sprintf("fiber type %s: key (%s, %s) already claimed by another open fiber", e.FiberType, e.KeyName, e.KeyValue)
}

// CheckpointCorruption is returned when a checkpoint file fails to
// parse or carries a schema/config-version mismatch. Callers should
// discard the checkpoint and start fresh.
type CheckpointCorruption struct {
	Path string
	Err  error
}

func (e *CheckpointCorruption) Error() string {
	return fmt.Sprintf("checkpoint %s: corrupt or stale: %v", e.Path, e.Err)
}

func (e *CheckpointCorruption) Unwrap() error { return e.Err }

// ConfigValidationError carries the full list of validation failures
// found in a candidate YAML configuration, not just the first.
type ConfigValidationError struct {
	Failures []string
}

func (e *ConfigValidationError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("config validation failed: %s", e.Failures[0])
	}
	return fmt.Sprintf("config validation failed with %d errors: %s (and %d more)", len(e.Failures), e.Failures[0], len(e.Failures)-1)
}

// ReconciliationConflict is returned when a 3-way config merge can't be
// resolved cleanly. Conflict markers have already been written to the
// file; the caller should exit nonzero.
type ReconciliationConflict struct {
	Path string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("config reconciliation conflict written to %s; resolve manually", e.Path)
}

// StorageError wraps a transient storage failure. Policy: retry with
// backoff; eventually fatal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
