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

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"github.com/kraklabs/noil/internal/noilerr"
	"github.com/kraklabs/noil/pkg/storage"
	"github.com/kraklabs/noil/pkg/types"
)

// ComputeHash returns the version identity of a raw YAML document
// (spec §4.5): SHA-256 over the exact bytes, never over a
// re-marshaled form. Two byte-identical files always share a version;
// cosmetic reformatting always creates a new one, by design.
func ComputeHash(yamlContent string) string {
	sum := sha256.Sum256([]byte(yamlContent))
	return hex.EncodeToString(sum[:])
}

// Store wraps a storage.Storage with the config-versioning and
// reconciliation behavior of spec §4.5. It never reconstructs YAML
// from a deserialized struct; the raw string is the only thing it
// ever persists or hashes.
type Store struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewStore constructs a Store over the given backing storage.
func NewStore(store storage.Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, logger: logger}
}

// Outcome enumerates the five reconciliation results spec §4.5 and
// §8's testable property 8 name.
type Outcome int

const (
	OutcomeNoChange Outcome = iota
	OutcomeFastForwardFile
	OutcomeFastForwardDB
	OutcomeCleanMerge
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeFastForwardFile:
		return "fast_forward_file"
	case OutcomeFastForwardDB:
		return "fast_forward_db"
	case OutcomeCleanMerge:
		return "clean_merge"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Reconcile runs the startup 3-way reconciliation (spec §4.5) between
// the file at filePath and the database's active version, and returns
// the config version that should now be active plus the outcome. On
// OutcomeConflict, conflict markers have already been written to
// filePath and the returned error is *noilerr.ReconciliationConflict;
// callers must exit nonzero.
func (s *Store) Reconcile(ctx context.Context, filePath string) (*CompiledConfig, Outcome, error) {
	fileBytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("read config file: %w", err)
	}
	fileContent := string(fileBytes)
	fileHash := ComputeHash(fileContent)

	active, err := s.store.GetActiveConfigVersion(ctx)
	if err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("get active config version: %w", err)
	}
	state, err := s.store.GetConfigState(ctx)
	if err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("get config state: %w", err)
	}

	if active == nil {
		return s.importInitial(ctx, fileContent, fileHash, state)
	}

	if fileHash == active.VersionHash {
		state.FileHashSeen = fileHash
		state.DBHashSeen = active.VersionHash
		state.HasConflict = false
		if err := s.store.PutConfigState(ctx, state); err != nil {
			return nil, OutcomeNoChange, fmt.Errorf("put config state: %w", err)
		}
		compiled, cerr := s.compileActive(ctx, active)
		return compiled, OutcomeNoChange, cerr
	}

	fileChanged := fileHash != state.FileHashSeen
	dbChanged := active.VersionHash != state.DBHashSeen

	switch {
	case fileChanged && !dbChanged:
		return s.fastForwardFromFile(ctx, fileContent, fileHash, active, state)
	case !fileChanged && dbChanged:
		return s.fastForwardFromDB(ctx, filePath, active, state)
	default:
		return s.threeWayMerge(ctx, filePath, fileContent, fileHash, active, state)
	}
}

func (s *Store) importInitial(ctx context.Context, fileContent, fileHash string, state storage.ConfigState) (*CompiledConfig, Outcome, error) {
	v := types.ConfigVersion{
		VersionHash: fileHash,
		YAMLContent: fileContent,
		CreatedAt:   time.Now().UTC(),
		Source:      types.ConfigSourceFile,
		IsActive:    true,
	}
	if err := s.store.InsertConfigVersion(ctx, v); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("insert initial config version: %w", err)
	}
	state.FileHashSeen = fileHash
	state.DBHashSeen = fileHash
	state.HasConflict = false
	if err := s.store.PutConfigState(ctx, state); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("put config state: %w", err)
	}
	compiled, err := s.compileActive(ctx, &v)
	return compiled, OutcomeFastForwardFile, err
}

func (s *Store) fastForwardFromFile(ctx context.Context, fileContent, fileHash string, active *types.ConfigVersion, state storage.ConfigState) (*CompiledConfig, Outcome, error) {
	v := types.ConfigVersion{
		VersionHash: fileHash,
		ParentHash:  active.VersionHash,
		YAMLContent: fileContent,
		CreatedAt:   time.Now().UTC(),
		Source:      types.ConfigSourceFile,
		IsActive:    true,
	}
	if err := s.store.InsertConfigVersion(ctx, v); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("insert config version: %w", err)
	}
	if err := s.store.MarkConfigActive(ctx, fileHash); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("mark config active: %w", err)
	}
	state.FileHashSeen = fileHash
	state.DBHashSeen = fileHash
	state.HasConflict = false
	if err := s.store.PutConfigState(ctx, state); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("put config state: %w", err)
	}
	s.logger.Info("config.reconcile.fast_forward_file", "hash", fileHash)
	compiled, err := s.compileActive(ctx, &v)
	return compiled, OutcomeFastForwardFile, err
}

func (s *Store) fastForwardFromDB(ctx context.Context, filePath string, active *types.ConfigVersion, state storage.ConfigState) (*CompiledConfig, Outcome, error) {
	if err := os.WriteFile(filePath, []byte(active.YAMLContent), 0o600); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("write config file: %w", err)
	}
	state.FileHashSeen = active.VersionHash
	state.DBHashSeen = active.VersionHash
	state.HasConflict = false
	if err := s.store.PutConfigState(ctx, state); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("put config state: %w", err)
	}
	s.logger.Info("config.reconcile.fast_forward_db", "hash", active.VersionHash)
	compiled, err := s.compileActive(ctx, active)
	return compiled, OutcomeFastForwardDB, err
}

// threeWayMerge implements spec §4.5 case 5: both sides changed since
// last sync. The common ancestor is found by walking the parent_hash
// chain back from the last-seen DB hash to the last-seen file hash
// (see commonAncestor).
func (s *Store) threeWayMerge(ctx context.Context, filePath, fileContent, fileHash string, active *types.ConfigVersion, state storage.ConfigState) (*CompiledConfig, Outcome, error) {
	ancestor, err := s.commonAncestor(ctx, state.FileHashSeen, state.DBHashSeen)
	if err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("find common ancestor: %w", err)
	}

	merged, conflict := mergeLines(ancestor, fileContent, active.YAMLContent)
	if conflict {
		if err := os.WriteFile(filePath, []byte(merged), 0o600); err != nil {
			return nil, OutcomeConflict, fmt.Errorf("write conflict markers: %w", err)
		}
		state.HasConflict = true
		if err := s.store.PutConfigState(ctx, state); err != nil {
			return nil, OutcomeConflict, fmt.Errorf("put config state: %w", err)
		}
		s.logger.Error("config.reconcile.conflict", "path", filePath)
		return nil, OutcomeConflict, &noilerr.ReconciliationConflict{Path: filePath}
	}

	mergedHash := ComputeHash(merged)
	v := types.ConfigVersion{
		VersionHash: mergedHash,
		ParentHash:  active.VersionHash,
		YAMLContent: merged,
		CreatedAt:   time.Now().UTC(),
		Source:      types.ConfigSourceMerge,
		IsActive:    true,
	}
	if err := s.store.InsertConfigVersion(ctx, v); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("insert merged config version: %w", err)
	}
	if err := s.store.MarkConfigActive(ctx, mergedHash); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("mark merged config active: %w", err)
	}
	if err := os.WriteFile(filePath, []byte(merged), 0o600); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("write merged config file: %w", err)
	}
	state.FileHashSeen = mergedHash
	state.DBHashSeen = mergedHash
	state.HasConflict = false
	if err := s.store.PutConfigState(ctx, state); err != nil {
		return nil, OutcomeNoChange, fmt.Errorf("put config state: %w", err)
	}
	s.logger.Info("config.reconcile.clean_merge", "hash", mergedHash)
	compiled, cerr := s.compileActive(ctx, &v)
	return compiled, OutcomeCleanMerge, cerr
}

// commonAncestor walks the parent_hash chain from dbHash looking for
// fileHashSeen; if found, that's the ancestor content. Falls back to
// an empty ancestor (pure line-additions-only merge) if the lineage
// can't be walked, e.g. a DAG built across a config lifetime older
// than retained history.
func (s *Store) commonAncestor(ctx context.Context, fileHashSeen, dbHashSeen string) (string, error) {
	if fileHashSeen == dbHashSeen {
		v, err := s.store.GetConfigVersion(ctx, fileHashSeen)
		if err != nil {
			return "", err
		}
		if v != nil {
			return v.YAMLContent, nil
		}
		return "", nil
	}
	hash := dbHashSeen
	for hash != "" {
		if hash == fileHashSeen {
			v, err := s.store.GetConfigVersion(ctx, hash)
			if err != nil {
				return "", err
			}
			if v != nil {
				return v.YAMLContent, nil
			}
			return "", nil
		}
		v, err := s.store.GetConfigVersion(ctx, hash)
		if err != nil {
			return "", err
		}
		if v == nil {
			break
		}
		hash = v.ParentHash
	}
	return "", nil
}

// mergeLines performs a genuine line/hunk-level 3-way merge: it finds
// the stretches of the ancestor that survive unchanged in both file
// and db (anchors, via pmezard/go-difflib's matching-block LCS — the
// same library cmd/noil's `config diff` already uses), and merges the
// hunks between anchors independently. A hunk changed on only one side
// takes that side's content; changed identically on both sides takes
// either; only a hunk that was changed *differently* on both sides
// gets wrapped in <<<<<<< FILE / ======= / >>>>>>> DB markers.
// conflict=true means at least one such marker pair was written;
// disjoint, non-overlapping edits on the two sides never produce one.
func mergeLines(ancestor, file, db string) (merged string, conflict bool) {
	a := splitLines(ancestor)
	f := splitLines(file)
	d := splitLines(db)

	if linesEqual(f, d) {
		return file, false
	}
	if linesEqual(a, f) {
		return db, false
	}
	if linesEqual(a, d) {
		return file, false
	}

	var b strings.Builder
	hadConflict := false
	emitHunk := func(fLines, dLines, aLines []string) {
		switch {
		case len(fLines) == 0 && len(dLines) == 0:
			return
		case linesEqual(fLines, aLines):
			writeLines(&b, dLines)
		case linesEqual(dLines, aLines):
			writeLines(&b, fLines)
		case linesEqual(fLines, dLines):
			writeLines(&b, fLines)
		default:
			hadConflict = true
			b.WriteString("<<<<<<< FILE\n")
			writeLines(&b, fLines)
			b.WriteString("=======\n")
			writeLines(&b, dLines)
			b.WriteString(">>>>>>> DB\n")
		}
	}

	prevA, prevF, prevD := 0, 0, 0
	for _, anc := range commonAnchors(a, f, d) {
		emitHunk(f[prevF:anc.fStart], d[prevD:anc.dStart], a[prevA:anc.aStart])
		writeLines(&b, a[anc.aStart:anc.aEnd])
		prevA, prevF, prevD = anc.aEnd, anc.fEnd, anc.dEnd
	}
	emitHunk(f[prevF:], d[prevD:], a[prevA:])

	return b.String(), hadConflict
}

// anchor is a stretch of the ancestor that's present, byte-for-byte
// and at the corresponding offset, in both the file and db texts —
// ground truth neither side touched. commonAnchors finds these by
// intersecting the matching blocks of (ancestor,file) with those of
// (ancestor,db); what's left between anchors is where the two sides
// may have changed the ancestor, together or independently.
type anchor struct {
	aStart, aEnd int
	fStart, fEnd int
	dStart, dEnd int
}

func commonAnchors(a, f, d []string) []anchor {
	mbF := difflib.NewMatcher(a, f).GetMatchingBlocks()
	mbD := difflib.NewMatcher(a, d).GetMatchingBlocks()

	var anchors []anchor
	i, j := 0, 0
	for i < len(mbF) && j < len(mbD) {
		mf, md := mbF[i], mbD[j]
		if mf.Size == 0 {
			i++
			continue
		}
		if md.Size == 0 {
			j++
			continue
		}
		fEnd, dEnd := mf.A+mf.Size, md.A+md.Size
		start, end := max(mf.A, md.A), min(fEnd, dEnd)
		if start < end {
			anchors = append(anchors, anchor{
				aStart: start,
				aEnd:   end,
				fStart: mf.B + (start - mf.A),
				fEnd:   mf.B + (end - mf.A),
				dStart: md.B + (start - md.A),
				dEnd:   md.B + (end - md.A),
			})
		}
		switch {
		case fEnd < dEnd:
			i++
		case dEnd < fEnd:
			j++
		default:
			i++
			j++
		}
	}
	return anchors
}

func writeLines(b *strings.Builder, lines []string) {
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Store) compileActive(ctx context.Context, v *types.ConfigVersion) (*CompiledConfig, error) {
	var doc RawDocument
	if err := yaml.Unmarshal([]byte(v.YAMLContent), &doc); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return Compile(&doc)
}

// PutUIVersion records a new version authored through an external UI
// (spec §4.5's "UI edits create a new version with source=ui"). It
// never writes back to the config file; the next startup's
// reconciliation picks up the resulting divergence.
func (s *Store) PutUIVersion(ctx context.Context, yamlContent string) (*types.ConfigVersion, error) {
	active, err := s.store.GetActiveConfigVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("get active config version: %w", err)
	}
	var doc RawDocument
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if _, err := Compile(&doc); err != nil {
		return nil, err
	}
	hash := ComputeHash(yamlContent)
	v := types.ConfigVersion{
		VersionHash: hash,
		YAMLContent: yamlContent,
		CreatedAt:   time.Now().UTC(),
		Source:      types.ConfigSourceUI,
		IsActive:    true,
	}
	if active != nil {
		v.ParentHash = active.VersionHash
	}
	if err := s.store.InsertConfigVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("insert ui config version: %w", err)
	}
	if err := s.store.MarkConfigActive(ctx, hash); err != nil {
		return nil, fmt.Errorf("mark ui config active: %w", err)
	}
	return &v, nil
}

// Lineage walks the parent_hash chain from hash back to the root,
// returning versions newest-first. This is a SPEC_FULL.md supplement
// (an inspection command over the lineage DAG spec §4.5 already
// requires the store to maintain).
func (s *Store) Lineage(ctx context.Context, hash string) ([]types.ConfigVersion, error) {
	var out []types.ConfigVersion
	for hash != "" {
		v, err := s.store.GetConfigVersion(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("get config version %s: %w", hash, err)
		}
		if v == nil {
			break
		}
		out = append(out, *v)
		hash = v.ParentHash
	}
	return out, nil
}
