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

// Package fiber implements FiberProcessor (spec §4.3 — "the hardest
// part"): one instance per fiber type, correlating LogRecords into
// equivalence classes via matched keys, merging on multi-match, and
// closing fibers on explicit action or temporal gap. Its two-map
// design — an open-fiber table plus a separate key→fiber index kept in
// lockstep — is grounded on the teacher's CallResolver
// (pkg/ingestion/resolver.go): packageIndex/globalFunctions/
// qualifiedFunctions are exactly this "build once, index by multiple
// keys, keep indexes in sync on mutation" shape, reused here for
// fibers and their keys instead of packages and their functions.
package fiber

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/noil/internal/noilerr"
	"github.com/kraklabs/noil/pkg/config"
	"github.com/kraklabs/noil/pkg/storage"
	"github.com/kraklabs/noil/pkg/types"
)

// trackedFiber is one open fiber plus the per-attribute write
// timestamps a merge needs to apply "latest write wins" attribute by
// attribute rather than fiber by fiber — a refinement of spec §4.3's
// merge rule (named but not given this granularity); see DESIGN.md's
// Open Question decision for pkg/fiber.
type trackedFiber struct {
	fiber         types.Fiber
	attrWrittenAt map[string]time.Time
}

func keyRef(name string, v types.AttrValue) string {
	return name + "\x00" + attrString(v)
}

func attrString(v types.AttrValue) string {
	switch v.Type {
	case types.AttrInt:
		return strconv.FormatInt(v.Int, 10)
	case types.AttrIP:
		return v.IP
	case types.AttrMAC:
		return v.MAC
	default:
		return v.String
	}
}

// Processor is the FiberProcessor for exactly one fiber type. Per spec
// §5, processing within a type is strictly serial (Process is not
// safe to call concurrently with itself), but distinct Processor
// instances for distinct fiber types never share state and may run in
// parallel.
type Processor struct {
	fiberType     string
	cfg           *config.CompiledFiberType
	store         storage.Storage
	logger        *slog.Logger
	configVersion string

	// mu guards the maps below against concurrent reads from Snapshot
	// (e.g. a status/inspection command); Process itself runs on a
	// single goroutine and never needs it to serialize against itself.
	mu           sync.RWMutex
	open         map[string]*trackedFiber // fiber_id -> fiber
	keyIndex     map[string]string        // keyRef(name,value) -> fiber_id
	logicalClock time.Time
	createdSeq   uint64

	dropCount  uint64
	mergeCount uint64
	closeCount uint64
}

// New constructs a Processor for one compiled fiber type. configVersion
// is stamped onto every fiber this processor creates.
func New(fiberType string, cfg *config.CompiledFiberType, store storage.Storage, configVersion string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		fiberType:     fiberType,
		cfg:           cfg,
		store:         store,
		configVersion: configVersion,
		logger:        logger.With("fiber_type", fiberType),
		open:          make(map[string]*trackedFiber),
		keyIndex:      make(map[string]string),
	}
}

// Restore seeds the processor's open-fiber table and key index from a
// checkpointed snapshot (spec §4.4), and advances the logical clock to
// at least the snapshot's high-water mark.
func (p *Processor) Restore(fibers []types.Fiber, logicalClock time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range fibers {
		tf := &trackedFiber{fiber: f, attrWrittenAt: make(map[string]time.Time, len(f.Attributes))}
		for name := range f.Attributes {
			tf.attrWrittenAt[name] = f.LastActivity
		}
		p.open[f.ID] = tf
		for name, v := range f.Keys {
			p.keyIndex[keyRef(name, v)] = f.ID
		}
		if f.CreatedSeq > p.createdSeq {
			p.createdSeq = f.CreatedSeq
		}
	}
	if logicalClock.After(p.logicalClock) {
		p.logicalClock = logicalClock
	}
}

// Snapshot returns copies of the current open fibers plus the logical
// clock, for checkpointing or inspection.
func (p *Processor) Snapshot() ([]types.Fiber, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Fiber, 0, len(p.open))
	for _, tf := range p.open {
		out = append(out, tf.fiber)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, p.logicalClock
}

// Stats returns lifetime drop/merge/close counters for status
// reporting.
func (p *Processor) Stats() (drops, merges, closes uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropCount, p.mergeCount, p.closeCount
}

// Process runs one LogRecord through the matching -> merge -> lifecycle
// pipeline (spec §4.3 steps 1-13), then a temporal-closing sweep.
func (p *Processor) Process(ctx context.Context, rec types.LogRecord) error {
	patterns := p.cfg.Sources[rec.SourceID]
	if len(patterns) == 0 {
		return nil
	}

	var pattern *config.CompiledPattern
	var match []string
	for i := range patterns {
		if m := patterns[i].Regex.FindStringSubmatch(rec.RawText); m != nil {
			pattern = &patterns[i]
			match = m
			break
		}
	}
	if pattern == nil {
		return nil
	}

	staging := p.canonicalize(pattern.Regex, match)
	p.evaluateDerived(staging)

	extractedKeys := make(map[string]types.AttrValue)
	for name := range p.cfg.KeyAttributes {
		if v, ok := staging[name]; ok {
			extractedKeys[name] = v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseMatchingPeerKeys(pattern.ReleaseMatchingPeerKeys, extractedKeys)

	matchedIDs := p.matchFibers(extractedKeys)
	var target *trackedFiber
	switch len(matchedIDs) {
	case 0:
		target = p.createFiber()
	case 1:
		target = p.open[matchedIDs[0]]
	default:
		target = p.mergeFibers(ctx, matchedIDs)
	}

	p.addKeys(target, extractedKeys)
	p.writeAttributes(target, staging, rec.Timestamp)

	if err := p.store.InsertMembership(ctx, types.FiberMembership{
		LogID:         rec.ID,
		FiberID:       target.fiber.ID,
		FiberType:     p.fiberType,
		ConfigVersion: target.fiber.ConfigVersion,
	}); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}

	if target.fiber.FirstActivity.IsZero() {
		target.fiber.FirstActivity = rec.Timestamp
	}
	target.fiber.LastActivity = rec.Timestamp
	if rec.Timestamp.After(p.logicalClock) {
		p.logicalClock = rec.Timestamp
	}

	p.releaseSelfKeys(target, pattern.ReleaseSelfKeys)

	if err := p.persist(ctx, target); err != nil {
		return err
	}

	if pattern.Close {
		if err := p.closeFiberLocked(ctx, target.fiber.ID); err != nil {
			return err
		}
	}

	return p.sweepTemporalLocked(ctx)
}

// canonicalize extracts match's named captures into a staging map,
// typing each value per the fiber type's attribute declarations (spec
// §4.3 step 2). A capture with no declared attribute of the same name
// is ignored; a capture that fails to canonicalize under its declared
// type is dropped with a warning rather than failing the whole record.
func (p *Processor) canonicalize(re *regexp.Regexp, match []string) map[string]types.AttrValue {
	staging := make(map[string]types.AttrValue)
	names := re.SubexpNames()
	for i, name := range names {
		if name == "" || i >= len(match) || match[i] == "" {
			continue
		}
		attr, ok := p.attrByName(name)
		if !ok {
			continue
		}
		v, err := canonicalizeValue(attr.Type, match[i])
		if err != nil {
			p.logger.Warn("fiber.canonicalize_attribute_failed", "attribute", name, "raw", match[i], "error", err)
			continue
		}
		staging[name] = v
	}
	return staging
}

func (p *Processor) attrByName(name string) (config.CompiledAttribute, bool) {
	for _, a := range p.cfg.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return config.CompiledAttribute{}, false
}

func canonicalizeValue(t types.AttrType, raw string) (types.AttrValue, error) {
	switch t {
	case types.AttrString:
		return types.AttrValue{Type: types.AttrString, String: raw}, nil
	case types.AttrInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.AttrValue{}, fmt.Errorf("parse int %q: %w", raw, err)
		}
		return types.AttrValue{Type: types.AttrInt, Int: n}, nil
	case types.AttrIP:
		ip := net.ParseIP(raw)
		if ip == nil {
			return types.AttrValue{}, fmt.Errorf("invalid ip %q", raw)
		}
		return types.AttrValue{Type: types.AttrIP, IP: ip.String()}, nil
	case types.AttrMAC:
		mac, err := net.ParseMAC(raw)
		if err != nil {
			return types.AttrValue{}, fmt.Errorf("invalid mac %q: %w", raw, err)
		}
		return types.AttrValue{Type: types.AttrMAC, MAC: strings.ToLower(mac.String())}, nil
	default:
		return types.AttrValue{}, fmt.Errorf("unknown attribute type %v", t)
	}
}

// evaluateDerived computes derived attributes in the compiled
// topological order (spec §4.3 step 3). A derived value is only
// written if every ${name} reference in its template is already
// defined; a template with no references is a constant, always
// defined.
func (p *Processor) evaluateDerived(staging map[string]types.AttrValue) {
	for _, name := range p.cfg.DerivedOrder {
		attr, ok := p.attrByName(name)
		if !ok || !attr.HasDeriv {
			continue
		}
		var b strings.Builder
		complete := true
		for _, tok := range attr.Derived {
			if tok.Lookup == "" {
				b.WriteString(tok.Literal)
				continue
			}
			v, ok := staging[tok.Lookup]
			if !ok {
				complete = false
				break
			}
			b.WriteString(attrString(v))
		}
		if !complete {
			continue
		}
		v, err := canonicalizeValue(attr.Type, b.String())
		if err != nil {
			p.logger.Warn("fiber.derived_attribute_failed", "attribute", name, "error", err)
			continue
		}
		staging[name] = v
	}
}

// releaseMatchingPeerKeys implements spec §4.3 step 5: for each key
// name in the pattern's list that has an extracted value, remove that
// exact (name, value) pair from every OTHER open fiber of this type.
// Must be called with p.mu held.
func (p *Processor) releaseMatchingPeerKeys(names []string, extracted map[string]types.AttrValue) {
	for _, name := range names {
		v, ok := extracted[name]
		if !ok {
			continue
		}
		ref := keyRef(name, v)
		ownerID, ok := p.keyIndex[ref]
		if !ok {
			continue
		}
		tf := p.open[ownerID]
		if tf == nil {
			delete(p.keyIndex, ref)
			continue
		}
		delete(tf.fiber.Keys, name)
		delete(p.keyIndex, ref)
	}
}

// matchFibers looks up every extracted key in the key index and
// returns the distinct set of matching fiber ids (spec §4.3 step 6).
func (p *Processor) matchFibers(extracted map[string]types.AttrValue) []string {
	seen := make(map[string]bool)
	var ids []string
	for name, v := range extracted {
		id, ok := p.keyIndex[keyRef(name, v)]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Processor) createFiber() *trackedFiber {
	p.createdSeq++
	f := types.Fiber{
		ID:            uuid.NewString(),
		FiberType:     p.fiberType,
		Attributes:    make(map[string]types.AttrValue),
		Keys:          make(map[string]types.AttrValue),
		ConfigVersion: p.configVersion,
		CreatedAt:     p.logicalClock,
		CreatedSeq:    p.createdSeq,
	}
	tf := &trackedFiber{fiber: f, attrWrittenAt: make(map[string]time.Time)}
	p.open[f.ID] = tf
	return tf
}

// mergeFibers implements spec §4.3 step 7: survivor = oldest by
// creation time; union of keys; union of attributes with
// latest-write-wins; memberships reassigned; non-survivors deleted.
func (p *Processor) mergeFibers(ctx context.Context, ids []string) *trackedFiber {
	survivor := p.open[ids[0]]
	for _, id := range ids[1:] {
		cand := p.open[id]
		if cand == nil {
			continue
		}
		if cand.fiber.CreatedAt.Before(survivor.fiber.CreatedAt) ||
			(cand.fiber.CreatedAt.Equal(survivor.fiber.CreatedAt) && cand.fiber.CreatedSeq < survivor.fiber.CreatedSeq) {
			survivor = cand
		}
	}

	for _, id := range ids {
		if id == survivor.fiber.ID {
			continue
		}
		loser := p.open[id]
		if loser == nil {
			continue
		}
		for name, v := range loser.fiber.Keys {
			survivor.fiber.Keys[name] = v
			p.keyIndex[keyRef(name, v)] = survivor.fiber.ID
		}
		for name, v := range loser.fiber.Attributes {
			loserAt := loser.attrWrittenAt[name]
			survAt, survHas := survivor.attrWrittenAt[name]
			if !survHas || loserAt.After(survAt) {
				if existing, had := survivor.fiber.Attributes[name]; had && existing != v {
					p.logger.Warn("fiber.merge_attribute_conflict", "attribute", name, "kept_from", "loser")
				}
				survivor.fiber.Attributes[name] = v
				survivor.attrWrittenAt[name] = loserAt
			}
		}
		if err := p.store.ReassignMemberships(ctx, loser.fiber.ID, survivor.fiber.ID); err != nil {
			p.logger.Error("fiber.merge_reassign_failed", "from", loser.fiber.ID, "to", survivor.fiber.ID, "error", err)
		}
		if err := p.store.DeleteFiber(ctx, loser.fiber.ID); err != nil {
			p.logger.Error("fiber.merge_delete_failed", "fiber_id", loser.fiber.ID, "error", err)
		}
		delete(p.open, id)
	}
	p.mergeCount++
	p.logger.Info("fiber.merged", "survivor", survivor.fiber.ID, "merged_count", len(ids)-1)
	return survivor
}

// addKeys implements spec §4.3 step 8: add extracted keys to the
// target's key set, enforcing the key-uniqueness invariant. By this
// point conflicting peers should already have been released (step 5)
// or resolved via merge (step 7); a remaining conflict is a genuine
// violation, logged and dropped rather than silently overwritten.
func (p *Processor) addKeys(target *trackedFiber, extracted map[string]types.AttrValue) {
	for name, v := range extracted {
		ref := keyRef(name, v)
		if ownerID, ok := p.keyIndex[ref]; ok && ownerID != target.fiber.ID {
			p.logger.Warn("fiber.key_uniqueness_violation",
				"error", (&noilerr.KeyUniquenessViolation{FiberType: p.fiberType, KeyName: name, KeyValue: attrString(v)}).Error())
			p.dropCount++
			continue
		}
		target.fiber.Keys[name] = v
		p.keyIndex[ref] = target.fiber.ID
	}
}

// writeAttributes implements spec §4.3 step 9: write every
// extracted/derived value onto the target, latest wins, warning on
// change.
func (p *Processor) writeAttributes(target *trackedFiber, staging map[string]types.AttrValue, at time.Time) {
	for name, v := range staging {
		if existing, ok := target.fiber.Attributes[name]; ok && existing != v {
			p.logger.Warn("fiber.attribute_changed", "attribute", name, "fiber_id", target.fiber.ID)
		}
		target.fiber.Attributes[name] = v
		target.attrWrittenAt[name] = at
	}
}

// releaseSelfKeys implements spec §4.3 step 12: remove each named key
// from the target regardless of its value.
func (p *Processor) releaseSelfKeys(target *trackedFiber, names []string) {
	for _, name := range names {
		v, ok := target.fiber.Keys[name]
		if !ok {
			continue
		}
		delete(target.fiber.Keys, name)
		delete(p.keyIndex, keyRef(name, v))
	}
}

func (p *Processor) persist(ctx context.Context, tf *trackedFiber) error {
	if err := p.store.InsertFiber(ctx, tf.fiber); err != nil {
		return fmt.Errorf("persist fiber: %w", err)
	}
	return nil
}

// closeFiberLocked implements the close action (spec §4.3, "Closing a
// fiber"): clears keys, retains attributes, removes the fiber from the
// open-fiber table. Must be called with p.mu held.
func (p *Processor) closeFiberLocked(ctx context.Context, fiberID string) error {
	tf := p.open[fiberID]
	if tf == nil {
		return nil
	}
	for name, v := range tf.fiber.Keys {
		delete(p.keyIndex, keyRef(name, v))
	}
	tf.fiber.Keys = map[string]types.AttrValue{}
	tf.fiber.Closed = true
	if err := p.store.UpdateFiber(ctx, tf.fiber); err != nil {
		return fmt.Errorf("persist closed fiber: %w", err)
	}
	delete(p.open, fiberID)
	p.closeCount++
	return nil
}

// sweepTemporalLocked implements temporal closing (spec §4.3): after
// advancing the logical clock, close every still-open fiber whose gap
// since the relevant activity timestamp exceeds max_gap. Must be
// called with p.mu held.
func (p *Processor) sweepTemporalLocked(ctx context.Context) error {
	if p.cfg.Temporal.Infinite {
		return nil
	}
	var toClose []string
	for id, tf := range p.open {
		var since time.Time
		switch p.cfg.Temporal.GapMode {
		case "from_start":
			since = tf.fiber.FirstActivity
		default:
			since = tf.fiber.LastActivity
		}
		if since.IsZero() {
			continue
		}
		if p.logicalClock.Sub(since) > p.cfg.Temporal.MaxGap {
			toClose = append(toClose, id)
		}
	}
	sort.Strings(toClose)
	for _, id := range toClose {
		if err := p.closeFiberLocked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
