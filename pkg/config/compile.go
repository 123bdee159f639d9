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
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kraklabs/noil/internal/noilerr"
	"github.com/kraklabs/noil/pkg/types"
)

// CompiledConfig is the load-time-validated, ready-to-run form of a
// RawDocument. SourceReader, Sequencer, and FiberProcessor are all
// constructed from pieces of this, never from the raw YAML directly.
type CompiledConfig struct {
	Sources      map[string]CompiledSource
	FiberTypes   map[string]*CompiledFiberType
	SafetyMargin time.Duration

	HasRemoteCollectors bool
	HasCollector        bool
	HasWeb              bool
	HasStorage          bool
}

// TimestampFormat enumerates the timestamp formats spec §4.1 supports.
type TimestampFormat int

const (
	FormatISO8601 TimestampFormat = iota
	FormatEpochSeconds
	FormatEpochMillis
	FormatStrptime
)

// StartKind enumerates the SourceReader start policies (spec §4.1).
type StartKind int

const (
	StartBeginning StartKind = iota
	StartEnd
	StartStoredOffset
)

// CompiledSource is one source's compiled reader configuration.
type CompiledSource struct {
	ID             string
	Path           string
	Follow         bool
	Start          StartKind
	StoredOffset   int64
	TimestampRegex *regexp.Regexp
	Format         TimestampFormat
	StrptimeLayout string // Go reference-time layout, pre-translated from the strptime format tag
	StrptimeHasTZ  bool
}

// CompiledFiberType is the compiled form of one fiber_types entry.
type CompiledFiberType struct {
	Name          string
	Attributes    []CompiledAttribute
	KeyAttributes map[string]bool
	DerivedOrder  []string // topological order of derived attribute names
	Temporal      CompiledTemporal
	Sources       map[string][]CompiledPattern // source_id -> ordered patterns
}

// CompiledAttribute is one attribute declaration of a fiber type.
type CompiledAttribute struct {
	Name     string
	Type     types.AttrType
	Key      bool
	Derived  []DerivedToken // nil if not derived
	HasDeriv bool
}

// DerivedToken is one piece of a compiled derived-attribute template
// (spec §9: "compile templates into a sequence of {literal | lookup(name)}").
type DerivedToken struct {
	Literal string
	Lookup  string // empty if this token is a literal
}

// CompiledTemporal is the compiled form of a fiber type's temporal
// closing rule (spec §4.3).
type CompiledTemporal struct {
	MaxGap   time.Duration
	Infinite bool
	GapMode  string // "session" | "from_start"
}

// CompiledPattern is one compiled lifecycle-action pattern.
type CompiledPattern struct {
	Regex                   *regexp.Regexp
	ReleaseMatchingPeerKeys []string
	ReleaseSelfKeys         []string
	Close                   bool
}

// Compile validates and compiles a RawDocument into a CompiledConfig.
// On any validation failure it returns *noilerr.ConfigValidationError
// carrying every failure found, not just the first (spec §7).
func Compile(doc *RawDocument) (*CompiledConfig, error) {
	var failures []string
	addf := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if len(doc.Sources) == 0 && len(doc.RemoteCollectors) == 0 {
		addf("at least one of 'sources' or 'remote_collectors' must be present")
	}

	cfg := &CompiledConfig{
		Sources:             make(map[string]CompiledSource, len(doc.Sources)),
		FiberTypes:          make(map[string]*CompiledFiberType, len(doc.FiberTypes)),
		HasRemoteCollectors: doc.RemoteCollectors != nil,
		HasCollector:        doc.Collector != nil,
		HasWeb:              doc.Web != nil,
		HasStorage:          doc.Storage != nil,
	}

	if doc.Sequencer.SafetyMargin != "" {
		d, err := time.ParseDuration(doc.Sequencer.SafetyMargin)
		if err != nil {
			addf("sequencer.safety_margin: invalid duration %q: %v", doc.Sequencer.SafetyMargin, err)
		} else if d < 0 {
			addf("sequencer.safety_margin: must be >= 0, got %s", d)
		} else {
			cfg.SafetyMargin = d
		}
	}

	for id, rs := range doc.Sources {
		cs, errs := compileSource(id, rs)
		for _, e := range errs {
			addf("%s", e)
		}
		cfg.Sources[id] = cs
	}

	for name, rft := range doc.FiberTypes {
		cft, errs := compileFiberType(name, rft, doc.Sources)
		for _, e := range errs {
			addf("%s", e)
		}
		cfg.FiberTypes[name] = cft
	}

	if len(failures) > 0 {
		return nil, &noilerr.ConfigValidationError{Failures: failures}
	}
	return cfg, nil
}

func compileSource(id string, rs RawSource) (CompiledSource, []string) {
	var errs []string
	cs := CompiledSource{ID: id, Path: rs.Path, Follow: rs.Follow}

	if rs.Path == "" {
		errs = append(errs, fmt.Sprintf("sources.%s: path is required", id))
	}

	switch {
	case rs.Start == "" || rs.Start == "beginning":
		cs.Start = StartBeginning
	case rs.Start == "end":
		cs.Start = StartEnd
	case strings.HasPrefix(rs.Start, "stored_offset(") && strings.HasSuffix(rs.Start, ")"):
		inner := rs.Start[len("stored_offset(") : len(rs.Start)-1]
		n, err := strconv.ParseInt(strings.TrimSpace(inner), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("sources.%s: invalid stored_offset value %q: %v", id, rs.Start, err))
		} else {
			cs.Start = StartStoredOffset
			cs.StoredOffset = n
		}
	default:
		errs = append(errs, fmt.Sprintf("sources.%s: start must be 'beginning', 'end', or 'stored_offset(n)', got %q", id, rs.Start))
	}

	if rs.Timestamp.Regex == "" {
		errs = append(errs, fmt.Sprintf("sources.%s: timestamp.regex is required", id))
	} else {
		re, err := regexp.Compile(rs.Timestamp.Regex)
		if err != nil {
			errs = append(errs, fmt.Sprintf("sources.%s: timestamp.regex does not compile: %v", id, err))
		} else if !hasNamedGroup(re, "ts") {
			errs = append(errs, fmt.Sprintf("sources.%s: timestamp.regex must carry a named capture group 'ts'", id))
		} else {
			cs.TimestampRegex = re
		}
	}

	switch {
	case rs.Timestamp.Format == "iso8601":
		cs.Format = FormatISO8601
	case rs.Timestamp.Format == "epoch_s":
		cs.Format = FormatEpochSeconds
	case rs.Timestamp.Format == "epoch_ms":
		cs.Format = FormatEpochMillis
	case strings.HasPrefix(rs.Timestamp.Format, "strptime(") && strings.HasSuffix(rs.Timestamp.Format, ")"):
		inner := rs.Timestamp.Format[len("strptime(") : len(rs.Timestamp.Format)-1]
		layout, hasTZ, err := strptimeToLayout(inner)
		if err != nil {
			errs = append(errs, fmt.Sprintf("sources.%s: invalid strptime format %q: %v", id, inner, err))
		} else {
			cs.Format = FormatStrptime
			cs.StrptimeLayout = layout
			cs.StrptimeHasTZ = hasTZ
		}
	default:
		errs = append(errs, fmt.Sprintf("sources.%s: timestamp.format must be iso8601, epoch_s, epoch_ms, or strptime(...), got %q", id, rs.Timestamp.Format))
	}

	return cs, errs
}

func hasNamedGroup(re *regexp.Regexp, name string) bool {
	for _, n := range re.SubexpNames() {
		if n == name {
			return true
		}
	}
	return false
}

func compileFiberType(name string, rft RawFiberType, rawSources map[string]RawSource) (*CompiledFiberType, []string) {
	var errs []string
	cft := &CompiledFiberType{
		Name:          name,
		KeyAttributes: make(map[string]bool),
		Sources:       make(map[string][]CompiledPattern, len(rft.Sources)),
	}

	seenNames := make(map[string]bool, len(rft.Attributes))
	attrIndex := make(map[string]RawAttribute, len(rft.Attributes))
	for _, ra := range rft.Attributes {
		if seenNames[ra.Name] {
			errs = append(errs, fmt.Sprintf("fiber_types.%s: attribute name %q is not unique", name, ra.Name))
			continue
		}
		seenNames[ra.Name] = true
		attrIndex[ra.Name] = ra
	}

	// Order derived attributes so each is evaluated after the derived
	// attributes it references; a cycle is a load-time failure.
	order, cycleErr := topoSortDerived(name, rft.Attributes)
	if cycleErr != "" {
		errs = append(errs, cycleErr)
	}
	cft.DerivedOrder = order

	compiledNames := make(map[string]bool, len(rft.Attributes))
	for _, ra := range rft.Attributes {
		if compiledNames[ra.Name] {
			continue // duplicate, already reported
		}
		compiledNames[ra.Name] = true
		at, ok := parseAttrType(ra.Type)
		if !ok {
			errs = append(errs, fmt.Sprintf("fiber_types.%s: attribute %q has unknown type %q", name, ra.Name, ra.Type))
		}
		ca := CompiledAttribute{Name: ra.Name, Type: at, Key: ra.Key}
		if ra.Key {
			cft.KeyAttributes[ra.Name] = true
		}
		if ra.Derived != "" {
			tokens, refs, err := compileTemplate(ra.Derived)
			if err != nil {
				errs = append(errs, fmt.Sprintf("fiber_types.%s: attribute %q: %v", name, ra.Name, err))
			}
			for _, ref := range refs {
				if _, ok := attrIndex[ref]; !ok {
					errs = append(errs, fmt.Sprintf("fiber_types.%s: attribute %q derives from undefined attribute %q", name, ra.Name, ref))
				}
			}
			ca.Derived = tokens
			ca.HasDeriv = true
		}
		cft.Attributes = append(cft.Attributes, ca)
	}

	switch rft.Temporal.GapMode {
	case "session", "from_start":
		cft.Temporal.GapMode = rft.Temporal.GapMode
	case "":
		errs = append(errs, fmt.Sprintf("fiber_types.%s: temporal.gap_mode is required (session|from_start)", name))
	default:
		errs = append(errs, fmt.Sprintf("fiber_types.%s: temporal.gap_mode must be session or from_start, got %q", name, rft.Temporal.GapMode))
	}
	if rft.Temporal.MaxGap == "infinite" {
		cft.Temporal.Infinite = true
	} else if rft.Temporal.MaxGap != "" {
		d, err := time.ParseDuration(rft.Temporal.MaxGap)
		if err != nil {
			errs = append(errs, fmt.Sprintf("fiber_types.%s: temporal.max_gap invalid: %v", name, err))
		} else {
			cft.Temporal.MaxGap = d
		}
	} else {
		errs = append(errs, fmt.Sprintf("fiber_types.%s: temporal.max_gap is required (duration or 'infinite')", name))
	}

	for sourceID, rules := range rft.Sources {
		if _, ok := rawSources[sourceID]; !ok {
			errs = append(errs, fmt.Sprintf("fiber_types.%s.sources.%s: references undeclared source", name, sourceID))
			continue
		}
		var patterns []CompiledPattern
		for i, rp := range rules.Patterns {
			cp, perrs := compilePattern(name, sourceID, i, rp, cft.KeyAttributes)
			errs = append(errs, perrs...)
			patterns = append(patterns, cp)
		}
		cft.Sources[sourceID] = patterns
	}

	return cft, errs
}

func parseAttrType(s string) (types.AttrType, bool) {
	switch s {
	case "string":
		return types.AttrString, true
	case "int":
		return types.AttrInt, true
	case "ip":
		return types.AttrIP, true
	case "mac":
		return types.AttrMAC, true
	default:
		return types.AttrString, false
	}
}

func compilePattern(fiberType, sourceID string, idx int, rp RawPattern, keyAttrs map[string]bool) (CompiledPattern, []string) {
	var errs []string
	cp := CompiledPattern{
		ReleaseMatchingPeerKeys: rp.ReleaseMatchingPeerKeys,
		ReleaseSelfKeys:         rp.ReleaseSelfKeys,
		Close:                   rp.Close,
	}

	loc := fmt.Sprintf("fiber_types.%s.sources.%s.patterns[%d]", fiberType, sourceID, idx)
	if rp.Regex == "" {
		errs = append(errs, fmt.Sprintf("%s: regex is required", loc))
		return cp, errs
	}
	re, err := regexp.Compile(rp.Regex)
	if err != nil {
		errs = append(errs, fmt.Sprintf("%s: regex does not compile: %v", loc, err))
		return cp, errs
	}
	cp.Regex = re

	// release_self_keys items must be attributes marked as keys.
	for _, k := range rp.ReleaseSelfKeys {
		if !keyAttrs[k] {
			errs = append(errs, fmt.Sprintf("%s: release_self_keys references %q, which is not a key attribute", loc, k))
		}
	}

	// release_matching_peer_keys items must be BOTH capture groups of
	// this pattern AND attributes marked as keys (spec §4.5; also
	// resolves the Open Question on a non-capture-group peer-release
	// key by making it a load-time failure).
	for _, k := range rp.ReleaseMatchingPeerKeys {
		if !keyAttrs[k] {
			errs = append(errs, fmt.Sprintf("%s: release_matching_peer_keys references %q, which is not a key attribute", loc, k))
		}
		if !hasNamedGroup(re, k) {
			errs = append(errs, fmt.Sprintf("%s: release_matching_peer_keys references %q, which is not a capture group of this pattern", loc, k))
		}
	}

	return cp, errs
}

// compileTemplate parses a "${a}-literal-${b}" style derived-attribute
// template into a linear token sequence (spec §9). A template with no
// references is a constant, always defined.
func compileTemplate(tmpl string) ([]DerivedToken, []string, error) {
	var tokens []DerivedToken
	var refs []string
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${")
		if start == -1 {
			tokens = append(tokens, DerivedToken{Literal: tmpl[i:]})
			break
		}
		start += i
		if start > i {
			tokens = append(tokens, DerivedToken{Literal: tmpl[i:start]})
		}
		end := strings.Index(tmpl[start:], "}")
		if end == -1 {
			return nil, nil, fmt.Errorf("unterminated ${ in template %q", tmpl)
		}
		end += start
		name := tmpl[start+2 : end]
		if name == "" {
			return nil, nil, fmt.Errorf("empty ${} reference in template %q", tmpl)
		}
		tokens = append(tokens, DerivedToken{Lookup: name})
		refs = append(refs, name)
		i = end + 1
	}
	return tokens, refs, nil
}

// topoSortDerived computes a topological order over derived attributes
// so each one is evaluated only after its dependencies (spec §4.3,
// §9). Returns an error string on a cycle.
func topoSortDerived(fiberType string, attrs []RawAttribute) ([]string, string) {
	deps := make(map[string][]string)
	isDerived := make(map[string]bool)
	for _, a := range attrs {
		if a.Derived == "" {
			continue
		}
		isDerived[a.Name] = true
		_, refs, err := compileTemplate(a.Derived)
		if err == nil {
			deps[a.Name] = refs
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var order []string
	var visit func(n string) string
	visit = func(n string) string {
		if color[n] == black {
			return ""
		}
		if color[n] == gray {
			return fmt.Sprintf("fiber_types.%s: cycle in derived attribute dependencies involving %q", fiberType, n)
		}
		color[n] = gray
		for _, dep := range deps[n] {
			if isDerived[dep] {
				if msg := visit(dep); msg != "" {
					return msg
				}
			}
		}
		color[n] = black
		order = append(order, n)
		return ""
	}

	// Deterministic iteration: attrs is declaration order.
	names := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if a.Derived != "" {
			names = append(names, a.Name)
		}
	}
	sort.Strings(names) // break ties deterministically; declaration order preserved within a DFS branch via deps
	for _, n := range names {
		if msg := visit(n); msg != "" {
			return nil, msg
		}
	}
	return order, ""
}
