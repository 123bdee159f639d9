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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/noil/internal/noilerr"
	"github.com/kraklabs/noil/pkg/types"
)

func minimalDoc() *RawDocument {
	return &RawDocument{
		Sources: map[string]RawSource{
			"app": {
				Path:   "/var/log/app.log",
				Follow: true,
				Start:  "beginning",
				Timestamp: RawTimestamp{
					Regex:  `^(?P<ts>\S+)`,
					Format: "iso8601",
				},
			},
		},
		FiberTypes: map[string]RawFiberType{
			"session": {
				Temporal: RawTemporal{MaxGap: "5m", GapMode: "session"},
				Attributes: []RawAttribute{
					{Name: "session_id", Type: "string", Key: true},
				},
				Sources: map[string]RawSourceRules{
					"app": {Patterns: []RawPattern{
						{Regex: `session=(?P<session_id>\w+)`},
					}},
				},
			},
		},
	}
}

func TestCompile_MinimalDocSucceeds(t *testing.T) {
	cfg, err := Compile(minimalDoc())
	require.NoError(t, err)
	require.Contains(t, cfg.Sources, "app")
	assert.Equal(t, StartBeginning, cfg.Sources["app"].Start)
	assert.Equal(t, FormatISO8601, cfg.Sources["app"].Format)
	require.Contains(t, cfg.FiberTypes, "session")
	assert.True(t, cfg.FiberTypes["session"].KeyAttributes["session_id"])
}

func TestCompile_RequiresSourcesOrRemoteCollectors(t *testing.T) {
	doc := &RawDocument{FiberTypes: map[string]RawFiberType{}}
	_, err := Compile(doc)
	require.Error(t, err)
	var cve *noilerr.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	assert.Contains(t, cve.Failures[0], "sources")
}

func TestCompile_AccumulatesAllFailures(t *testing.T) {
	doc := minimalDoc()
	src := doc.Sources["app"]
	src.Path = ""
	src.Timestamp.Regex = ""
	doc.Sources["app"] = src

	ft := doc.FiberTypes["session"]
	ft.Temporal.GapMode = "bogus"
	doc.FiberTypes["session"] = ft

	_, err := Compile(doc)
	require.Error(t, err)
	var cve *noilerr.ConfigValidationError
	require.ErrorAs(t, err, &cve)
	// path, regex, and gap_mode failures should all be present, not just the first.
	assert.GreaterOrEqual(t, len(cve.Failures), 3)
}

func TestCompile_TimestampRegexRequiresNamedGroup(t *testing.T) {
	doc := minimalDoc()
	src := doc.Sources["app"]
	src.Timestamp.Regex = `^\S+` // no (?P<ts>...) group
	doc.Sources["app"] = src

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ts")
}

func TestCompile_StoredOffsetStart(t *testing.T) {
	doc := minimalDoc()
	src := doc.Sources["app"]
	src.Start = "stored_offset(1024)"
	doc.Sources["app"] = src

	cfg, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, StartStoredOffset, cfg.Sources["app"].Start)
	assert.EqualValues(t, 1024, cfg.Sources["app"].StoredOffset)
}

func TestCompile_StrptimeFormat(t *testing.T) {
	doc := minimalDoc()
	src := doc.Sources["app"]
	src.Timestamp.Format = "strptime(%Y-%m-%d %H:%M:%S)"
	doc.Sources["app"] = src

	cfg, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, FormatStrptime, cfg.Sources["app"].Format)
	assert.Equal(t, "2006-01-02 15:04:05", cfg.Sources["app"].StrptimeLayout)
	assert.False(t, cfg.Sources["app"].StrptimeHasTZ)
}

func TestCompile_DerivedAttributeTemplate(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	ft.Attributes = append(ft.Attributes, RawAttribute{
		Name:    "label",
		Type:    "string",
		Derived: "${session_id}-active",
	})
	doc.FiberTypes["session"] = ft

	cfg, err := Compile(doc)
	require.NoError(t, err)
	var derived *CompiledAttribute
	for i := range cfg.FiberTypes["session"].Attributes {
		if cfg.FiberTypes["session"].Attributes[i].Name == "label" {
			derived = &cfg.FiberTypes["session"].Attributes[i]
		}
	}
	require.NotNil(t, derived)
	require.True(t, derived.HasDeriv)
	require.Len(t, derived.Derived, 2)
	assert.Equal(t, "session_id", derived.Derived[0].Lookup)
	assert.Equal(t, "-active", derived.Derived[1].Literal)
}

func TestCompile_DerivedAttributeCycleFails(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	ft.Attributes = append(ft.Attributes,
		RawAttribute{Name: "a", Type: "string", Derived: "${b}"},
		RawAttribute{Name: "b", Type: "string", Derived: "${a}"},
	)
	doc.FiberTypes["session"] = ft

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCompile_ReleaseKeysMustBeKeyAttributes(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	rules := ft.Sources["app"]
	rules.Patterns[0].ReleaseSelfKeys = []string{"not_a_key"}
	ft.Sources["app"] = rules
	doc.FiberTypes["session"] = ft

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_a_key")
}

func TestCompile_PeerReleaseKeyMustBeCaptureGroup(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	rules := ft.Sources["app"]
	rules.Patterns[0].ReleaseMatchingPeerKeys = []string{"session_id"}
	rules.Patterns[0].Regex = `no capture groups here`
	ft.Sources["app"] = rules
	doc.FiberTypes["session"] = ft

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture group")
}

func TestCompile_UndeclaredSourceReference(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	ft.Sources["ghost"] = RawSourceRules{Patterns: []RawPattern{{Regex: `.`}}}
	doc.FiberTypes["session"] = ft

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared source")
}

func TestCompile_SafetyMarginDuration(t *testing.T) {
	doc := minimalDoc()
	doc.Sequencer.SafetyMargin = "500ms"
	cfg, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, 500*1e6, float64(cfg.SafetyMargin))
}

func TestCompile_NegativeSafetyMarginRejected(t *testing.T) {
	doc := minimalDoc()
	doc.Sequencer.SafetyMargin = "-1s"
	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety_margin")
}

func TestCompile_InfiniteMaxGap(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	ft.Temporal.MaxGap = "infinite"
	doc.FiberTypes["session"] = ft

	cfg, err := Compile(doc)
	require.NoError(t, err)
	assert.True(t, cfg.FiberTypes["session"].Temporal.Infinite)
}

func TestCompile_UnknownAttributeTypeRejected(t *testing.T) {
	doc := minimalDoc()
	ft := doc.FiberTypes["session"]
	ft.Attributes[0].Type = "float"
	doc.FiberTypes["session"] = ft

	_, err := Compile(doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestParseAttrType(t *testing.T) {
	cases := map[string]types.AttrType{
		"string": types.AttrString,
		"int":    types.AttrInt,
		"ip":     types.AttrIP,
		"mac":    types.AttrMAC,
	}
	for s, want := range cases {
		got, ok := parseAttrType(s)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := parseAttrType("bogus")
	assert.False(t, ok)
}
