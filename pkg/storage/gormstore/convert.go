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

package gormstore

import (
	"encoding/json"
	"fmt"

	"github.com/kraklabs/noil/pkg/types"
)

// attrWire is the JSON-on-disk shape of a types.AttrValue. Attributes
// and keys are stored as a single JSON blob per fiber row (see the
// comment on fiberRow): Noil never filters fibers by attribute value
// in SQL, so there is nothing for a normalized column to buy.
type attrWire struct {
	Type   types.AttrType `json:"type"`
	String string         `json:"string,omitempty"`
	Int    int64          `json:"int,omitempty"`
	IP     string         `json:"ip,omitempty"`
	MAC    string         `json:"mac,omitempty"`
}

func toAttrWire(v types.AttrValue) attrWire {
	return attrWire{Type: v.Type, String: v.String, Int: v.Int, IP: v.IP, MAC: v.MAC}
}

func fromAttrWire(w attrWire) types.AttrValue {
	return types.AttrValue{Type: w.Type, String: w.String, Int: w.Int, IP: w.IP, MAC: w.MAC}
}

func marshalAttrMap(m map[string]types.AttrValue) ([]byte, error) {
	wire := make(map[string]attrWire, len(m))
	for k, v := range m {
		wire[k] = toAttrWire(v)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal attribute map: %w", err)
	}
	return data, nil
}

func unmarshalAttrMap(data []byte) (map[string]types.AttrValue, error) {
	if len(data) == 0 {
		return map[string]types.AttrValue{}, nil
	}
	var wire map[string]attrWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal attribute map: %w", err)
	}
	out := make(map[string]types.AttrValue, len(wire))
	for k, v := range wire {
		out[k] = fromAttrWire(v)
	}
	return out, nil
}

// keysWire packs a fiber's keys together with CreatedSeq, the
// bookkeeping field fiberRow's base columns don't carry, into KeysRaw
// to avoid a schema migration every time Fiber grows such a field.
// CreatedAt is not stored; fromFiberRow rebuilds it from FirstActivity.
type keysWire struct {
	Keys       map[string]attrWire `json:"keys"`
	CreatedSeq uint64              `json:"created_seq"`
}

func toFiberRow(f types.Fiber) (fiberRow, error) {
	attrData, err := marshalAttrMap(f.Attributes)
	if err != nil {
		return fiberRow{}, err
	}
	kw := keysWire{Keys: make(map[string]attrWire, len(f.Keys)), CreatedSeq: f.CreatedSeq}
	for k, v := range f.Keys {
		kw.Keys[k] = toAttrWire(v)
	}
	keysData, err := json.Marshal(kw)
	if err != nil {
		return fiberRow{}, fmt.Errorf("marshal fiber keys: %w", err)
	}
	return fiberRow{
		ID:            f.ID,
		FiberType:     f.FiberType,
		AttributesRaw: attrData,
		KeysRaw:       keysData,
		FirstActivity: f.FirstActivity,
		LastActivity:  f.LastActivity,
		Closed:        f.Closed,
		ConfigVersion: f.ConfigVersion,
	}, nil
}

func fromFiberRow(row fiberRow) (types.Fiber, error) {
	attrs, err := unmarshalAttrMap(row.AttributesRaw)
	if err != nil {
		return types.Fiber{}, err
	}
	var kw keysWire
	if len(row.KeysRaw) > 0 {
		if err := json.Unmarshal(row.KeysRaw, &kw); err != nil {
			return types.Fiber{}, fmt.Errorf("unmarshal fiber keys: %w", err)
		}
	}
	keys := make(map[string]types.AttrValue, len(kw.Keys))
	for k, v := range kw.Keys {
		keys[k] = fromAttrWire(v)
	}
	return types.Fiber{
		ID:            row.ID,
		FiberType:     row.FiberType,
		Attributes:    attrs,
		Keys:          keys,
		FirstActivity: row.FirstActivity,
		LastActivity:  row.LastActivity,
		Closed:        row.Closed,
		ConfigVersion: row.ConfigVersion,
		CreatedAt:     row.FirstActivity,
		CreatedSeq:    kw.CreatedSeq,
	}, nil
}

func fromConfigVersionRow(row configVersionRow) *types.ConfigVersion {
	return &types.ConfigVersion{
		VersionHash: row.VersionHash,
		ParentHash:  row.ParentHash,
		YAMLContent: row.YAMLContent,
		CreatedAt:   row.CreatedAt,
		Source:      types.ConfigSource(row.Source),
		IsActive:    row.IsActive,
	}
}
