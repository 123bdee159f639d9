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
	"strings"
)

// strptimeToLayout translates a strptime-style format string into a Go
// reference-time layout. Only the directives spec.md's timestamp
// extractor needs are supported; anything else is a load-time error.
//
// No strptime-to-Go-layout library appears anywhere in the example
// pack, so this table is hand-rolled (see DESIGN.md's grounding entry
// for pkg/source).
func strptimeToLayout(format string) (layout string, hasTZ bool, err error) {
	var b strings.Builder
	i := 0
	for i < len(format) {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(format) {
			return "", false, fmt.Errorf("dangling %% at end of format %q", format)
		}
		directive := format[i+1]
		layoutPiece, ok := strptimeDirectives[directive]
		if !ok {
			return "", false, fmt.Errorf("unsupported strptime directive %%%c", directive)
		}
		b.WriteString(layoutPiece)
		if directive == 'z' || directive == 'Z' {
			hasTZ = true
		}
		i += 2
	}
	return b.String(), hasTZ, nil
}

var strptimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'z': "-0700",
	'Z': "MST",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'j': "002",
	'%': "%",
	'f': "000000", // microseconds, common non-standard extension
	'L': "000",    // milliseconds, common non-standard extension
}
