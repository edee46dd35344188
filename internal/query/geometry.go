// Copyright 2025 Celine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package query

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/geojson"
)

// rawGeometry marks a value that looks like hex EWKB but could not be
// decoded locally. The executor asks the backend to render it as GeoJSON.
type rawGeometry string

// normaliseValue converts backend values into JSON-friendly shapes:
// PostGIS geometry columns become GeoJSON and uuid bytes become strings.
// Everything else passes through for the JSON encoder.
func normaliseValue(v any) any {
	switch t := v.(type) {
	case string:
		if looksLikeEWKB(t) {
			if g, ok := decodeHexEWKB(t); ok {
				return g
			}
			return rawGeometry(t)
		}
		return t
	case [16]byte:
		return uuid.UUID(t).String()
	}
	return v
}

// looksLikeEWKB reports whether s resembles the hex EWKB text that PostGIS
// geometry columns produce: an even-length hex string starting with a byte
// order marker. Short hex strings are left alone to avoid mangling data
// columns that merely contain hex.
func looksLikeEWKB(s string) bool {
	if len(s) < 18 || len(s)%2 != 0 {
		return false
	}
	if s[0] != '0' || (s[1] != '0' && s[1] != '1') {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
		if !isHex {
			return false
		}
	}
	return true
}

func decodeHexEWKB(s string) (*geojson.Geometry, bool) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	geom, _, err := ewkb.Unmarshal(data)
	if err != nil || geom == nil {
		return nil, false
	}
	return geojson.NewGeometry(geom), true
}
