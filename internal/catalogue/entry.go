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

// Package catalogue resolves logical dataset identifiers to catalogue
// entries and their physical tables.
package catalogue

import (
	"strings"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// BackendPostgres is the only backend type queryable through the gateway.
const BackendPostgres = "postgres"

// Entry is a catalogue record describing one logical dataset. It is loaded
// read-only per request; the dataset_id is unique and immutable.
type Entry struct {
	DatasetID     string         `json:"dataset_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	BackendType   string         `json:"backend_type"`
	BackendConfig map[string]any `json:"backend_config,omitempty"`
	Expose        bool           `json:"expose"`
	AccessLevel   string         `json:"access_level"`
	Lineage       map[string]any `json:"lineage,omitempty"`
	DCAT          map[string]any `json:"dcat,omitempty"`
}

// PhysicalTable returns the backing table for a postgres dataset. A postgres
// entry without a table mapping is a configuration error, not a fallback.
func (e *Entry) PhysicalTable() (string, error) {
	if e.BackendType != BackendPostgres {
		return "", util.NewError(util.KindInvalidRequest, "Querying only supported for postgres backend")
	}
	table, _ := e.BackendConfig["table"].(string)
	if table == "" {
		return "", util.NewError(util.KindConfigError, "Dataset missing backend table definition")
	}
	return table, nil
}

// governance returns the governance facet, or an empty map.
func (e *Entry) governance() map[string]any {
	facets, _ := e.Lineage["facets"].(map[string]any)
	gov, _ := facets["governance"].(map[string]any)
	if gov == nil {
		return map[string]any{}
	}
	return gov
}

// Namespace returns the lineage namespace when present.
func (e *Entry) Namespace() string {
	ns, _ := e.Lineage["namespace"].(string)
	return ns
}

// GovernanceAttrs returns governance attributes for policy input.
// Keys starting with an underscore are internal and stripped.
func (e *Entry) GovernanceAttrs() map[string]any {
	gov := e.governance()
	if len(gov) == 0 {
		return nil
	}
	out := make(map[string]any, len(gov))
	for k, v := range gov {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// FilterSpec is one ordered row-filter declaration from governance metadata.
// Specs are opaque here; their validity is a handler concern.
type FilterSpec struct {
	Handler string
	Args    map[string]any
}

// RowFilterSpecs returns the dataset's ordered row-filter specs.
// Both rowFilters and row_filters keys are honoured, and the legacy
// userFilterColumn key is migrated to a direct_user_match spec.
func (e *Entry) RowFilterSpecs() []FilterSpec {
	gov := e.governance()

	var specs []FilterSpec
	raw, ok := gov["rowFilters"].([]any)
	if !ok {
		raw, _ = gov["row_filters"].([]any)
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		handler, _ := m["handler"].(string)
		if handler == "" {
			continue
		}
		args, _ := m["args"].(map[string]any)
		specs = append(specs, FilterSpec{Handler: handler, Args: args})
	}

	legacyCol, _ := gov["userFilterColumn"].(string)
	if legacyCol == "" {
		legacyCol, _ = gov["user_filter_column"].(string)
	}
	if legacyCol != "" {
		specs = append(specs, FilterSpec{
			Handler: "direct_user_match",
			Args:    map[string]any{"column": legacyCol},
		})
	}

	return specs
}
