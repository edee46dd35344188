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
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/celine-io/dataset-gateway/internal/sqlparse"
	"github.com/celine-io/dataset-gateway/internal/util"
)

const entryColumns = "dataset_id, title, description, backend_type, backend_config, expose, access_level, lineage, dcat"

// Store reads and writes catalogue entries in the metadata database.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// NewStore returns a Store backed by pool. table is the qualified catalogue
// table name and must be a plain identifier, it is interpolated into SQL.
func NewStore(pool *pgxpool.Pool, table string) (*Store, error) {
	if table == "" {
		table = "catalogue.dataset_entry"
	}
	if err := sqlparse.CheckIdent(table); err != nil {
		return nil, util.NewError(util.KindConfigError, "Invalid catalogue table name")
	}
	return &Store{pool: pool, table: table}, nil
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var e Entry
	err := row.Scan(&e.DatasetID, &e.Title, &e.Description, &e.BackendType,
		&e.BackendConfig, &e.Expose, &e.AccessLevel, &e.Lineage, &e.DCAT)
	return e, err
}

// Load returns the entry for datasetID, whether exposed or not.
func (s *Store) Load(ctx context.Context, datasetID string) (*Entry, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE dataset_id = $1", entryColumns, s.table)
	rows, err := s.pool.Query(ctx, q, datasetID)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Catalogue lookup failed", err)
	}
	e, err := pgx.CollectOneRow(rows, scanEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, util.NewError(util.KindNotFound, fmt.Sprintf("Dataset %q not found", datasetID))
	}
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Catalogue lookup failed", err)
	}
	return &e, nil
}

// ResolveForTables resolves every referenced logical table to its catalogue
// entry in a single batch query. A query referencing no tables, or any table
// without a catalogue entry, is rejected.
func (s *Store) ResolveForTables(ctx context.Context, tables []string) (map[string]*Entry, error) {
	if len(tables) == 0 {
		return nil, util.NewError(util.KindInvalidRequest, "Query references no tables")
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE dataset_id = ANY($1)", entryColumns, s.table)
	rows, err := s.pool.Query(ctx, q, tables)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Catalogue lookup failed", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Catalogue lookup failed", err)
	}

	byID := make(map[string]*Entry, len(entries))
	for i := range entries {
		byID[entries[i].DatasetID] = &entries[i]
	}

	var unknown []string
	for _, t := range tables {
		if _, ok := byID[t]; !ok {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, util.NewError(util.KindInvalidRequest,
			fmt.Sprintf("Unknown dataset(s): %s", strings.Join(unknown, ", ")))
	}
	return byID, nil
}

// List returns the exposed catalogue entries ordered by dataset id.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE expose ORDER BY dataset_id", entryColumns, s.table)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Catalogue listing failed", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Catalogue listing failed", err)
	}
	return entries, nil
}

// Upsert inserts or replaces the entry keyed by its dataset id.
func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	q := fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dataset_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			backend_type = EXCLUDED.backend_type,
			backend_config = EXCLUDED.backend_config,
			expose = EXCLUDED.expose,
			access_level = EXCLUDED.access_level,
			lineage = EXCLUDED.lineage,
			dcat = EXCLUDED.dcat`, s.table, entryColumns)
	_, err := s.pool.Exec(ctx, q, e.DatasetID, e.Title, e.Description, e.BackendType,
		e.BackendConfig, e.Expose, e.AccessLevel, e.Lineage, e.DCAT)
	if err != nil {
		return util.WrapError(util.KindUpstream, "Catalogue upsert failed", err)
	}
	return nil
}

// Ping verifies backend connectivity with a trivial statement.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return util.WrapError(util.KindUpstream, "Backend database unreachable", err)
	}
	return nil
}

// Column describes one column of a dataset's physical table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// TableColumns describes the physical table behind a dataset using
// information_schema, in ordinal order.
func (s *Store) TableColumns(ctx context.Context, physicalTable string) ([]Column, error) {
	schema := "public"
	name := physicalTable
	if i := strings.LastIndex(physicalTable, "."); i >= 0 {
		schema, name = physicalTable[:i], physicalTable[i+1:]
	}
	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, name)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Schema lookup failed", err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Column, error) {
		var c Column
		err := row.Scan(&c.Name, &c.DataType, &c.Nullable)
		return c, err
	})
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Schema lookup failed", err)
	}
	if len(cols) == 0 {
		return nil, util.NewError(util.KindNotFound, "Table not found in backend schema")
	}
	return cols, nil
}
