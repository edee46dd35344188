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
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// sqlstateQueryCanceled is raised when statement_timeout fires.
const sqlstateQueryCanceled = "57014"

// DefaultStatementTimeoutMS bounds each governed statement server-side.
const DefaultStatementTimeoutMS = 2000

// Executor runs rewritten statements on the backend pool. Every statement
// runs in its own transaction so the statement_timeout never leaks onto a
// pooled connection.
type Executor struct {
	pool      *pgxpool.Pool
	timeoutMS int
}

// NewExecutor returns an Executor. Non-positive timeout uses the default.
func NewExecutor(pool *pgxpool.Pool, timeoutMS int) *Executor {
	if timeoutMS <= 0 {
		timeoutMS = DefaultStatementTimeoutMS
	}
	return &Executor{pool: pool, timeoutMS: timeoutMS}
}

// FetchPage runs the rewritten statement wrapped with pagination and returns
// the rows as generic records. The caller's SQL is already validated and
// deparsed; limit and offset bind as parameters.
func (e *Executor) FetchPage(ctx context.Context, sql string, limit, offset int) ([]map[string]any, error) {
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT $1 OFFSET $2", sql)

	var items []map[string]any
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, wrapped, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return err
			}
			record := make(map[string]any, len(fields))
			for i, fd := range fields {
				record[fd.Name] = normaliseValue(values[i])
			}
			items = append(items, record)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return resolveRawGeometries(ctx, tx, items)
	})
	if err != nil {
		return nil, translateDBError(err)
	}
	if items == nil {
		items = []map[string]any{}
	}
	return items, nil
}

// CountTotal returns the total row count of the rewritten statement,
// ignoring pagination.
func (e *Executor) CountTotal(ctx context.Context, sql string) (int64, error) {
	wrapped := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS q", sql)

	var total int64
	err := e.inTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, wrapped).Scan(&total)
	})
	if err != nil {
		return 0, translateDBError(err)
	}
	return total, nil
}

func (e *Executor) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// SET LOCAL scopes the timeout to this transaction only.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", e.timeoutMS)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// resolveRawGeometries asks the backend to render geometry values that the
// local EWKB decoder could not handle, still inside the same transaction.
// Failures leave the raw hex in place rather than failing the page.
func resolveRawGeometries(ctx context.Context, tx pgx.Tx, items []map[string]any) error {
	rendered := map[rawGeometry]any{}
	for _, record := range items {
		for key, value := range record {
			raw, ok := value.(rawGeometry)
			if !ok {
				continue
			}
			out, seen := rendered[raw]
			if !seen {
				out = renderGeometry(ctx, tx, raw)
				rendered[raw] = out
			}
			record[key] = out
		}
	}
	return nil
}

// renderGeometry runs ST_AsGeoJSON under a savepoint so a rejected value
// cannot abort the surrounding transaction.
func renderGeometry(ctx context.Context, tx pgx.Tx, raw rawGeometry) any {
	inner, err := tx.Begin(ctx)
	if err != nil {
		return string(raw)
	}
	var js string
	if err := inner.QueryRow(ctx, "SELECT ST_AsGeoJSON($1::geometry)", string(raw)).Scan(&js); err != nil {
		_ = inner.Rollback(ctx)
		return string(raw)
	}
	if err := inner.Commit(ctx); err != nil {
		return string(raw)
	}
	return json.RawMessage(js)
}

// translateDBError maps backend failures onto client-facing errors without
// echoing backend internals. A timeout is the caller's problem; anything
// else surfaces as a generic query failure.
func translateDBError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateQueryCanceled {
		return util.NewError(util.KindInvalidRequest, "Query exceeded time limit")
	}
	return util.WrapError(util.KindInvalidRequest, "Database query failed", err)
}
