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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/rowfilter"
	"github.com/celine-io/dataset-gateway/internal/sqlparse"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// Request is a governed query as submitted by the client.
type Request struct {
	SQL    string `json:"sql"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Result is one page of governed query results.
type Result struct {
	Items  []map[string]any `json:"items"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
	Count  int              `json:"count"`
	Total  int64            `json:"total"`
}

// The pipeline stages are consumed through narrow interfaces so each stage
// can be substituted in tests. The production types (catalogue.Store,
// policy.Gate, rowfilter.Engine, Executor) satisfy them.

// Resolver maps referenced logical tables to catalogue entries.
type Resolver interface {
	ResolveForTables(ctx context.Context, tables []string) (map[string]*catalogue.Entry, error)
}

// Gate decides dataset-level access for the requesting identity.
type Gate interface {
	Enforce(ctx context.Context, user *auth.AuthenticatedUser, entry *catalogue.Entry) error
}

// Planner resolves governance row-filter specs into plans.
type Planner interface {
	PlansFor(ctx context.Context, entry *catalogue.Entry, table string, user *auth.AuthenticatedUser) ([]*rowfilter.Plan, error)
}

// Runner executes the rewritten statement against the backend.
type Runner interface {
	FetchPage(ctx context.Context, sql string, limit, offset int) ([]map[string]any, error)
	CountTotal(ctx context.Context, sql string) (int64, error)
}

// Service runs the full pipeline for a governed query.
type Service struct {
	store    Resolver
	gate     Gate
	filters  Planner
	executor Runner
	tracer   trace.Tracer
}

// NewService wires the pipeline stages together.
func NewService(store Resolver, gate Gate, filters Planner, executor Runner, tracer trace.Tracer) *Service {
	return &Service{store: store, gate: gate, filters: filters, executor: executor, tracer: tracer}
}

// Run validates, authorises, rewrites and executes one query. Stages run in
// a fixed order so authentication failures surface before any policy or
// backend traffic. The tree is rewritten to physical tables before row
// filters are applied, so injected qualifiers always name a relation that
// exists in the final statement.
func (s *Service) Run(ctx context.Context, user *auth.AuthenticatedUser, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "dataset-gateway/query")
	defer span.End()
	start := time.Now()

	parsed, err := sqlparse.Parse(req.SQL)
	if err != nil {
		return nil, err
	}
	tables := parsed.ReferencedTables

	entries, err := s.store.ResolveForTables(ctx, tables)
	if err != nil {
		return nil, err
	}

	mapping := make(map[string]string, len(tables))
	var plans []*rowfilter.Plan
	for _, table := range tables {
		entry := entries[table]
		if err := s.gate.Enforce(ctx, user, entry); err != nil {
			return nil, err
		}
		physical, err := entry.PhysicalTable()
		if err != nil {
			return nil, err
		}
		mapping[table] = physical

		tablePlans, err := s.filters.PlansFor(ctx, entry, table, user)
		if err != nil {
			return nil, err
		}
		plans = append(plans, tablePlans...)
	}

	parsed.SubstituteTables(mapping)
	rowfilter.Apply(parsed, remapPlans(plans, mapping))

	sql, err := parsed.Deparse()
	if err != nil {
		return nil, err
	}

	limit := ClampLimit(req.Limit)
	offset := ClampOffset(req.Offset)

	items, err := s.executor.FetchPage(ctx, sql, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.executor.CountTotal(ctx, sql)
	if err != nil {
		return nil, err
	}

	if logger, lgErr := util.LoggerFromContext(ctx); lgErr == nil {
		logger.InfoContext(ctx, fmt.Sprintf("query over %d dataset(s) returned %d/%d rows in %s",
			len(tables), len(items), total, time.Since(start).Round(time.Millisecond)))
	}

	return &Result{
		Items:  items,
		Limit:  limit,
		Offset: offset,
		Count:  len(items),
		Total:  total,
	}, nil
}

// remapPlans rebinds each plan from its logical table to the physical table
// the substitution put in the tree. Plans may be shared through the engine's
// cache, so the rebinding works on copies.
func remapPlans(plans []*rowfilter.Plan, mapping map[string]string) []*rowfilter.Plan {
	out := make([]*rowfilter.Plan, len(plans))
	for i, p := range plans {
		cp := *p
		if phys, ok := mapping[cp.Table]; ok {
			cp.Table = phys
		}
		out[i] = &cp
	}
	return out
}
