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
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/policy"
	"github.com/celine-io/dataset-gateway/internal/rowfilter"
	"github.com/celine-io/dataset-gateway/internal/util"
)

type stubResolver struct {
	entries map[string]*catalogue.Entry
}

func (s *stubResolver) ResolveForTables(ctx context.Context, tables []string) (map[string]*catalogue.Entry, error) {
	out := make(map[string]*catalogue.Entry, len(tables))
	for _, t := range tables {
		e, ok := s.entries[t]
		if !ok {
			return nil, util.Invalidf("Unknown dataset %q", t)
		}
		out[t] = e
	}
	return out, nil
}

type stubRunner struct {
	sql   string
	rows  []map[string]any
	total int64
}

func (r *stubRunner) FetchPage(ctx context.Context, sql string, limit, offset int) ([]map[string]any, error) {
	r.sql = sql
	return r.rows, nil
}

func (r *stubRunner) CountTotal(ctx context.Context, sql string) (int64, error) {
	return r.total, nil
}

func filteredEntry(id, physical string) *catalogue.Entry {
	return &catalogue.Entry{
		DatasetID:     id,
		BackendType:   catalogue.BackendPostgres,
		BackendConfig: map[string]any{"table": physical},
		Expose:        true,
		AccessLevel:   "open",
		Lineage: map[string]any{
			"facets": map[string]any{
				"governance": map[string]any{
					"rowFilters": []any{
						map[string]any{
							"handler": "direct_user_match",
							"args":    map[string]any{"column": "owner_sub"},
						},
					},
				},
			},
		},
	}
}

func newTestService(t *testing.T, entries map[string]*catalogue.Entry, runner *stubRunner) *Service {
	t.Helper()
	registry, err := rowfilter.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return NewService(
		&stubResolver{entries: entries},
		policy.NewGate(nil, true, "test"),
		rowfilter.NewEngine(registry, time.Minute, nil),
		runner,
		noop.NewTracerProvider().Tracer("test"),
	)
}

func TestServiceRunRewritesBeforeExecution(t *testing.T) {
	runner := &stubRunner{rows: []map[string]any{{"id": int64(1)}}, total: 40}
	svc := newTestService(t, map[string]*catalogue.Entry{
		"ds_meters": filteredEntry("ds_meters", "public.t"),
	}, runner)
	alice := &auth.AuthenticatedUser{Sub: "alice"}

	res, err := svc.Run(context.Background(), alice, Request{SQL: "SELECT id FROM ds_meters WHERE value > 0"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The executed statement references only the physical relation, and the
	// injected filter is qualified against it.
	if strings.Contains(runner.sql, "ds_meters") {
		t.Errorf("logical name reached the executor: %s", runner.sql)
	}
	if !strings.Contains(runner.sql, "public.t") {
		t.Errorf("physical table missing: %s", runner.sql)
	}
	if !strings.Contains(runner.sql, "t.owner_sub = 'alice'") {
		t.Errorf("row filter not bound to the physical relation: %s", runner.sql)
	}

	if res.Count != 1 || res.Total != 40 {
		t.Errorf("result = %+v", res)
	}
	if res.Limit != DefaultLimit || res.Offset != 0 {
		t.Errorf("pagination defaults not applied: %+v", res)
	}
}

func TestServiceRunRepeatedRequestsStayValid(t *testing.T) {
	// The second run consumes the cached plan; the rewrite must produce the
	// same statement, not a plan rebound to the previous request's tables.
	runner := &stubRunner{}
	svc := newTestService(t, map[string]*catalogue.Entry{
		"ds_meters": filteredEntry("ds_meters", "public.t"),
	}, runner)
	alice := &auth.AuthenticatedUser{Sub: "alice"}

	var first string
	for i := 0; i < 2; i++ {
		if _, err := svc.Run(context.Background(), alice, Request{SQL: "SELECT id FROM ds_meters"}); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if i == 0 {
			first = runner.sql
			continue
		}
		if runner.sql != first {
			t.Errorf("rewrite drifted between runs:\nfirst:  %s\nsecond: %s", first, runner.sql)
		}
	}
	if !strings.Contains(first, "t.owner_sub = 'alice'") {
		t.Errorf("row filter missing: %s", first)
	}
}

func TestServiceRunAnonymousFilteredDatasetDenied(t *testing.T) {
	runner := &stubRunner{}
	svc := newTestService(t, map[string]*catalogue.Entry{
		"ds_meters": filteredEntry("ds_meters", "public.t"),
	}, runner)

	res, err := svc.Run(context.Background(), nil, Request{SQL: "SELECT id FROM ds_meters"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(strings.ToLower(runner.sql), "false") {
		t.Errorf("anonymous access to a filtered dataset not denied: %s", runner.sql)
	}
	if res.Count != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestServiceRunUnknownDataset(t *testing.T) {
	svc := newTestService(t, map[string]*catalogue.Entry{}, &stubRunner{})
	_, err := svc.Run(context.Background(), nil, Request{SQL: "SELECT id FROM nope"})
	if ge, ok := util.AsGatewayError(err); !ok || ge.Kind != util.KindInvalidRequest {
		t.Fatalf("err = %v, want invalid request", err)
	}
}

func TestServiceRunNonExposedDataset(t *testing.T) {
	entry := filteredEntry("ds_meters", "public.t")
	entry.Expose = false
	svc := newTestService(t, map[string]*catalogue.Entry{"ds_meters": entry}, &stubRunner{})

	alice := &auth.AuthenticatedUser{Sub: "alice"}
	_, err := svc.Run(context.Background(), alice, Request{SQL: "SELECT id FROM ds_meters"})
	if ge, ok := util.AsGatewayError(err); !ok || ge.Kind != util.KindForbidden {
		t.Fatalf("err = %v, want forbidden", err)
	}
}
