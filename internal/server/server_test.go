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
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/policy"
	"github.com/celine-io/dataset-gateway/internal/util"
)

const minimalConfig = `
source:
  host: 127.0.0.1
  port: "5432"
  user: gateway
  password: ${TEST_GATEWAY_DB_PASSWORD}
  database: datasets
auth:
  jwksUrl: https://idp.example.org/realms/main/protocol/openid-connect/certs
  issuer: https://idp.example.org/realms/main
  clientId: dataset-gateway
`

func TestParseConfig(t *testing.T) {
	t.Setenv("TEST_GATEWAY_DB_PASSWORD", "s3cret")

	cfg, err := ParseConfig([]byte(minimalConfig), "test")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Source.Password != "s3cret" {
		t.Errorf("env expansion failed: %q", cfg.Source.Password)
	}
	if cfg.Address != "127.0.0.1" || cfg.Port != 5000 {
		t.Errorf("defaults not applied: %s:%d", cfg.Address, cfg.Port)
	}
	if cfg.LogLevel != "info" || cfg.LoggingFormat != "standard" {
		t.Errorf("logging defaults not applied: %s %s", cfg.LogLevel, cfg.LoggingFormat)
	}
	if cfg.Version != "test" {
		t.Errorf("version = %q", cfg.Version)
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	raw := minimalConfig + "\nnotAField: true\n"
	if _, err := ParseConfig([]byte(raw), "test"); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseConfigRejectsBadLogLevel(t *testing.T) {
	raw := "logLevel: loud\n" + minimalConfig
	if _, err := ParseConfig([]byte(raw), "test"); err == nil {
		t.Fatal("invalid log level accepted")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("TEST_GATEWAY_DB_PASSWORD", "s3cret")

	raw := "address: 0.0.0.0\nport: 8080\nlogLevel: debug\nloggingFormat: json\n" + minimalConfig
	cfg, err := ParseConfig([]byte(raw), "test")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Address != "0.0.0.0" || cfg.Port != 8080 || cfg.LogLevel != "debug" || cfg.LoggingFormat != "json" {
		t.Errorf("explicit values overridden by defaults: %+v", cfg)
	}
}

func TestExpandEnvUnsetIsEmpty(t *testing.T) {
	got := expandEnv([]byte("value: ${DEFINITELY_NOT_SET_XYZ}"))
	if string(got) != "value: " {
		t.Errorf("expandEnv = %q", got)
	}
}

func TestRenderErrorStatusMapping(t *testing.T) {
	tcs := []struct {
		err        error
		wantStatus int
	}{
		{util.NewError(util.KindInvalidRequest, "bad"), http.StatusBadRequest},
		{util.NewError(util.KindUnauthenticated, "who"), http.StatusUnauthorized},
		{util.NewError(util.KindForbidden, "no"), http.StatusForbidden},
		{util.NewError(util.KindNotFound, "gone"), http.StatusNotFound},
		{util.NewError(util.KindConfigError, "broken"), http.StatusInternalServerError},
		{util.NewError(util.KindUpstream, "down"), http.StatusServiceUnavailable},
	}
	for _, tc := range tcs {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		renderError(w, r, tc.err)
		if w.Code != tc.wantStatus {
			t.Errorf("status for %v = %d, want %d", tc.err, w.Code, tc.wantStatus)
		}
		var body struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid error body: %v", err)
		}
		if body.Error == "" || body.Status == "" {
			t.Errorf("error body incomplete: %s", w.Body.String())
		}
	}
}

func TestRenderErrorWrapsUnknownErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	renderError(w, r, errors.New("pool exhausted"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "pool exhausted") {
		t.Errorf("internal error detail leaked: %s", w.Body.String())
	}
}

func TestQueryHandlerRejectsBadBodies(t *testing.T) {
	s := &Server{}
	h := queryHandler(s)

	t.Run("invalid json", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader("{not json"))
		h(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("missing sql field", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"limit": 5}`))
		h(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("legacy field name rejected", func(t *testing.T) {
		// The statement travels in "sql"; other keys do not carry it.
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query": "SELECT 1 FROM x"}`))
		h(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

type stubStore struct {
	entries map[string]*catalogue.Entry
	columns []catalogue.Column
	pingErr error
	upserts []*catalogue.Entry
}

func (s *stubStore) Load(ctx context.Context, datasetID string) (*catalogue.Entry, error) {
	if e, ok := s.entries[datasetID]; ok {
		return e, nil
	}
	return nil, util.NewError(util.KindNotFound, fmt.Sprintf("Dataset %q not found", datasetID))
}

func (s *stubStore) List(ctx context.Context) ([]catalogue.Entry, error) {
	var out []catalogue.Entry
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (s *stubStore) TableColumns(ctx context.Context, physical string) ([]catalogue.Column, error) {
	return s.columns, nil
}

func (s *stubStore) Upsert(ctx context.Context, entry *catalogue.Entry) error {
	s.upserts = append(s.upserts, entry)
	return nil
}

func (s *stubStore) Ping(ctx context.Context) error { return s.pingErr }

func TestHealthHandler(t *testing.T) {
	store := &stubStore{}
	s := &Server{version: "test", store: store}
	h := healthHandler(s)

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body.Status != "ready" {
		t.Errorf("status = %q, want ready", body.Status)
	}

	store.pingErr = errors.New("connection refused")
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func schemaRequest(t *testing.T, s *Server, datasetID string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/catalogue/{datasetID}/schema", schemaHandler(s))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/catalogue/"+datasetID+"/schema", nil))
	return w
}

func TestSchemaHandler(t *testing.T) {
	store := &stubStore{
		entries: map[string]*catalogue.Entry{
			"aq": {
				DatasetID:     "aq",
				BackendType:   catalogue.BackendPostgres,
				BackendConfig: map[string]any{"table": "public.air_quality"},
				Expose:        true,
				AccessLevel:   "open",
			},
			"hidden": {
				DatasetID:     "hidden",
				BackendType:   catalogue.BackendPostgres,
				BackendConfig: map[string]any{"table": "public.secret"},
				AccessLevel:   "open",
			},
		},
		columns: []catalogue.Column{{Name: "id", DataType: "bigint"}},
	}
	s := &Server{store: store, gate: policy.NewGate(nil, true, "test")}

	t.Run("exposed dataset", func(t *testing.T) {
		w := schemaRequest(t, s, "aq")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"name":"id"`) {
			t.Errorf("columns missing: %s", w.Body.String())
		}
	})

	t.Run("non-exposed dataset looks absent", func(t *testing.T) {
		w := schemaRequest(t, s, "hidden")
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404: %s", w.Code, w.Body.String())
		}
	})

	t.Run("unknown dataset", func(t *testing.T) {
		w := schemaRequest(t, s, "nope")
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestAdminUpsertHandlerGroups(t *testing.T) {
	store := &stubStore{entries: map[string]*catalogue.Entry{}}
	s := &Server{store: store}
	s.conf.RowFilters.AdminGroups = []string{"data-admins", "platform-ops"}
	h := adminUpsertHandler(s)

	post := func(user *auth.AuthenticatedUser) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/admin/catalogue",
			strings.NewReader(`{"dataset_id": "aq", "backend_type": "postgres"}`))
		if user != nil {
			r = r.WithContext(auth.WithUser(r.Context(), user))
		}
		h(w, r)
		return w
	}

	if w := post(nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	if w := post(&auth.AuthenticatedUser{Sub: "u", Groups: []string{"/staff"}}); w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", w.Code)
	}
	// Any configured admin group grants access.
	if w := post(&auth.AuthenticatedUser{Sub: "u", Groups: []string{"/platform-ops"}}); w.Code != http.StatusCreated {
		t.Errorf("admin status = %d, want 201", w.Code)
	}
	if len(store.upserts) != 1 || store.upserts[0].DatasetID != "aq" {
		t.Errorf("upserts = %+v", store.upserts)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := requestID(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("request id not generated")
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "given-id")
	h.ServeHTTP(w, r)
	if got := w.Header().Get("X-Request-Id"); got != "given-id" {
		t.Errorf("request id = %q, want given-id", got)
	}
}
