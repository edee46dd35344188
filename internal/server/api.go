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
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/query"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// apiRouter builds the gateway's route tree.
func apiRouter(s *Server) chi.Router {
	r := chi.NewRouter()

	httpLogger := &httplog.Logger{
		Logger:  s.logger.SlogLogger(),
		Options: httplog.Options{Concise: true},
	}
	r.Use(requestID)
	r.Use(httplog.RequestLogger(httpLogger))
	r.Use(auth.Middleware(s.verifier, renderError))

	r.Get("/health", healthHandler(s))
	r.Get("/catalogue", catalogueHandler(s))
	r.Get("/catalogue/{datasetID}/schema", schemaHandler(s))

	r.Route("/query", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/", queryHandler(s))
	})
	r.Route("/admin/catalogue", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/", adminUpsertHandler(s))
	})

	return r
}

// requestID tags each request with a unique id for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func queryHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req query.Request
		if err := util.DecodeJSON(r.Body, &req); err != nil {
			renderError(w, r, util.NewError(util.KindInvalidRequest, "Invalid request body"))
			return
		}
		if req.SQL == "" {
			renderError(w, r, util.NewError(util.KindInvalidRequest, "Missing sql"))
			return
		}
		result, err := s.service.Run(r.Context(), auth.UserFromContext(r.Context()), req)
		if err != nil {
			renderError(w, r, err)
			return
		}
		render.JSON(w, r, result)
	}
}

// catalogueListing is the public view of an entry: backend details stay
// internal.
type catalogueListing struct {
	DatasetID   string         `json:"dataset_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	AccessLevel string         `json:"access_level"`
	DCAT        map[string]any `json:"dcat,omitempty"`
}

func catalogueHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.store.List(r.Context())
		if err != nil {
			renderError(w, r, err)
			return
		}
		listings := make([]catalogueListing, len(entries))
		for i, e := range entries {
			listings[i] = catalogueListing{
				DatasetID:   e.DatasetID,
				Title:       e.Title,
				Description: e.Description,
				AccessLevel: e.AccessLevel,
				DCAT:        e.DCAT,
			}
		}
		render.JSON(w, r, map[string]any{"items": listings, "count": len(listings)})
	}
}

func schemaHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID := chi.URLParam(r, "datasetID")
		entry, err := s.store.Load(r.Context(), datasetID)
		if err != nil {
			renderError(w, r, err)
			return
		}
		// A non-exposed dataset is indistinguishable from an absent one here,
		// so its existence does not leak through this endpoint.
		if !entry.Expose {
			renderError(w, r, util.NewError(util.KindNotFound, fmt.Sprintf("Dataset %q not found", datasetID)))
			return
		}
		if err := s.gate.Enforce(r.Context(), auth.UserFromContext(r.Context()), entry); err != nil {
			renderError(w, r, err)
			return
		}
		physical, err := entry.PhysicalTable()
		if err != nil {
			renderError(w, r, err)
			return
		}
		cols, err := s.store.TableColumns(r.Context(), physical)
		if err != nil {
			renderError(w, r, err)
			return
		}
		render.JSON(w, r, map[string]any{"dataset_id": datasetID, "columns": cols})
	}
}

func healthHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]any{"status": "unhealthy"})
			return
		}
		render.JSON(w, r, map[string]any{"status": "ready", "version": s.version})
	}
}

func adminUpsertHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		if user == nil {
			renderError(w, r, util.NewError(util.KindUnauthenticated, "Authentication required"))
			return
		}
		if !inAnyGroup(user, s.conf.RowFilters.AdminGroups) {
			renderError(w, r, util.NewError(util.KindForbidden, "Catalogue administration requires an admin group"))
			return
		}

		var entry catalogue.Entry
		if err := util.DecodeJSON(r.Body, &entry); err != nil {
			renderError(w, r, util.NewError(util.KindInvalidRequest, "Invalid request body"))
			return
		}
		if entry.DatasetID == "" || entry.BackendType == "" {
			renderError(w, r, util.NewError(util.KindInvalidRequest, "dataset_id and backend_type are required"))
			return
		}
		converted, err := util.ConvertNumbers(map[string]any{
			"backend_config": entry.BackendConfig,
			"lineage":        entry.Lineage,
			"dcat":           entry.DCAT,
		})
		if err == nil {
			m := converted.(map[string]any)
			entry.BackendConfig, _ = m["backend_config"].(map[string]any)
			entry.Lineage, _ = m["lineage"].(map[string]any)
			entry.DCAT, _ = m["dcat"].(map[string]any)
		}

		if err := s.store.Upsert(r.Context(), &entry); err != nil {
			renderError(w, r, err)
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, map[string]any{"dataset_id": entry.DatasetID, "status": "stored"})
	}
}

func inAnyGroup(user *auth.AuthenticatedUser, groups []string) bool {
	for _, g := range groups {
		if user.HasGroup(g) {
			return true
		}
	}
	return false
}

// errResponse is the uniform error body. It implements render.Renderer so
// the status code and payload always travel together.
type errResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

// renderError translates any pipeline error into the uniform error body.
// This is the single place where error kinds become HTTP status codes.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	ge, ok := util.AsGatewayError(err)
	if !ok {
		ge = util.WrapError(util.KindConfigError, "Internal server error", err)
	}
	if logger, lgErr := util.LoggerFromContext(r.Context()); lgErr == nil && ge.HTTPStatus() >= 500 {
		logger.ErrorContext(r.Context(), fmt.Sprintf("request failed: %v", err))
	}
	_ = render.Render(w, r, &errResponse{
		HTTPStatusCode: ge.HTTPStatus(),
		StatusText:     http.StatusText(ge.HTTPStatus()),
		ErrorText:      ge.Message,
	})
}
