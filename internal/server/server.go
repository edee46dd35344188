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
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/log"
	"github.com/celine-io/dataset-gateway/internal/policy"
	"github.com/celine-io/dataset-gateway/internal/query"
	"github.com/celine-io/dataset-gateway/internal/rowfilter"
	"github.com/celine-io/dataset-gateway/internal/sources/postgres"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// catalogueStore is the slice of the catalogue store the handlers consume;
// *catalogue.Store satisfies it.
type catalogueStore interface {
	Load(ctx context.Context, datasetID string) (*catalogue.Entry, error)
	List(ctx context.Context) ([]catalogue.Entry, error)
	TableColumns(ctx context.Context, physical string) ([]catalogue.Column, error)
	Upsert(ctx context.Context, entry *catalogue.Entry) error
	Ping(ctx context.Context) error
}

// Server is a running gateway instance. Instantiate with NewServer.
type Server struct {
	version  string
	srv      *http.Server
	listener net.Listener
	root     chi.Router
	logger   log.Logger

	conf     Config
	store    catalogueStore
	verifier *auth.Verifier
	gate     *policy.Gate
	service  *query.Service
	tracer   trace.Tracer
}

// NewServer wires the pipeline from an initialized backend source and
// returns a Server ready to Listen.
func NewServer(ctx context.Context, cfg Config, source *postgres.Source, logger log.Logger) (*Server, error) {
	tracer := otel.Tracer("github.com/celine-io/dataset-gateway")

	store, err := catalogue.NewStore(source.Pool, cfg.Catalogue.Table)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	var engine policy.Engine
	if !cfg.Policy.Disabled {
		engine = policy.NewCached(policy.NewOPA(cfg.Policy.OPAConfig), cfg.Policy.DecisionTTL)
	}
	gate := policy.NewGate(engine, cfg.Policy.Disabled, "dataset-gateway")

	registry, err := rowfilter.NewRegistry(cfg.RowFilters.Plugins)
	if err != nil {
		return nil, err
	}
	filters := rowfilter.NewEngine(registry, cfg.RowFilters.PlanTTL, cfg.RowFilters.AdminGroups)

	executor := query.NewExecutor(source.Pool, cfg.Query.StatementTimeoutMS)
	service := query.NewService(store, gate, filters, executor, tracer)

	s := &Server{
		version:  cfg.Version,
		conf:     cfg,
		logger:   logger,
		store:    store,
		verifier: verifier,
		gate:     gate,
		service:  service,
		tracer:   tracer,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(util.WithLogger(req.Context(), logger)))
		})
	})
	r.Mount("/", apiRouter(s))
	s.root = r

	return s, nil
}

// Listen starts listening on the configured address.
func (s *Server) Listen(ctx context.Context) error {
	if s.listener != nil {
		return fmt.Errorf("server is already listening: %s", s.listener.Addr().String())
	}
	addr := net.JoinHostPort(s.conf.Address, strconv.Itoa(s.conf.Port))
	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	var err error
	if s.listener, err = lc.Listen(ctx, "tcp", addr); err != nil {
		return fmt.Errorf("failed to open listener for %q: %w", addr, err)
	}
	s.logger.DebugContext(ctx, fmt.Sprintf("server listening on %s", addr))
	return nil
}

// Serve serves HTTP requests until Shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.InfoContext(ctx, fmt.Sprintf("dataset gateway %s ready", s.version))
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}
	s.srv = &http.Server{Handler: s.root}
	return s.srv.Serve(s.listener)
}

// Shutdown gracefully drains the server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.DebugContext(ctx, "shutting down")
	defer s.verifier.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
