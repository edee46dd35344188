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

// Package postgres connects the gateway to its PostgreSQL/PostGIS backend.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
)

const SourceKind string = "postgres"

// Config holds backend database connection settings.
type Config struct {
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password" validate:"required"`
	Database string `yaml:"database" validate:"required"`
	// SSLMode is a shortcut for the sslmode query parameter (disable,
	// require, verify-full …). QueryParams wins when both set it.
	SSLMode     string            `yaml:"sslmode"`
	QueryParams map[string]string `yaml:"queryParams"`
	MinConns    int32             `yaml:"minConns"`
	MaxConns    int32             `yaml:"maxConns"`
}

// Source is an initialized connection pool to the backend database.
type Source struct {
	Pool *pgxpool.Pool
}

// Initialize builds the pool and verifies connectivity with a ping.
func (c Config) Initialize(ctx context.Context, tracer trace.Tracer) (*Source, error) {
	ctx, span := tracer.Start(ctx, "dataset-gateway/source/connect")
	defer span.End()

	qp := make(map[string]string, len(c.QueryParams)+1)
	for k, v := range c.QueryParams {
		qp[k] = v
	}
	if c.SSLMode != "" {
		if _, ok := qp["sslmode"]; !ok {
			qp["sslmode"] = c.SSLMode
		}
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%s", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: convertParamMapToRawQuery(qp),
	}
	poolCfg, err := pgxpool.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection config: %w", err)
	}
	if c.MinConns > 0 {
		poolCfg.MinConns = c.MinConns
	}
	if c.MaxConns > 0 {
		poolCfg.MaxConns = c.MaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect successfully: %w", err)
	}
	return &Source{Pool: pool}, nil
}

func convertParamMapToRawQuery(queryParams map[string]string) string {
	if len(queryParams) == 0 {
		return ""
	}
	keys := make([]string, 0, len(queryParams))
	for k := range queryParams {
		if queryParams[k] != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Set(k, queryParams[k])
	}
	return values.Encode()
}
