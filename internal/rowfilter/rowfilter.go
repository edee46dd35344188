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

// Package rowfilter resolves per-dataset row-level security predicates from
// governance metadata and applies them to validated query trees.
package rowfilter

import (
	"context"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/celine-io/dataset-gateway/internal/auth"
)

// Kind discriminates how a resolved plan constrains the query.
type Kind string

const (
	// KindPredicate conjoins a boolean predicate onto the table.
	KindPredicate Kind = "predicate"
	// KindDeny forces the whole query to return zero rows.
	KindDeny Kind = "deny"
)

// Plan is a resolved row-filter outcome for one table occurrence.
type Plan struct {
	Table     string
	Kind      Kind
	Predicate *pg_query.Node
	// Handler names the producing handler, for logs and audit.
	Handler string
}

// Deny returns a deny plan for table produced by handler.
func Deny(table, handler string) *Plan {
	return &Plan{Table: table, Kind: KindDeny, Handler: handler}
}

// Request carries everything a handler may need to resolve its predicate.
type Request struct {
	// Table is the logical dataset id as referenced in the query.
	Table string
	User  *auth.AuthenticatedUser
	Args  map[string]any
}

// Handler resolves one row-filter spec into a plan. Handlers must be safe
// for concurrent use; a handler error fails the whole request closed.
type Handler interface {
	// Name is the handler key used in governance metadata.
	Name() string
	Resolve(ctx context.Context, req Request) (*Plan, error)
}
