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
package rowfilter

import (
	"context"
	"fmt"
	"time"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/cache"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/sqlparse"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// DefaultPlanTTL bounds reuse of a resolved plan. The effective TTL is
// further capped by the caller's token lifetime.
const DefaultPlanTTL = 5 * time.Minute

// Engine resolves governance row-filter specs into plans, caching resolved
// plans per subject.
type Engine struct {
	registry    *Registry
	cache       *cache.TTL[*Plan]
	ttl         time.Duration
	adminGroups []string
	now         func() time.Time
}

// NewEngine returns an Engine. Members of any of adminGroups bypass row
// filtering entirely.
func NewEngine(registry *Registry, ttl time.Duration, adminGroups []string) *Engine {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	return &Engine{
		registry:    registry,
		cache:       cache.NewTTL[*Plan](0),
		ttl:         ttl,
		adminGroups: adminGroups,
		now:         time.Now,
	}
}

// PlansFor resolves the dataset's row-filter specs for user on the given
// table reference. A nil user on a filtered dataset denies: row filters only
// make sense against an identity. Handler failures also fail closed.
func (e *Engine) PlansFor(ctx context.Context, entry *catalogue.Entry, table string, user *auth.AuthenticatedUser) ([]*Plan, error) {
	specs := entry.RowFilterSpecs()
	if len(specs) == 0 {
		return nil, nil
	}

	if user == nil {
		return []*Plan{Deny(table, "unauthenticated")}, nil
	}
	if e.isAdmin(user) {
		logger, err := util.LoggerFromContext(ctx)
		if err == nil {
			logger.DebugContext(ctx, fmt.Sprintf("row filters bypassed for admin %q on %q", user.Sub, entry.DatasetID))
		}
		return nil, nil
	}

	plans := make([]*Plan, 0, len(specs))
	for _, spec := range specs {
		plan, err := e.resolve(ctx, spec, table, user)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (e *Engine) resolve(ctx context.Context, spec catalogue.FilterSpec, table string, user *auth.AuthenticatedUser) (*Plan, error) {
	handler, err := e.registry.Lookup(spec.Handler)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%s|%s", spec.Handler, table, user.Sub, canonicalArgs(spec.Args))
	if plan, ok := e.cache.Get(key); ok {
		return plan, nil
	}

	plan, err := handler.Resolve(ctx, Request{Table: table, User: user, Args: spec.Args})
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, util.NewError(util.KindConfigError, fmt.Sprintf("Row filter handler %q produced no plan", spec.Handler))
	}

	e.cache.Set(key, plan, e.effectiveTTL(user))
	return plan, nil
}

func (e *Engine) isAdmin(user *auth.AuthenticatedUser) bool {
	for _, g := range e.adminGroups {
		if user.HasGroup(g) {
			return true
		}
	}
	return false
}

// effectiveTTL caps the configured TTL by the token's remaining lifetime so
// a cached plan never outlives the credentials that produced it.
func (e *Engine) effectiveTTL(user *auth.AuthenticatedUser) time.Duration {
	ttl := e.ttl
	if !user.ExpiresAt.IsZero() {
		if remaining := user.ExpiresAt.Sub(e.now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// Apply rewrites parsed in place with the resolved plans. Any deny plan
// short-circuits to an always-empty result; predicate plans conjoin onto
// every occurrence of their table.
func Apply(parsed *sqlparse.ParsedSQL, plans []*Plan) {
	var preds []sqlparse.TablePredicate
	for _, p := range plans {
		if p.Kind == KindDeny {
			parsed.ApplyDeny()
			return
		}
		preds = append(preds, sqlparse.TablePredicate{Table: p.Table, Expr: p.Predicate})
	}
	parsed.ApplyPredicates(preds)
}
