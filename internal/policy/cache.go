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
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/celine-io/dataset-gateway/internal/cache"
)

// DefaultDecisionTTL bounds how long a policy decision may be reused.
const DefaultDecisionTTL = 5 * time.Minute

// Cached wraps an Engine with a TTL cache keyed on the stable parts of the
// input. The environment timestamp is excluded so repeated requests hit.
type Cached struct {
	engine Engine
	cache  *cache.TTL[Decision]
	ttl    time.Duration
}

// NewCached returns a caching wrapper around engine. Non-positive ttl uses
// DefaultDecisionTTL.
func NewCached(engine Engine, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &Cached{
		engine: engine,
		cache:  cache.NewTTL[Decision](0),
		ttl:    ttl,
	}
}

// Decide returns a cached decision when one exists, otherwise delegates.
// Engine errors are never cached.
func (c *Cached) Decide(ctx context.Context, input Input) (Decision, error) {
	key := decisionKey(input)
	if d, ok := c.cache.Get(key); ok {
		return d, nil
	}
	d, err := c.engine.Decide(ctx, input)
	if err != nil {
		return Decision{}, err
	}
	c.cache.Set(key, d, c.ttl)
	return d, nil
}

func decisionKey(input Input) string {
	roles := append([]string(nil), input.Subject.Roles...)
	groups := append([]string(nil), input.Subject.Groups...)
	scopes := append([]string(nil), input.Subject.Scopes...)
	sort.Strings(roles)
	sort.Strings(groups)
	sort.Strings(scopes)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		input.Subject.Type, input.Subject.ID,
		strings.Join(roles, ","), strings.Join(groups, ","), strings.Join(scopes, ","),
		input.Resource.ID, input.Resource.AccessLevel, input.Action)
}
