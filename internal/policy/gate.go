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
	"time"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/catalogue"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// ActionRead is the only action the gateway evaluates today.
const ActionRead = "read"

// Gate decides per-dataset access by combining the catalogue access level
// with a policy engine decision.
type Gate struct {
	engine        Engine
	disabled      bool
	sourceService string
}

// NewGate returns a Gate. A nil engine or disabled=true turns evaluation off;
// disabled gates allow every authenticated request and log the bypass.
func NewGate(engine Engine, disabled bool, sourceService string) *Gate {
	if sourceService == "" {
		sourceService = "dataset-gateway"
	}
	return &Gate{engine: engine, disabled: disabled || engine == nil, sourceService: sourceService}
}

// Enforce checks whether user may read the dataset. The authentication check
// always runs before any policy engine round trip, so an anonymous caller
// never triggers outbound traffic.
func (g *Gate) Enforce(ctx context.Context, user *auth.AuthenticatedUser, entry *catalogue.Entry) error {
	if !entry.Expose {
		return util.NewError(util.KindForbidden, fmt.Sprintf("Dataset %q is not available", entry.DatasetID))
	}
	level, err := ParseAccessLevel(entry.AccessLevel)
	if err != nil {
		return err
	}
	if !level.RequiresAuth() {
		return nil
	}
	if user == nil {
		return util.NewError(util.KindUnauthenticated, "Authentication required")
	}

	if g.disabled {
		logger, err := util.LoggerFromContext(ctx)
		if err == nil {
			logger.WarnContext(ctx, fmt.Sprintf("policy evaluation disabled, allowing %q access to %q", user.Sub, entry.DatasetID))
		}
		return nil
	}

	decision, err := g.engine.Decide(ctx, g.input(user, entry, level))
	if err != nil {
		return err
	}
	if !decision.Allow {
		msg := "Access denied"
		if decision.Reason != "" {
			msg = fmt.Sprintf("Access denied: %s", decision.Reason)
		}
		return util.NewError(util.KindForbidden, msg)
	}
	return nil
}

func (g *Gate) input(user *auth.AuthenticatedUser, entry *catalogue.Entry, level AccessLevel) Input {
	subjectType := "user"
	if user.IsService() {
		subjectType = "service"
	}
	return Input{
		Subject: Subject{
			Type:     subjectType,
			ID:       user.Sub,
			Username: user.Username,
			Email:    user.Email,
			Roles:    user.Roles,
			Groups:   user.Groups,
			Scopes:   user.Scopes,
			Issuer:   user.Issuer,
			Claims:   user.Claims,
		},
		Resource: Resource{
			Type:        "dataset",
			ID:          entry.DatasetID,
			AccessLevel: string(level),
			BackendType: entry.BackendType,
			Namespace:   entry.Namespace(),
			Governance:  entry.GovernanceAttrs(),
		},
		Action: ActionRead,
		Environment: Environment{
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			SourceService: g.sourceService,
		},
	}
}
