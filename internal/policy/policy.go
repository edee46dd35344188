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

// Package policy enforces dataset access levels with the help of an external
// policy engine.
package policy

import (
	"context"
	"fmt"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// AccessLevel classifies how a dataset may be reached.
type AccessLevel string

const (
	// AccessOpen requires neither authentication nor a policy decision.
	AccessOpen AccessLevel = "open"
	// AccessInternal requires authentication and a policy decision.
	AccessInternal AccessLevel = "internal"
	// AccessRestricted requires authentication and a policy decision.
	AccessRestricted AccessLevel = "restricted"
)

// ParseAccessLevel parses a catalogue access level. An absent level means
// open; unknown values are a configuration error, never an implicit grant.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(s) {
	case AccessOpen, AccessInternal, AccessRestricted:
		return AccessLevel(s), nil
	case "":
		return AccessOpen, nil
	default:
		return "", util.NewError(util.KindConfigError, fmt.Sprintf("Unknown access level %q", s))
	}
}

// RequiresAuth reports whether the level needs an authenticated caller.
func (l AccessLevel) RequiresAuth() bool { return l != AccessOpen }

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Subject describes the caller in a policy input document. Claims carries
// the full verified token claims so policies can reason over attributes the
// flat fields do not cover.
type Subject struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Username string         `json:"username,omitempty"`
	Email    string         `json:"email,omitempty"`
	Roles    []string       `json:"roles"`
	Groups   []string       `json:"groups"`
	Scopes   []string       `json:"scopes"`
	Issuer   string         `json:"issuer,omitempty"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// Resource describes the dataset in a policy input document.
type Resource struct {
	Type        string         `json:"type"`
	ID          string         `json:"id"`
	AccessLevel string         `json:"access_level"`
	BackendType string         `json:"backend_type,omitempty"`
	Namespace   string         `json:"namespace,omitempty"`
	Governance  map[string]any `json:"governance,omitempty"`
}

// Environment carries request circumstances for a policy decision.
type Environment struct {
	Timestamp     string `json:"timestamp"`
	SourceService string `json:"source_service"`
}

// Input is the document sent to the policy engine for one dataset access.
type Input struct {
	Subject     Subject     `json:"subject"`
	Resource    Resource    `json:"resource"`
	Action      string      `json:"action"`
	Environment Environment `json:"environment"`
}

// Engine evaluates access decisions. Implementations must treat transport
// failures as errors, never as silent denials or grants.
type Engine interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}
