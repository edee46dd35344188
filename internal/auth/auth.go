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

// Package auth verifies bearer tokens against the identity provider's JWKS
// and normalises token claims into a flat authenticated user.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// AuthenticatedUser is the normalised identity carried through a request.
// Roles merge realm roles with the client's resource roles; Scopes come from
// the space-separated scope claim.
type AuthenticatedUser struct {
	Sub       string
	Username  string
	Email     string
	Roles     []string
	Groups    []string
	Scopes    []string
	Audiences []string
	Issuer    string
	ExpiresAt time.Time
	Claims    map[string]any

	token string
}

// RawToken returns the verified compact token, for forwarding to services
// that do their own verification.
func (u *AuthenticatedUser) RawToken() string { return u.token }

// IsService reports whether the token looks like a service account: scoped
// credentials without group membership.
func (u *AuthenticatedUser) IsService() bool {
	return len(u.Scopes) > 0 && len(u.Groups) == 0
}

// HasGroup reports membership in group, tolerating a leading slash on either
// side as emitted by Keycloak group paths.
func (u *AuthenticatedUser) HasGroup(group string) bool {
	want := strings.TrimPrefix(group, "/")
	for _, g := range u.Groups {
		if strings.TrimPrefix(g, "/") == want {
			return true
		}
	}
	return false
}

// Config holds identity provider settings for token verification.
type Config struct {
	JWKSURL  string `yaml:"jwksUrl" validate:"required"`
	Issuer   string `yaml:"issuer" validate:"required"`
	ClientID string `yaml:"clientId" validate:"required"`
	Audience string `yaml:"audience"`

	// RefreshInterval bounds how long a rotated signing key stays usable.
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// Verifier validates RS256 bearer tokens using a background-refreshed JWKS.
type Verifier struct {
	jwks      *keyfunc.JWKS
	issuer    string
	clientID  string
	audiences []string
}

// NewVerifier fetches the JWKS and returns a Verifier. The key set refreshes
// in the background until Close is called.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Hour
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   interval,
		RefreshRateLimit:  time.Minute,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger, lgErr := util.LoggerFromContext(ctx)
			if lgErr == nil {
				logger.WarnContext(ctx, fmt.Sprintf("error refreshing JWKS: %v", err))
			}
		},
	})
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "Unable to fetch identity provider JWKS", err)
	}

	// Accepted audiences: the configured one, the client itself, and the
	// provider's default "account" audience.
	seen := map[string]bool{}
	var audiences []string
	for _, a := range []string{cfg.Audience, cfg.ClientID, "account"} {
		if a != "" && !seen[a] {
			seen[a] = true
			audiences = append(audiences, a)
		}
	}

	return &Verifier{
		jwks:      jwks,
		issuer:    cfg.Issuer,
		clientID:  cfg.ClientID,
		audiences: audiences,
	}, nil
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	v.jwks.EndBackground()
}

// Verify validates the compact token and returns the normalised user.
// Every failure maps to an unauthenticated error with a uniform message so
// the response does not leak which check failed.
func (v *Verifier) Verify(ctx context.Context, token string) (*AuthenticatedUser, error) {
	parsed, err := jwt.Parse(token, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, util.WrapError(util.KindUnauthenticated, "Invalid token", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, util.NewError(util.KindUnauthenticated, "Invalid token")
	}

	iss, _ := claims["iss"].(string)
	if iss != v.issuer {
		return nil, util.NewError(util.KindUnauthenticated, "Invalid token")
	}

	tokenAud := stringList(claims["aud"])
	if !anyOverlap(tokenAud, v.audiences) {
		return nil, util.NewError(util.KindUnauthenticated, "Invalid token")
	}

	return v.normalise(token, claims, tokenAud), nil
}

func (v *Verifier) normalise(token string, claims jwt.MapClaims, audiences []string) *AuthenticatedUser {
	u := &AuthenticatedUser{
		Audiences: audiences,
		Claims:    map[string]any(claims),
		token:     token,
	}
	u.Sub, _ = claims["sub"].(string)
	u.Username, _ = claims["preferred_username"].(string)
	u.Email, _ = claims["email"].(string)
	u.Issuer, _ = claims["iss"].(string)
	switch exp := claims["exp"].(type) {
	case float64:
		u.ExpiresAt = time.Unix(int64(exp), 0)
	case json.Number:
		if n, err := exp.Int64(); err == nil {
			u.ExpiresAt = time.Unix(n, 0)
		}
	}

	if realm, ok := claims["realm_access"].(map[string]any); ok {
		u.Roles = append(u.Roles, stringList(realm["roles"])...)
	}
	if res, ok := claims["resource_access"].(map[string]any); ok {
		if client, ok := res[v.clientID].(map[string]any); ok {
			for _, r := range stringList(client["roles"]) {
				if !contains(u.Roles, r) {
					u.Roles = append(u.Roles, r)
				}
			}
		}
	}

	u.Groups = stringList(claims["groups"])
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		u.Scopes = strings.Fields(scope)
	}
	return u
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func anyOverlap(have, want []string) bool {
	for _, h := range have {
		if contains(want, h) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

type contextKey string

const userKey contextKey = "authenticated_user"

// WithUser stores the authenticated user in the context.
func WithUser(ctx context.Context, u *AuthenticatedUser) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the authenticated user, or nil for anonymous
// requests.
func UserFromContext(ctx context.Context) *AuthenticatedUser {
	u, _ := ctx.Value(userKey).(*AuthenticatedUser)
	return u
}

// Middleware verifies an Authorization bearer token when one is present and
// stores the user in the request context. Requests without a token pass
// through anonymously; access decisions happen downstream per dataset.
func Middleware(v *Verifier, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				onError(w, r, util.NewError(util.KindUnauthenticated, "Invalid token"))
				return
			}
			user, err := v.Verify(r.Context(), token)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
