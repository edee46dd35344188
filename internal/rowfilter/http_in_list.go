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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/celine-io/dataset-gateway/internal/auth"
	"github.com/celine-io/dataset-gateway/internal/sqlparse"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// httpInListMaxItems caps the membership list so a misbehaving entitlement
// service cannot blow up the rewritten statement.
const httpInListMaxItems = 2000

// HTTPInList restricts rows to those whose column value appears in a list
// fetched from an entitlement service over HTTP. The url, header values,
// query parameters and JSON body values may reference the caller through the
// placeholders {sub} {username} {email} {token}.
//
// Args:
//
//	column            column compared against the list (required)
//	url               endpoint (required)
//	method            GET | POST (default GET)
//	headers           header name -> templated value
//	params            query parameter name -> templated value (GET)
//	json              JSON body with templated string values (POST)
//	response_path     dot path to the list inside the JSON response
//	timeout_seconds   request timeout (default 5)
//	forward_token     forward the caller's bearer token (default false)
//	empty_means_deny  empty list denies instead of allowing all (default true)
//	max_items         cap on the membership list (default 2000)
type HTTPInList struct {
	client *http.Client
}

// NewHTTPInList returns the handler. A nil client gets a default one; the
// per-spec timeout is applied via request context either way.
func NewHTTPInList(client *http.Client) *HTTPInList {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPInList{client: client}
}

func (*HTTPInList) Name() string { return "http_in_list" }

func (h *HTTPInList) Resolve(ctx context.Context, req Request) (*Plan, error) {
	column, _ := req.Args["column"].(string)
	rawURL, _ := req.Args["url"].(string)
	if column == "" || rawURL == "" {
		return nil, util.NewError(util.KindConfigError, "http_in_list requires column and url")
	}
	if err := sqlparse.CheckIdent(column); err != nil {
		return nil, err
	}

	values, err := h.fetch(ctx, req, rawURL)
	if err != nil {
		return nil, err
	}

	if len(values) == 0 {
		if deny, ok := req.Args["empty_means_deny"].(bool); ok && !deny {
			expr, err := sqlparse.ParsePredicate("TRUE")
			if err != nil {
				return nil, err
			}
			return &Plan{Table: req.Table, Kind: KindPredicate, Predicate: expr, Handler: h.Name()}, nil
		}
		return Deny(req.Table, h.Name()), nil
	}
	if max := maxItems(req.Args); len(values) > max {
		values = values[:max]
	}

	literals := make([]string, len(values))
	for i, v := range values {
		literals[i] = sqlparse.FormatLiteral(v)
	}
	expr, err := sqlparse.ParsePredicate(fmt.Sprintf("%s IN (%s)", column, strings.Join(literals, ", ")))
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "http_in_list predicate invalid", err)
	}
	return &Plan{Table: req.Table, Kind: KindPredicate, Predicate: expr, Handler: h.Name()}, nil
}

func (h *HTTPInList) fetch(ctx context.Context, req Request, rawURL string) ([]any, error) {
	method := http.MethodGet
	if m, _ := req.Args["method"].(string); m != "" {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost:
			method = strings.ToUpper(m)
		default:
			return nil, util.NewError(util.KindConfigError, fmt.Sprintf("http_in_list: unsupported method %q", m))
		}
	}

	timeout := 5 * time.Second
	if s, ok := req.Args["timeout_seconds"].(float64); ok && s > 0 {
		timeout = time.Duration(s * float64(time.Second))
	} else if s, ok := req.Args["timeout_seconds"].(int64); ok && s > 0 {
		timeout = time.Duration(s) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := templateSubject(rawURL, req.User)

	var body io.Reader
	if doc, ok := req.Args["json"].(map[string]any); ok && method == http.MethodPost {
		encoded, err := json.Marshal(templateValues(doc, req.User))
		if err != nil {
			return nil, util.WrapError(util.KindConfigError, "http_in_list: invalid json body", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "http_in_list: invalid url", err)
	}
	if params, ok := req.Args["params"].(map[string]any); ok {
		q := httpReq.URL.Query()
		for name, v := range params {
			if s, ok := v.(string); ok {
				q.Set(name, templateSubject(s, req.User))
			}
		}
		httpReq.URL.RawQuery = q.Encode()
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := req.Args["headers"].(map[string]any); ok {
		for name, v := range headers {
			if s, ok := v.(string); ok {
				httpReq.Header.Set(name, templateSubject(s, req.User))
			}
		}
	}
	if forward, _ := req.Args["forward_token"].(bool); forward && req.User.RawToken() != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.User.RawToken())
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Row filter service unavailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, util.NewError(util.KindUpstream, fmt.Sprintf("Row filter service returned %d", resp.StatusCode))
	}

	var doc any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, util.WrapError(util.KindUpstream, "Row filter service returned invalid JSON", err)
	}
	doc, err = util.ConvertNumbers(doc)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "Row filter service returned invalid JSON", err)
	}

	if path, _ := req.Args["response_path"].(string); path != "" {
		for _, part := range strings.Split(path, ".") {
			m, ok := doc.(map[string]any)
			if !ok {
				return nil, util.NewError(util.KindUpstream, "Row filter service response missing list")
			}
			doc = m[part]
		}
	}
	list, ok := doc.([]any)
	if !ok {
		return nil, util.NewError(util.KindUpstream, "Row filter service response missing list")
	}
	return list, nil
}

// templateSubject substitutes caller identity placeholders into a string.
func templateSubject(s string, u *auth.AuthenticatedUser) string {
	return strings.NewReplacer(
		"{sub}", u.Sub,
		"{username}", u.Username,
		"{email}", u.Email,
		"{token}", u.RawToken(),
	).Replace(s)
}

// templateValues substitutes placeholders in every string value of a JSON
// body, one level deep.
func templateValues(doc map[string]any, u *auth.AuthenticatedUser) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if s, ok := v.(string); ok {
			out[k] = templateSubject(s, u)
			continue
		}
		out[k] = v
	}
	return out
}

func maxItems(args map[string]any) int {
	switch v := args["max_items"].(type) {
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return httpInListMaxItems
}
