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

// Package recregistry is an optional row-filter handler scoping rows to the
// energy communities the caller belongs to, as reported by the REC registry
// service. Enable it by listing "rec_registry" in the row filter plugin
// configuration.
package recregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/celine-io/dataset-gateway/internal/rowfilter"
	"github.com/celine-io/dataset-gateway/internal/sqlparse"
	"github.com/celine-io/dataset-gateway/internal/util"
)

func init() {
	rowfilter.RegisterPlugin("rec_registry", func() rowfilter.Handler {
		return &Handler{client: &http.Client{Timeout: 5 * time.Second}}
	})
}

// Handler filters a dataset column by the community ids granted to the
// caller in the REC registry.
//
// Args:
//
//	url      registry membership endpoint, {sub} is substituted (required)
//	column   community id column in the dataset (default community_id)
type Handler struct {
	client *http.Client
}

func (*Handler) Name() string { return "rec_registry" }

type membershipResponse struct {
	Communities []struct {
		ID string `json:"id"`
	} `json:"communities"`
}

func (h *Handler) Resolve(ctx context.Context, req rowfilter.Request) (*rowfilter.Plan, error) {
	rawURL, _ := req.Args["url"].(string)
	if rawURL == "" {
		return nil, util.NewError(util.KindConfigError, "rec_registry requires a url")
	}
	column, _ := req.Args["column"].(string)
	if column == "" {
		column = "community_id"
	}
	if err := sqlparse.CheckIdent(column); err != nil {
		return nil, err
	}

	url := strings.ReplaceAll(rawURL, "{sub}", req.User.Sub)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "rec_registry: invalid url", err)
	}
	if req.User.RawToken() != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.User.RawToken())
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, util.WrapError(util.KindUpstream, "REC registry unavailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Subject unknown to the registry: member of nothing.
		return rowfilter.Deny(req.Table, h.Name()), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, util.NewError(util.KindUpstream, fmt.Sprintf("REC registry returned %d", resp.StatusCode))
	}

	var doc membershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, util.WrapError(util.KindUpstream, "REC registry returned invalid JSON", err)
	}
	if len(doc.Communities) == 0 {
		return rowfilter.Deny(req.Table, h.Name()), nil
	}

	literals := make([]string, len(doc.Communities))
	for i, c := range doc.Communities {
		literals[i] = sqlparse.QuoteLiteral(c.ID)
	}
	expr, err := sqlparse.ParsePredicate(fmt.Sprintf("%s IN (%s)", column, strings.Join(literals, ", ")))
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "rec_registry predicate invalid", err)
	}
	return &rowfilter.Plan{Table: req.Table, Kind: rowfilter.KindPredicate, Predicate: expr, Handler: h.Name()}, nil
}
