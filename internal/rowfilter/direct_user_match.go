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

	"github.com/celine-io/dataset-gateway/internal/sqlparse"
	"github.com/celine-io/dataset-gateway/internal/util"
)

// DirectUserMatch restricts rows to those whose configured column equals an
// identity claim of the caller.
//
// Args:
//
//	column      column holding the subject value (required)
//	claim       sub | username | email (default sub)
type DirectUserMatch struct{}

func (*DirectUserMatch) Name() string { return "direct_user_match" }

func (h *DirectUserMatch) Resolve(ctx context.Context, req Request) (*Plan, error) {
	column, _ := req.Args["column"].(string)
	if column == "" {
		return nil, util.NewError(util.KindConfigError, "direct_user_match requires a column")
	}
	if err := sqlparse.CheckIdent(column); err != nil {
		return nil, err
	}

	claim, _ := req.Args["claim"].(string)
	var value string
	switch claim {
	case "", "sub":
		value = req.User.Sub
	case "username":
		value = req.User.Username
	case "email":
		value = req.User.Email
	default:
		return nil, util.NewError(util.KindConfigError, fmt.Sprintf("direct_user_match: unknown claim %q", claim))
	}
	// A token without the configured claim matches nothing.
	if value == "" {
		return Deny(req.Table, h.Name()), nil
	}

	expr, err := sqlparse.ParsePredicate(fmt.Sprintf("%s = %s", column, sqlparse.QuoteLiteral(value)))
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "direct_user_match predicate invalid", err)
	}
	return &Plan{Table: req.Table, Kind: KindPredicate, Predicate: expr, Handler: h.Name()}, nil
}
