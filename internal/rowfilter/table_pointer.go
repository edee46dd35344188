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

// TablePointer restricts rows via a membership table in the same database:
// the dataset column must appear among the keys the pointer table grants to
// the caller. The subquery evaluates inside the data statement, so no extra
// round trip happens at resolve time.
//
// Args:
//
//	column                   dataset column compared against granted keys (required)
//	pointer_table            table holding (subject, key) grants (required)
//	pointer_key_column       granted key column in the pointer table (required)
//	pointer_subject_column   subject column in the pointer table (default user_id)
type TablePointer struct{}

func (*TablePointer) Name() string { return "table_pointer" }

func (h *TablePointer) Resolve(ctx context.Context, req Request) (*Plan, error) {
	column, _ := req.Args["column"].(string)
	pointerTable, _ := req.Args["pointer_table"].(string)
	keyColumn, _ := req.Args["pointer_key_column"].(string)
	if column == "" || pointerTable == "" || keyColumn == "" {
		return nil, util.NewError(util.KindConfigError, "table_pointer requires column, pointer_table and pointer_key_column")
	}
	subjectColumn, _ := req.Args["pointer_subject_column"].(string)
	if subjectColumn == "" {
		subjectColumn = "user_id"
	}
	for _, ident := range []string{column, pointerTable, keyColumn, subjectColumn} {
		if err := sqlparse.CheckIdent(ident); err != nil {
			return nil, err
		}
	}

	fragment := fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s = %s)",
		column, keyColumn, pointerTable, subjectColumn, sqlparse.QuoteLiteral(req.User.Sub))
	expr, err := sqlparse.ParsePredicate(fragment)
	if err != nil {
		return nil, util.WrapError(util.KindConfigError, "table_pointer predicate invalid", err)
	}
	return &Plan{Table: req.Table, Kind: KindPredicate, Predicate: expr, Handler: h.Name()}, nil
}
