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
package sqlparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// ParsePredicate parses a boolean expression fragment into a predicate node
// suitable for TablePredicate.Expr. Row-filter handlers build fragments with
// QuoteLiteral/FormatLiteral, so the fragment never carries raw user input.
func ParsePredicate(fragment string) (*pg_query.Node, error) {
	tree, err := pg_query.Parse("SELECT 1 WHERE " + fragment)
	if err != nil {
		return nil, fmt.Errorf("invalid predicate fragment: %w", err)
	}
	sel := tree.GetStmts()[0].GetStmt().GetSelectStmt()
	if sel.GetWhereClause() == nil {
		return nil, fmt.Errorf("predicate fragment produced no condition")
	}
	return sel.GetWhereClause(), nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*){0,2}$`)

// CheckIdent rejects identifiers that would need quoting. Row-filter
// governance args flow into predicate fragments as bare identifiers, so
// anything else is a configuration error.
func CheckIdent(name string) error {
	if !identPattern.MatchString(name) {
		return util.NewError(util.KindConfigError, "Invalid identifier in row filter configuration")
	}
	return nil
}

// QuoteLiteral renders s as a SQL string literal with quote doubling.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FormatLiteral renders a JSON-decoded scalar as a SQL literal. Strings are
// quoted, numbers and booleans pass through, anything else is stringified
// and quoted.
func FormatLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return QuoteLiteral(t)
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return QuoteLiteral(fmt.Sprintf("%v", t))
	}
}

// clearLocations erases every token position field in the message tree so
// structurally identical expressions compare equal.
func clearLocations(m protoreflect.Message) {
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsList():
			if fd.Kind() == protoreflect.MessageKind {
				l := v.List()
				for i := 0; i < l.Len(); i++ {
					clearLocations(l.Get(i).Message())
				}
			}
		case fd.IsMap():
			// pg_query messages carry no maps
		case fd.Kind() == protoreflect.MessageKind:
			clearLocations(v.Message())
		case fd.Name() == "location":
			m.Clear(fd)
		}
		return true
	})
}
