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

// Package sqlparse validates incoming SQL against an allow-listed SELECT
// grammar and exposes the parse tree for rewriting. Table references in the
// tree are logical dataset identifiers until SubstituteTables maps them to
// physical tables.
package sqlparse

import (
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"

	"github.com/celine-io/dataset-gateway/internal/util"
)

// DefaultMaxDepth bounds the walk depth of an accepted statement.
const DefaultMaxDepth = 50

// ParsedSQL is an immutable handle on a validated statement plus the set of
// logical table names it references (CTE aliases excluded).
type ParsedSQL struct {
	tree *pg_query.ParseResult

	// ReferencedTables lists every table referenced anywhere in the
	// statement, sorted, with CTE aliases removed.
	ReferencedTables []string
}

var allowedFunctions = buildFunctionAllowList()

func buildFunctionAllowList() map[string]struct{} {
	names := []string{
		// scalar
		"lower", "upper", "length", "trim", "btrim", "ltrim", "rtrim",
		"substring", "substr", "replace", "abs", "round", "ceil", "ceiling",
		"floor", "coalesce", "nullif", "greatest", "least",
		// aggregation
		"min", "max", "avg", "sum", "count",
		// date
		"current_date", "current_timestamp", "date", "date_trunc", "extract",
		"date_part",
		// PostGIS predicates, constructors and accessors
		"st_intersects", "st_within", "st_contains", "st_dwithin",
		"st_distance", "st_setsrid", "st_transform", "st_geomfromgeojson",
		"st_point", "st_makepoint", "st_x", "st_y", "st_area", "st_length",
		"st_asgeojson",
	}
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// Parse validates sql against the allow-listed grammar. All failures,
// including parser panics, surface as InvalidRequest errors with a stable
// message; internals never reach the client.
func Parse(sql string) (parsed *ParsedSQL, err error) {
	return ParseWithDepth(sql, DefaultMaxDepth)
}

// ParseWithDepth is Parse with an explicit AST depth bound.
func ParseWithDepth(sql string, maxDepth int) (parsed *ParsedSQL, err error) {
	defer func() {
		if r := recover(); r != nil {
			parsed = nil
			err = util.NewError(util.KindInvalidRequest, "Invalid SQL")
		}
	}()

	if strings.TrimSpace(sql) == "" {
		return nil, util.NewError(util.KindInvalidRequest, "Empty SQL query")
	}
	if hasUnquotedSemicolon(sql) {
		return nil, util.NewError(util.KindInvalidRequest, "Semicolons are not allowed")
	}
	if hasComment(sql) {
		return nil, util.NewError(util.KindInvalidRequest, "SQL comments are not allowed")
	}

	tree, perr := pg_query.Parse(sql)
	if perr != nil {
		return nil, util.WrapError(util.KindInvalidRequest, "Invalid SQL syntax", perr)
	}
	if len(tree.Stmts) != 1 {
		return nil, util.NewError(util.KindInvalidRequest, "Exactly one statement is required")
	}

	sel := tree.Stmts[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return nil, util.NewError(util.KindInvalidRequest, "Only SELECT queries are allowed")
	}

	v := &validator{
		maxDepth: maxDepth,
		tables:   make(map[string]struct{}),
		ctes:     make(map[string]struct{}),
	}
	if err := v.selectStmt(sel, 1, true); err != nil {
		return nil, err
	}

	referenced := make([]string, 0, len(v.tables))
	for t := range v.tables {
		if _, isCTE := v.ctes[t]; isCTE {
			continue
		}
		referenced = append(referenced, t)
	}
	sort.Strings(referenced)

	return &ParsedSQL{tree: tree, ReferencedTables: referenced}, nil
}

// Deparse renders the (possibly rewritten) statement back to SQL.
func (p *ParsedSQL) Deparse() (string, error) {
	out, err := pg_query.Deparse(p.tree)
	if err != nil {
		return "", util.WrapError(util.KindInvalidRequest, "Invalid SQL", err)
	}
	return out, nil
}

// topSelect returns the outermost SelectStmt.
func (p *ParsedSQL) topSelect() *pg_query.SelectStmt {
	return p.tree.Stmts[0].GetStmt().GetSelectStmt()
}

// ---------------------------------------------------------------------------
// Textual guards
// ---------------------------------------------------------------------------

// hasUnquotedSemicolon scans for statement stacking before the parser runs.
// Characters inside single-quoted literals are skipped; a doubled quote
// escapes itself.
func hasUnquotedSemicolon(s string) bool {
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case ';':
			return true
		}
	}
	return false
}

// hasComment reports line or block comment markers outside string literals.
func hasComment(s string) bool {
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '-':
			if i+1 < len(s) && s[i+1] == '-' {
				return true
			}
		case '/':
			if i+1 < len(s) && s[i+1] == '*' {
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Allow-list walker
// ---------------------------------------------------------------------------

type validator struct {
	maxDepth int
	tables   map[string]struct{}
	ctes     map[string]struct{}
}

func (v *validator) enter(depth int) error {
	if depth > v.maxDepth {
		return util.NewError(util.KindInvalidRequest, "Query exceeds maximum complexity")
	}
	return nil
}

func (v *validator) selectStmt(sel *pg_query.SelectStmt, depth int, topLevel bool) error {
	if err := v.enter(depth); err != nil {
		return err
	}

	if sel.GetWithClause() != nil {
		for _, cte := range sel.GetWithClause().GetCtes() {
			c := cte.GetCommonTableExpr()
			if c == nil {
				return util.NewError(util.KindInvalidRequest, "Unsupported WITH clause entry")
			}
			if c.GetCtename() == "" {
				return util.NewError(util.KindInvalidRequest, "CTE missing name")
			}
			v.ctes[c.GetCtename()] = struct{}{}
			body := c.GetCtequery().GetSelectStmt()
			if body == nil {
				return util.NewError(util.KindInvalidRequest, "CTE body must be SELECT")
			}
			if err := v.selectStmt(body, depth+1, false); err != nil {
				return err
			}
		}
	}

	switch sel.GetOp() {
	case pg_query.SetOperation_SETOP_NONE:
	case pg_query.SetOperation_SETOP_UNION:
		// The set-operation node carries its own ORDER BY and LIMIT; they
		// must pass the same checks as any other select's clauses.
		if topLevel && (sel.GetLimitCount() != nil || sel.GetLimitOffset() != nil) {
			return util.NewError(util.KindInvalidRequest, "LIMIT/OFFSET are not allowed; pagination is applied by the service")
		}
		for _, s := range sel.GetSortClause() {
			sb := s.GetSortBy()
			if sb == nil {
				return util.NewError(util.KindInvalidRequest, "Unsupported ORDER BY entry")
			}
			if err := v.expr(sb.GetNode(), depth+1); err != nil {
				return err
			}
		}
		if !topLevel {
			if err := v.expr(sel.GetLimitCount(), depth+1); err != nil {
				return err
			}
			if err := v.expr(sel.GetLimitOffset(), depth+1); err != nil {
				return err
			}
		}
		if err := v.selectStmt(sel.GetLarg(), depth+1, false); err != nil {
			return err
		}
		return v.selectStmt(sel.GetRarg(), depth+1, false)
	default:
		return util.NewError(util.KindInvalidRequest, "Set operation not allowed")
	}

	if sel.GetIntoClause() != nil {
		return util.NewError(util.KindInvalidRequest, "SELECT INTO is not allowed")
	}
	if len(sel.GetWindowClause()) > 0 {
		return util.NewError(util.KindInvalidRequest, "Window functions are not allowed")
	}
	if len(sel.GetLockingClause()) > 0 {
		return util.NewError(util.KindInvalidRequest, "Row locking is not allowed")
	}
	if len(sel.GetValuesLists()) > 0 {
		return util.NewError(util.KindInvalidRequest, "VALUES lists are not allowed")
	}
	if topLevel && (sel.GetLimitCount() != nil || sel.GetLimitOffset() != nil) {
		return util.NewError(util.KindInvalidRequest, "LIMIT/OFFSET are not allowed; pagination is applied by the service")
	}

	// DISTINCT is allowed, DISTINCT ON is not. A plain DISTINCT carries a
	// single empty node in the clause.
	for _, d := range sel.GetDistinctClause() {
		if d.GetNode() != nil {
			return util.NewError(util.KindInvalidRequest, "DISTINCT ON is not allowed")
		}
	}

	for _, t := range sel.GetTargetList() {
		rt := t.GetResTarget()
		if rt == nil {
			return util.NewError(util.KindInvalidRequest, "Unsupported select list entry")
		}
		if len(rt.GetIndirection()) > 0 {
			return util.NewError(util.KindInvalidRequest, "Unsupported select list entry")
		}
		if err := v.expr(rt.GetVal(), depth+1); err != nil {
			return err
		}
	}

	for _, f := range sel.GetFromClause() {
		if err := v.fromItem(f, depth+1); err != nil {
			return err
		}
	}

	if err := v.expr(sel.GetWhereClause(), depth+1); err != nil {
		return err
	}
	for _, g := range sel.GetGroupClause() {
		if g.GetGroupingSet() != nil {
			return util.NewError(util.KindInvalidRequest, "GROUPING SETS are not allowed")
		}
		if err := v.expr(g, depth+1); err != nil {
			return err
		}
	}
	if err := v.expr(sel.GetHavingClause(), depth+1); err != nil {
		return err
	}
	for _, s := range sel.GetSortClause() {
		sb := s.GetSortBy()
		if sb == nil {
			return util.NewError(util.KindInvalidRequest, "Unsupported ORDER BY entry")
		}
		if err := v.expr(sb.GetNode(), depth+1); err != nil {
			return err
		}
	}
	if !topLevel {
		if err := v.expr(sel.GetLimitCount(), depth+1); err != nil {
			return err
		}
		if err := v.expr(sel.GetLimitOffset(), depth+1); err != nil {
			return err
		}
	}

	return nil
}

func (v *validator) fromItem(n *pg_query.Node, depth int) error {
	if err := v.enter(depth); err != nil {
		return err
	}

	switch {
	case n.GetRangeVar() != nil:
		v.tables[rangeVarName(n.GetRangeVar())] = struct{}{}
		return nil
	case n.GetJoinExpr() != nil:
		j := n.GetJoinExpr()
		if err := v.fromItem(j.GetLarg(), depth+1); err != nil {
			return err
		}
		if err := v.fromItem(j.GetRarg(), depth+1); err != nil {
			return err
		}
		return v.expr(j.GetQuals(), depth+1)
	case n.GetRangeSubselect() != nil:
		rs := n.GetRangeSubselect()
		if rs.GetLateral() {
			return util.NewError(util.KindInvalidRequest, "LATERAL is not allowed")
		}
		body := rs.GetSubquery().GetSelectStmt()
		if body == nil {
			return util.NewError(util.KindInvalidRequest, "FROM subquery must be SELECT")
		}
		return v.selectStmt(body, depth+1, false)
	case n.GetRangeFunction() != nil:
		return util.NewError(util.KindInvalidRequest, "Function calls in FROM are not allowed")
	default:
		return util.NewError(util.KindInvalidRequest, "Unsupported FROM clause entry")
	}
}

var allowedOperators = map[string]struct{}{
	"=": {}, "<>": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
	"+": {}, "-": {}, "*": {}, "/": {}, "%": {},
}

func (v *validator) expr(n *pg_query.Node, depth int) error {
	if n == nil || n.GetNode() == nil {
		return nil
	}
	if err := v.enter(depth); err != nil {
		return err
	}

	switch {
	case n.GetAConst() != nil:
		return nil

	case n.GetColumnRef() != nil:
		for _, f := range n.GetColumnRef().GetFields() {
			if f.GetString_() == nil && f.GetAStar() == nil {
				return util.NewError(util.KindInvalidRequest, "Unsupported column reference")
			}
		}
		return nil

	case n.GetAExpr() != nil:
		return v.aExpr(n.GetAExpr(), depth)

	case n.GetBoolExpr() != nil:
		for _, a := range n.GetBoolExpr().GetArgs() {
			if err := v.expr(a, depth+1); err != nil {
				return err
			}
		}
		return nil

	case n.GetNullTest() != nil:
		return v.expr(n.GetNullTest().GetArg(), depth+1)

	case n.GetSubLink() != nil:
		sl := n.GetSubLink()
		switch sl.GetSubLinkType() {
		case pg_query.SubLinkType_EXPR_SUBLINK, pg_query.SubLinkType_ANY_SUBLINK:
		default:
			return util.NewError(util.KindInvalidRequest, "Unsupported subquery form")
		}
		if err := v.expr(sl.GetTestexpr(), depth+1); err != nil {
			return err
		}
		body := sl.GetSubselect().GetSelectStmt()
		if body == nil {
			return util.NewError(util.KindInvalidRequest, "Subquery must be SELECT")
		}
		return v.selectStmt(body, depth+1, false)

	case n.GetFuncCall() != nil:
		return v.funcCall(n.GetFuncCall(), depth)

	case n.GetCoalesceExpr() != nil:
		for _, a := range n.GetCoalesceExpr().GetArgs() {
			if err := v.expr(a, depth+1); err != nil {
				return err
			}
		}
		return nil

	case n.GetMinMaxExpr() != nil:
		for _, a := range n.GetMinMaxExpr().GetArgs() {
			if err := v.expr(a, depth+1); err != nil {
				return err
			}
		}
		return nil

	case n.GetSqlvalueFunction() != nil:
		switch n.GetSqlvalueFunction().GetOp() {
		case pg_query.SQLValueFunctionOp_SVFOP_CURRENT_DATE,
			pg_query.SQLValueFunctionOp_SVFOP_CURRENT_TIMESTAMP,
			pg_query.SQLValueFunctionOp_SVFOP_CURRENT_TIMESTAMP_N:
			return nil
		}
		return util.NewError(util.KindInvalidRequest, "Unsupported SQL value function")

	case n.GetList() != nil:
		for _, item := range n.GetList().GetItems() {
			if err := v.expr(item, depth+1); err != nil {
				return err
			}
		}
		return nil

	default:
		return util.Invalidf("Unsupported expression node: %s", nodeName(n))
	}
}

func (v *validator) aExpr(a *pg_query.A_Expr, depth int) error {
	switch a.GetKind() {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		op := operatorName(a.GetName())
		if _, ok := allowedOperators[op]; !ok {
			return util.Invalidf("Operator %q not allowed", op)
		}
		// Reject equality where both operand trees are identical. Formatting
		// differences such as parentheses do not survive parsing, so
		// `(1) = (1)` is rejected the same way `1=1` is.
		if op == "=" && equalIgnoringLocation(a.GetLexpr(), a.GetRexpr()) {
			return util.NewError(util.KindInvalidRequest, "Tautological comparison not allowed")
		}
	case pg_query.A_Expr_Kind_AEXPR_IN,
		pg_query.A_Expr_Kind_AEXPR_BETWEEN,
		pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN,
		pg_query.A_Expr_Kind_AEXPR_BETWEEN_SYM,
		pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN_SYM,
		pg_query.A_Expr_Kind_AEXPR_NULLIF:
	default:
		return util.NewError(util.KindInvalidRequest, "Unsupported operator expression")
	}

	if err := v.expr(a.GetLexpr(), depth+1); err != nil {
		return err
	}
	return v.expr(a.GetRexpr(), depth+1)
}

func (v *validator) funcCall(fc *pg_query.FuncCall, depth int) error {
	if fc.GetOver() != nil {
		return util.NewError(util.KindInvalidRequest, "Window functions are not allowed")
	}
	if fc.GetAggFilter() != nil {
		return util.NewError(util.KindInvalidRequest, "FILTER clauses are not allowed")
	}
	if len(fc.GetAggOrder()) > 0 || fc.GetAggWithinGroup() {
		return util.NewError(util.KindInvalidRequest, "Ordered-set aggregates are not allowed")
	}

	name := functionName(fc)
	if _, ok := allowedFunctions[name]; !ok {
		return util.Invalidf("Function %q not allowed", name)
	}

	for _, a := range fc.GetArgs() {
		if err := v.expr(a, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// functionName extracts the case-normalised function name, ignoring the
// pg_catalog qualifier the parser adds to built-ins.
func functionName(fc *pg_query.FuncCall) string {
	parts := fc.GetFuncname()
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1].GetString_().GetSval()
	return strings.ToLower(last)
}

func operatorName(name []*pg_query.Node) string {
	if len(name) == 0 {
		return ""
	}
	return name[len(name)-1].GetString_().GetSval()
}

// rangeVarName reassembles a possibly dotted table reference. Logical
// dataset identifiers such as prod.energy.solar parse into catalog, schema
// and relation parts; the catalogue treats the dotted whole as one id.
func rangeVarName(rv *pg_query.RangeVar) string {
	parts := make([]string, 0, 3)
	if rv.GetCatalogname() != "" {
		parts = append(parts, rv.GetCatalogname())
	}
	if rv.GetSchemaname() != "" {
		parts = append(parts, rv.GetSchemaname())
	}
	parts = append(parts, rv.GetRelname())
	return strings.Join(parts, ".")
}

func nodeName(n *pg_query.Node) string {
	ref := n.ProtoReflect()
	fd := ref.WhichOneof(ref.Descriptor().Oneofs().Get(0))
	if fd == nil {
		return "unknown"
	}
	return string(fd.Name())
}

// equalIgnoringLocation compares two expression trees with token positions
// erased, so identical token sequences compare equal regardless of spacing.
func equalIgnoringLocation(a, b *pg_query.Node) bool {
	if a == nil || b == nil {
		return false
	}
	ca := proto.Clone(a)
	cb := proto.Clone(b)
	clearLocations(ca.ProtoReflect())
	clearLocations(cb.ProtoReflect())
	return proto.Equal(ca, cb)
}
