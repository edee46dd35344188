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
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
)

// TablePredicate is a resolved row-filter predicate bound to a table name as
// it appears in the tree. Expr holds unqualified column references that get
// qualified per occurrence when applied.
type TablePredicate struct {
	Table string
	Expr  *pg_query.Node
}

// SubstituteTables replaces every table reference found in mapping with its
// physical counterpart. Dotted logical identifiers are replaced as a whole;
// the produced tree references only the physical table. References absent
// from mapping are left untouched.
func (p *ParsedSQL) SubstituteTables(mapping map[string]string) {
	forEachSelect(p.topSelect(), func(sel *pg_query.SelectStmt) {
		for _, rv := range fromRangeVars(sel) {
			phys, ok := mapping[rangeVarName(rv)]
			if !ok {
				continue
			}
			setPhysicalTable(rv, phys)
		}
	})
}

// ApplyPredicates conjoins each predicate into the WHERE clause of every
// SELECT that owns a FROM source matching the predicate's table. Columns in
// the predicate template are qualified with the occurrence's alias, or the
// bare table name when no alias is present.
func (p *ParsedSQL) ApplyPredicates(preds []TablePredicate) {
	if len(preds) == 0 {
		return
	}
	byTable := make(map[string][]*pg_query.Node, len(preds))
	for _, pr := range preds {
		byTable[pr.Table] = append(byTable[pr.Table], pr.Expr)
	}

	forEachSelect(p.topSelect(), func(sel *pg_query.SelectStmt) {
		for _, rv := range fromRangeVars(sel) {
			exprs, ok := byTable[rangeVarName(rv)]
			if !ok {
				continue
			}
			qualifier := rv.GetRelname()
			if rv.GetAlias().GetAliasname() != "" {
				qualifier = rv.GetAlias().GetAliasname()
			}
			for _, e := range exprs {
				cond := qualifyColumns(e, qualifier)
				andWhere(sel, cond)
			}
		}
	})
}

// ApplyDeny forces an empty result by conjoining FALSE into the WHERE clause
// of the top-level SELECT. For a top-level UNION every branch is denied so
// the statement returns zero rows regardless of its other predicates.
func (p *ParsedSQL) ApplyDeny() {
	var deny func(sel *pg_query.SelectStmt)
	deny = func(sel *pg_query.SelectStmt) {
		if sel.GetOp() == pg_query.SetOperation_SETOP_UNION {
			deny(sel.GetLarg())
			deny(sel.GetRarg())
			return
		}
		andWhere(sel, boolConst(false))
	}
	deny(p.topSelect())
}

// ---------------------------------------------------------------------------
// Tree helpers
// ---------------------------------------------------------------------------

// forEachSelect visits every SELECT in the statement: set-operation
// branches, CTE bodies, FROM subqueries and sublinks in expressions.
func forEachSelect(sel *pg_query.SelectStmt, fn func(*pg_query.SelectStmt)) {
	if sel == nil {
		return
	}
	fn(sel)

	if sel.GetWithClause() != nil {
		for _, cte := range sel.GetWithClause().GetCtes() {
			forEachSelect(cte.GetCommonTableExpr().GetCtequery().GetSelectStmt(), fn)
		}
	}
	if sel.GetOp() != pg_query.SetOperation_SETOP_NONE {
		forEachSelect(sel.GetLarg(), fn)
		forEachSelect(sel.GetRarg(), fn)
		return
	}
	for _, f := range sel.GetFromClause() {
		forEachFromSelect(f, fn)
	}
	for _, t := range sel.GetTargetList() {
		forEachExprSelect(t.GetResTarget().GetVal(), fn)
	}
	forEachExprSelect(sel.GetWhereClause(), fn)
	forEachExprSelect(sel.GetHavingClause(), fn)
	for _, g := range sel.GetGroupClause() {
		forEachExprSelect(g, fn)
	}
	for _, s := range sel.GetSortClause() {
		forEachExprSelect(s.GetSortBy().GetNode(), fn)
	}
}

func forEachFromSelect(n *pg_query.Node, fn func(*pg_query.SelectStmt)) {
	switch {
	case n.GetJoinExpr() != nil:
		j := n.GetJoinExpr()
		forEachFromSelect(j.GetLarg(), fn)
		forEachFromSelect(j.GetRarg(), fn)
		forEachExprSelect(j.GetQuals(), fn)
	case n.GetRangeSubselect() != nil:
		forEachSelect(n.GetRangeSubselect().GetSubquery().GetSelectStmt(), fn)
	}
}

func forEachExprSelect(n *pg_query.Node, fn func(*pg_query.SelectStmt)) {
	if n == nil || n.GetNode() == nil {
		return
	}
	switch {
	case n.GetSubLink() != nil:
		forEachExprSelect(n.GetSubLink().GetTestexpr(), fn)
		forEachSelect(n.GetSubLink().GetSubselect().GetSelectStmt(), fn)
	case n.GetAExpr() != nil:
		forEachExprSelect(n.GetAExpr().GetLexpr(), fn)
		forEachExprSelect(n.GetAExpr().GetRexpr(), fn)
	case n.GetBoolExpr() != nil:
		for _, a := range n.GetBoolExpr().GetArgs() {
			forEachExprSelect(a, fn)
		}
	case n.GetNullTest() != nil:
		forEachExprSelect(n.GetNullTest().GetArg(), fn)
	case n.GetFuncCall() != nil:
		for _, a := range n.GetFuncCall().GetArgs() {
			forEachExprSelect(a, fn)
		}
	case n.GetCoalesceExpr() != nil:
		for _, a := range n.GetCoalesceExpr().GetArgs() {
			forEachExprSelect(a, fn)
		}
	case n.GetMinMaxExpr() != nil:
		for _, a := range n.GetMinMaxExpr().GetArgs() {
			forEachExprSelect(a, fn)
		}
	case n.GetList() != nil:
		for _, item := range n.GetList().GetItems() {
			forEachExprSelect(item, fn)
		}
	}
}

// fromRangeVars returns the table references owned by this SELECT's FROM
// clause, descending through joins but not into subqueries.
func fromRangeVars(sel *pg_query.SelectStmt) []*pg_query.RangeVar {
	var out []*pg_query.RangeVar
	var visit func(n *pg_query.Node)
	visit = func(n *pg_query.Node) {
		switch {
		case n.GetRangeVar() != nil:
			out = append(out, n.GetRangeVar())
		case n.GetJoinExpr() != nil:
			visit(n.GetJoinExpr().GetLarg())
			visit(n.GetJoinExpr().GetRarg())
		}
	}
	for _, f := range sel.GetFromClause() {
		visit(f)
	}
	return out
}

func setPhysicalTable(rv *pg_query.RangeVar, physical string) {
	parts := strings.Split(physical, ".")
	rv.Catalogname = ""
	rv.Schemaname = ""
	switch len(parts) {
	case 1:
		rv.Relname = parts[0]
	case 2:
		rv.Schemaname = parts[0]
		rv.Relname = parts[1]
	default:
		rv.Catalogname = parts[0]
		rv.Schemaname = parts[1]
		rv.Relname = strings.Join(parts[2:], ".")
	}
}

// qualifyColumns clones expr and prefixes every unqualified column reference
// with qualifier. Qualification stops at subquery boundaries: a pointer-table
// subquery keeps its own column scope.
func qualifyColumns(expr *pg_query.Node, qualifier string) *pg_query.Node {
	cloned, _ := proto.Clone(expr).(*pg_query.Node)
	var visit func(n *pg_query.Node)
	visit = func(n *pg_query.Node) {
		if n == nil || n.GetNode() == nil {
			return
		}
		switch {
		case n.GetColumnRef() != nil:
			cr := n.GetColumnRef()
			if len(cr.GetFields()) == 1 && cr.GetFields()[0].GetString_() != nil {
				cr.Fields = append([]*pg_query.Node{stringNode(qualifier)}, cr.Fields...)
			}
		case n.GetSubLink() != nil:
			// outer test expression is in the outer scope, the subselect is not
			visit(n.GetSubLink().GetTestexpr())
		case n.GetAExpr() != nil:
			visit(n.GetAExpr().GetLexpr())
			visit(n.GetAExpr().GetRexpr())
		case n.GetBoolExpr() != nil:
			for _, a := range n.GetBoolExpr().GetArgs() {
				visit(a)
			}
		case n.GetNullTest() != nil:
			visit(n.GetNullTest().GetArg())
		case n.GetFuncCall() != nil:
			for _, a := range n.GetFuncCall().GetArgs() {
				visit(a)
			}
		case n.GetList() != nil:
			for _, item := range n.GetList().GetItems() {
				visit(item)
			}
		}
	}
	visit(cloned)
	return cloned
}

func andWhere(sel *pg_query.SelectStmt, cond *pg_query.Node) {
	if sel.GetWhereClause() == nil {
		sel.WhereClause = cond
		return
	}
	sel.WhereClause = &pg_query.Node{Node: &pg_query.Node_BoolExpr{BoolExpr: &pg_query.BoolExpr{
		Boolop: pg_query.BoolExprType_AND_EXPR,
		Args:   []*pg_query.Node{sel.GetWhereClause(), cond},
	}}}
}

func stringNode(s string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: s}}}
}

func boolConst(b bool) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val: &pg_query.A_Const_Boolval{Boolval: &pg_query.Boolean{Boolval: b}},
	}}}
}
