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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAccepts(t *testing.T) {
	tcs := []struct {
		name string
		sql  string
	}{
		{"simple select", "SELECT id, name FROM measurements"},
		{"star select", "SELECT * FROM measurements"},
		{"where clause", "SELECT id FROM measurements WHERE value > 10 AND name = 'pm10'"},
		{"semicolon inside literal", "SELECT id FROM measurements WHERE name = 'a;b'"},
		{"doubled quote in literal", "SELECT id FROM measurements WHERE name = 'it''s;fine'"},
		{"join", "SELECT m.id, s.label FROM measurements m JOIN stations s ON m.station_id = s.id"},
		{"group by with aggregates", "SELECT station_id, avg(value), count(*) FROM measurements GROUP BY station_id HAVING count(*) > 3"},
		{"order by", "SELECT id FROM measurements ORDER BY id DESC"},
		{"distinct", "SELECT DISTINCT station_id FROM measurements"},
		{"union", "SELECT id FROM east UNION SELECT id FROM west"},
		{"cte", "WITH recent AS (SELECT id, value FROM measurements WHERE value > 0) SELECT * FROM recent"},
		{"from subquery", "SELECT t.id FROM (SELECT id FROM measurements) AS t"},
		{"in subquery", "SELECT id FROM measurements WHERE station_id IN (SELECT id FROM stations)"},
		{"scalar subquery", "SELECT id FROM measurements WHERE value > (SELECT avg(value) FROM measurements)"},
		{"between", "SELECT id FROM measurements WHERE value BETWEEN 1 AND 5"},
		{"null test", "SELECT id FROM measurements WHERE name IS NOT NULL"},
		{"coalesce and nullif", "SELECT coalesce(name, 'unknown'), nullif(value, 0) FROM measurements"},
		{"greatest", "SELECT greatest(a, b) FROM measurements"},
		{"date functions", "SELECT date_trunc('day', observed_at) FROM measurements WHERE observed_at < CURRENT_TIMESTAMP"},
		{"postgis functions", "SELECT st_asgeojson(geom) FROM parcels WHERE st_dwithin(geom, st_setsrid(st_makepoint(4.3, 50.8), 4326), 100)"},
		{"dotted dataset id", "SELECT id FROM air.quality.hourly"},
		{"case-insensitive keywords", "select ID from Measurements where VALUE = 3"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.sql); err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tc.sql, err)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tcs := []struct {
		name    string
		sql     string
		wantMsg string
	}{
		{"empty", "", "Empty SQL query"},
		{"blank", "   \n\t", "Empty SQL query"},
		{"semicolon", "SELECT id FROM measurements;", "Semicolons are not allowed"},
		{"stacked statements", "SELECT 1; DROP TABLE measurements", "Semicolons are not allowed"},
		{"line comment", "SELECT id FROM measurements -- sneak", "SQL comments are not allowed"},
		{"block comment", "SELECT /* hidden */ id FROM measurements", "SQL comments are not allowed"},
		{"insert", "INSERT INTO measurements (id) VALUES (1)", ""},
		{"update", "UPDATE measurements SET value = 0", "Only SELECT queries are allowed"},
		{"delete", "DELETE FROM measurements", "Only SELECT queries are allowed"},
		{"drop", "DROP TABLE measurements", "Only SELECT queries are allowed"},
		{"explain", "EXPLAIN SELECT id FROM measurements", "Only SELECT queries are allowed"},
		{"select into", "SELECT id INTO copied FROM measurements", ""},
		{"values", "VALUES (1), (2)", "VALUES lists are not allowed"},
		{"limit", "SELECT id FROM measurements LIMIT 5", "LIMIT/OFFSET are not allowed; pagination is applied by the service"},
		{"offset", "SELECT id FROM measurements OFFSET 5", "LIMIT/OFFSET are not allowed; pagination is applied by the service"},
		{"window function", "SELECT rank() OVER (ORDER BY value) FROM measurements", ""},
		{"for update", "SELECT id FROM measurements FOR UPDATE", "Row locking is not allowed"},
		{"distinct on", "SELECT DISTINCT ON (station_id) id FROM measurements", "DISTINCT ON is not allowed"},
		{"except", "SELECT id FROM east EXCEPT SELECT id FROM west", "Set operation not allowed"},
		{"intersect", "SELECT id FROM east INTERSECT SELECT id FROM west", "Set operation not allowed"},
		{"lateral", "SELECT t.id FROM measurements m, LATERAL (SELECT m.id) AS t", "LATERAL is not allowed"},
		{"set returning function", "SELECT * FROM generate_series(1, 10)", "Function calls in FROM are not allowed"},
		{"forbidden function", "SELECT pg_sleep(10) FROM measurements", `Function "pg_sleep" not allowed`},
		{"version probe", "SELECT version()", `Function "version" not allowed`},
		{"tautology", "SELECT id FROM measurements WHERE 1 = 1", "Tautological comparison not allowed"},
		{"parenthesised tautology", "SELECT id FROM measurements WHERE (1) = (1)", "Tautological comparison not allowed"},
		{"column tautology", "SELECT id FROM measurements WHERE id = id", "Tautological comparison not allowed"},
		{"string tautology", "SELECT id FROM measurements WHERE 'a' = 'a'", "Tautological comparison not allowed"},
		{"forbidden operator", "SELECT id FROM measurements WHERE name ~ 'x'", `Operator "~" not allowed`},
		{"exists subquery", "SELECT id FROM measurements WHERE EXISTS (SELECT 1 FROM stations)", "Unsupported subquery form"},
		{"nested union limit expression", "SELECT * FROM (SELECT a FROM t UNION SELECT a FROM t LIMIT pg_sleep(10)) AS s", `Function "pg_sleep" not allowed`},
		{"nested union offset expression", "SELECT * FROM (SELECT a FROM t UNION SELECT a FROM t OFFSET pg_sleep(10)) AS s", `Function "pg_sleep" not allowed`},
		{"union order by expression", "SELECT a FROM t UNION SELECT a FROM t ORDER BY pg_sleep(1)", `Function "pg_sleep" not allowed`},
		{"grouping sets", "SELECT station_id FROM measurements GROUP BY GROUPING SETS ((station_id), ())", "GROUPING SETS are not allowed"},
		{"unbalanced", "SELECT id FROM measurements WHERE (", "Invalid SQL"},
		{"garbage", "not sql at all", "Invalid SQL"},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.sql)
			if err == nil {
				t.Fatalf("Parse(%q) expected error, got nil", tc.sql)
			}
			if tc.wantMsg != "" && !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("Parse(%q) error = %q, want contains %q", tc.sql, err, tc.wantMsg)
			}
		})
	}
}

func TestParseDepthLimit(t *testing.T) {
	deep := "SELECT id FROM measurements WHERE value = " + strings.Repeat("abs(", 60) + "1" + strings.Repeat(")", 60)
	if _, err := Parse(deep); err == nil {
		t.Fatal("expected deeply nested query to be rejected")
	} else if !strings.Contains(err.Error(), "Query exceeds maximum complexity") {
		t.Errorf("unexpected error: %v", err)
	}

	shallow := "SELECT id FROM measurements WHERE value = " + strings.Repeat("abs(", 10) + "1" + strings.Repeat(")", 10)
	if _, err := Parse(shallow); err != nil {
		t.Fatalf("shallow nesting rejected: %v", err)
	}
}

func TestReferencedTables(t *testing.T) {
	tcs := []struct {
		name string
		sql  string
		want []string
	}{
		{"single", "SELECT id FROM measurements", []string{"measurements"}},
		{"join dedup", "SELECT 1 FROM a JOIN b ON a.id = b.id JOIN a a2 ON a2.id = b.id", []string{"a", "b"}},
		{"subqueries", "SELECT 1 FROM a WHERE id IN (SELECT id FROM b)", []string{"a", "b"}},
		{"union", "SELECT id FROM east UNION SELECT id FROM west", []string{"east", "west"}},
		{"cte excluded", "WITH recent AS (SELECT id FROM measurements) SELECT * FROM recent", []string{"measurements"}},
		{"dotted", "SELECT 1 FROM air.quality.hourly", []string{"air.quality.hourly"}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Parse(tc.sql)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if diff := cmp.Diff(tc.want, p.ReferencedTables); diff != "" {
				t.Errorf("ReferencedTables mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeparseRoundTrip(t *testing.T) {
	p, err := Parse("SELECT m.id, s.label FROM measurements m JOIN stations s ON m.station_id = s.id WHERE m.value > 10")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sql, err := p.Deparse()
	if err != nil {
		t.Fatalf("Deparse: %v", err)
	}
	// The deparsed text must itself pass validation.
	if _, err := Parse(sql); err != nil {
		t.Fatalf("deparsed SQL rejected: %v\nsql: %s", err, sql)
	}
}

func mustParse(t *testing.T, sql string) *ParsedSQL {
	t.Helper()
	p, err := Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	return p
}

func deparse(t *testing.T, p *ParsedSQL) string {
	t.Helper()
	sql, err := p.Deparse()
	if err != nil {
		t.Fatalf("Deparse: %v", err)
	}
	return sql
}

func TestSubstituteTables(t *testing.T) {
	p := mustParse(t, "SELECT id FROM air_quality WHERE value > 1")
	p.SubstituteTables(map[string]string{"air_quality": "warehouse.air_quality_v2"})
	sql := deparse(t, p)
	if !strings.Contains(sql, "warehouse.air_quality_v2") {
		t.Errorf("substituted table missing: %s", sql)
	}
	if strings.Contains(sql, "FROM air_quality ") {
		t.Errorf("logical table still present: %s", sql)
	}
}

func TestSubstituteTablesDotted(t *testing.T) {
	p := mustParse(t, "SELECT id FROM air.quality")
	p.SubstituteTables(map[string]string{"air.quality": "public.aq"})
	sql := deparse(t, p)
	if !strings.Contains(sql, "public.aq") {
		t.Errorf("dotted substitution failed: %s", sql)
	}
}

func TestApplyPredicates(t *testing.T) {
	pred, err := ParsePredicate("owner_id = 'user-1'")
	if err != nil {
		t.Fatalf("ParsePredicate: %v", err)
	}

	t.Run("no existing where", func(t *testing.T) {
		p := mustParse(t, "SELECT id FROM meters")
		p.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
		sql := deparse(t, p)
		if !strings.Contains(sql, "meters.owner_id = 'user-1'") {
			t.Errorf("predicate not qualified and conjoined: %s", sql)
		}
	})

	t.Run("conjoined with existing where", func(t *testing.T) {
		p := mustParse(t, "SELECT id FROM meters WHERE value > 5")
		p.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
		sql := deparse(t, p)
		if !strings.Contains(sql, "value > 5") || !strings.Contains(sql, "owner_id = 'user-1'") {
			t.Errorf("original predicate lost: %s", sql)
		}
		if !strings.Contains(sql, "AND") {
			t.Errorf("predicates not AND-conjoined: %s", sql)
		}
	})

	t.Run("alias qualification", func(t *testing.T) {
		p := mustParse(t, "SELECT m.id FROM meters m JOIN sites s ON m.site_id = s.id")
		p.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
		sql := deparse(t, p)
		if !strings.Contains(sql, "m.owner_id = 'user-1'") {
			t.Errorf("predicate not qualified with alias: %s", sql)
		}
	})

	t.Run("every occurrence filtered", func(t *testing.T) {
		p := mustParse(t, "SELECT id FROM meters UNION SELECT id FROM meters")
		p.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
		sql := deparse(t, p)
		if got := strings.Count(sql, "owner_id = 'user-1'"); got != 2 {
			t.Errorf("want predicate on both branches, got %d: %s", got, sql)
		}
	})

	t.Run("subquery occurrence filtered", func(t *testing.T) {
		p := mustParse(t, "SELECT t.id FROM (SELECT id, owner_id FROM meters) AS t")
		p.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
		sql := deparse(t, p)
		if !strings.Contains(sql, "owner_id = 'user-1'") {
			t.Errorf("subquery occurrence not filtered: %s", sql)
		}
	})

	t.Run("unrelated table untouched", func(t *testing.T) {
		p := mustParse(t, "SELECT id FROM sites")
		p.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
		sql := deparse(t, p)
		if strings.Contains(sql, "owner_id") {
			t.Errorf("predicate leaked onto unrelated table: %s", sql)
		}
	})
}

func TestSubstituteThenApplyPredicates(t *testing.T) {
	// Predicates injected after substitution must qualify against the
	// physical relation actually present in the tree; the result has to
	// survive a reparse.
	pred, err := ParsePredicate("owner_sub = 'alice'")
	if err != nil {
		t.Fatalf("ParsePredicate: %v", err)
	}
	p := mustParse(t, "SELECT id FROM ds_meters WHERE value > 0")
	p.SubstituteTables(map[string]string{"ds_meters": "public.t"})
	p.ApplyPredicates([]TablePredicate{{Table: "public.t", Expr: pred}})
	sql := deparse(t, p)
	if strings.Contains(sql, "ds_meters") {
		t.Errorf("logical name survived into the final statement: %s", sql)
	}
	if !strings.Contains(sql, "t.owner_sub = 'alice'") {
		t.Errorf("predicate not qualified with the physical relation: %s", sql)
	}
	if _, err := Parse(sql); err != nil {
		t.Fatalf("rewritten SQL rejected on reparse: %v\nsql: %s", err, sql)
	}
}

func TestApplyPredicateIdempotentSource(t *testing.T) {
	// Applying the same predicate template to two statements must not let
	// one application mutate the shared template.
	pred, err := ParsePredicate("owner_id = 'u'")
	if err != nil {
		t.Fatalf("ParsePredicate: %v", err)
	}
	p1 := mustParse(t, "SELECT id FROM meters m")
	p1.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
	p2 := mustParse(t, "SELECT id FROM meters")
	p2.ApplyPredicates([]TablePredicate{{Table: "meters", Expr: pred}})
	sql := deparse(t, p2)
	if strings.Contains(sql, "m.owner_id") {
		t.Errorf("template mutated by earlier application: %s", sql)
	}
}

func TestApplyDeny(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		p := mustParse(t, "SELECT id FROM meters WHERE value > 5")
		p.ApplyDeny()
		sql := deparse(t, p)
		if !strings.Contains(sql, "false") && !strings.Contains(sql, "FALSE") {
			t.Errorf("deny constant missing: %s", sql)
		}
	})
	t.Run("union branches all denied", func(t *testing.T) {
		p := mustParse(t, "SELECT id FROM east UNION SELECT id FROM west")
		p.ApplyDeny()
		sql := strings.ToLower(deparse(t, p))
		if got := strings.Count(sql, "false"); got != 2 {
			t.Errorf("want FALSE on both branches, got %d: %s", got, sql)
		}
	})
}

func TestParsePredicate(t *testing.T) {
	if _, err := ParsePredicate("owner_id = 'x'"); err != nil {
		t.Fatalf("valid fragment rejected: %v", err)
	}
	if _, err := ParsePredicate("not a predicate at"); err == nil {
		t.Fatal("invalid fragment accepted")
	}
}

func TestCheckIdent(t *testing.T) {
	for _, ok := range []string{"col", "schema.table", "a.b.c", "_x1"} {
		if err := CheckIdent(ok); err != nil {
			t.Errorf("CheckIdent(%q) unexpected error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "1col", "col; DROP", "a.b.c.d", "weird-name", "col '"} {
		if err := CheckIdent(bad); err == nil {
			t.Errorf("CheckIdent(%q) expected error", bad)
		}
	}
}

func TestQuoteLiteral(t *testing.T) {
	if got := QuoteLiteral("it's"); got != "'it''s'" {
		t.Errorf("QuoteLiteral = %s", got)
	}
	if got := QuoteLiteral("plain"); got != "'plain'" {
		t.Errorf("QuoteLiteral = %s", got)
	}
}

func TestFormatLiteral(t *testing.T) {
	tcs := []struct {
		in   any
		want string
	}{
		{"s", "'s'"},
		{true, "TRUE"},
		{false, "FALSE"},
		{int64(42), "42"},
		{1.5, "1.5"},
	}
	for _, tc := range tcs {
		if got := FormatLiteral(tc.in); got != tc.want {
			t.Errorf("FormatLiteral(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
