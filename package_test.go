// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	. "gopkg.in/check.v1"

	"github.com/canonical/jsonquery"
	"github.com/canonical/jsonquery/internal/test"
)

type PackageSuite struct {
	db *sql.DB
	m  *jsonquery.Manager
}

var _ = Suite(&PackageSuite{})

func (s *PackageSuite) SetUpSuite(c *C) {
	var err error
	s.db, err = test.OpenSQLite(context.Background())
	c.Assert(err, IsNil)
	s.m = newManager(c, s.db)
}

func (s *PackageSuite) TearDownSuite(c *C) {
	if s.m != nil {
		c.Check(s.m.Close(), IsNil)
	}
	if s.db != nil {
		s.db.Close()
	}
}

func newManager(c *C, db *sql.DB, opts ...jsonquery.Option) *jsonquery.Manager {
	m := jsonquery.New(db, opts...)
	c.Assert(m.AddModel(test.Manager{}), IsNil)
	c.Assert(m.AddModel(test.Employee{}), IsNil)
	return m
}

// doc decodes a query document.
func doc(c *C, s string) map[string]any {
	var m map[string]any
	c.Assert(json.Unmarshal([]byte(s), &m), IsNil)
	return m
}

const (
	michael = `{"id":1,"name":"michael","surname":"michael","age":40,"salary":3000.5,"hired":"2015-03-01","manager_id":1}`
	jack    = `{"id":2,"name":"jack","surname":"j","age":25,"salary":2000,"hired":"2019-06-15","manager_id":1}`
	jilly   = `{"id":3,"name":"jilly","surname":"j","age":19,"salary":1500.25,"hired":"2021-01-10","manager_id":1}`
	francy  = `{"id":4,"name":"francy","surname":"f","age":31,"salary":null,"hired":"2017-11-20","manager_id":null}`
	johnny  = `{"id":1,"name":"johnny"}`
)

func page(page, totalPages, numResults int, objects ...string) string {
	return fmt.Sprintf(`{"page":%d,"total_pages":%d,"num_results":%d,"objects":[%s]}`,
		page, totalPages, numResults, joinObjects(objects))
}

func joinObjects(objects []string) string {
	out := ""
	for i, o := range objects {
		if i > 0 {
			out += ","
		}
		out += o
	}
	return out
}

func (s *PackageSuite) TestSelect(c *C) {
	tests := []struct {
		summary string
		model   string
		query   string
		opts    []jsonquery.SelectOption
		result  string
	}{{
		summary: "no query matches everything",
		model:   "employees",
		result:  page(1, 1, 4, michael, jack, jilly, francy),
	}, {
		summary: "empty filter list matches everything",
		model:   "employees",
		query:   `{"filters": []}`,
		result:  page(1, 1, 4, michael, jack, jilly, francy),
	}, {
		summary: "empty and junction matches everything",
		model:   "employees",
		query:   `{"filters": [{"junk": "and", "filters": []}]}`,
		result:  page(1, 1, 4, michael, jack, jilly, francy),
	}, {
		summary: "equality on a single row model",
		model:   "managers",
		query:   `{"filters": [{"name": "name", "op": "eq", "val": "johnny"}]}`,
		result:  page(1, 1, 1, johnny),
	}, {
		summary: "equality matching nothing",
		model:   "managers",
		query:   `{"filters": [{"name": "name", "op": "eq", "val": "nobody"}]}`,
		result:  page(1, 0, 0),
	}, {
		summary: "or nested in and",
		model:   "employees",
		query: `{"filters": [{"junk": "and", "filters": [
			{"junk": "or", "filters": [{"name": "name", "op": "eq", "val": "jack"}, {"name": "name", "op": "eq", "val": "francy"}]},
			{"junk": "or", "filters": [{"name": "surname", "op": "eq", "val": "j"}]}
		]}]}`,
		result: page(1, 1, 1, jack),
	}, {
		summary: "disjunction of the top level filters",
		model:   "employees",
		query:   `{"filters": [{"name": "age", "op": "<", "val": 20}, {"name": "age", "op": ">", "val": 35}], "disjunction": true}`,
		result:  page(1, 1, 2, michael, jilly),
	}, {
		summary: "any on a to-many relation",
		model:   "managers",
		query:   `{"filters": [{"name": "employees", "op": "any", "val": {"name": "name", "op": "eq", "val": "jack"}}]}`,
		result:  page(1, 1, 1, johnny),
	}, {
		summary: "any matching nothing",
		model:   "managers",
		query:   `{"filters": [{"name": "employees", "op": "any", "val": {"name": "name", "op": "eq", "val": "nobody"}}]}`,
		result:  page(1, 0, 0),
	}, {
		summary: "any with a scalar value",
		model:   "managers",
		query:   `{"filters": [{"name": "employees__name", "op": "any", "val": "jilly"}]}`,
		result:  page(1, 1, 1, johnny),
	}, {
		summary: "has on a to-one relation",
		model:   "employees",
		query:   `{"filters": [{"name": "manager", "op": "has", "val": {"name": "name", "op": "eq", "val": "johnny"}}], "order_by": [{"field": "age", "direction": "desc"}]}`,
		result:  page(1, 1, 3, michael, jack, jilly),
	}, {
		summary: "relation qualified field",
		model:   "employees",
		query:   `{"filters": [{"name": "manager.name", "op": "eq", "val": "johnny"}], "limit": 1}`,
		result:  page(1, 1, 1, michael),
	}, {
		summary: "field to field comparison",
		model:   "employees",
		query:   `{"filters": [{"name": "name", "op": "eq", "field": "surname"}]}`,
		result:  page(1, 1, 1, michael),
	}, {
		summary: "null comparison ignores the value",
		model:   "employees",
		query:   `{"filters": [{"name": "manager_id", "op": "is_null", "val": 3}]}`,
		result:  page(1, 1, 1, francy),
	}, {
		summary: "in",
		model:   "employees",
		query:   `{"filters": [{"name": "id", "op": "in", "val": [2, 4, 7]}]}`,
		result:  page(1, 1, 2, jack, francy),
	}, {
		summary: "order by several fields",
		model:   "employees",
		query:   `{"order_by": [{"field": "surname", "direction": "asc"}, {"field": "age", "direction": "desc"}]}`,
		result:  page(1, 1, 4, francy, jack, jilly, michael),
	}, {
		summary: "limit and offset",
		model:   "employees",
		query:   `{"limit": 2, "offset": 1}`,
		result:  page(1, 1, 2, jack, jilly),
	}, {
		summary: "zero limit matches nothing",
		model:   "employees",
		query:   `{"limit": 0}`,
		result:  page(1, 0, 0),
	}, {
		summary: "second page",
		model:   "employees",
		opts:    []jsonquery.SelectOption{jsonquery.Page(2), jsonquery.ResultsPerPage(3)},
		result:  page(2, 2, 4, francy),
	}, {
		summary: "page out of range",
		model:   "employees",
		opts:    []jsonquery.SelectOption{jsonquery.Page(5), jsonquery.ResultsPerPage(3)},
		result:  page(5, 2, 4),
	}, {
		summary: "unbounded page",
		model:   "employees",
		opts:    []jsonquery.SelectOption{jsonquery.Page(3), jsonquery.ResultsPerPage(0)},
		result:  page(1, 1, 4, michael, jack, jilly, francy),
	}, {
		summary: "single record",
		model:   "employees",
		query:   `{"filters": [{"name": "name", "op": "eq", "val": "jack"}], "single": true}`,
		result:  jack,
	}, {
		summary: "aggregate count",
		model:   "employees",
		query:   `{"functions": [{"name": "count", "field": "id"}]}`,
		result:  `{"count__id":4}`,
	}, {
		summary: "filtered aggregates",
		model:   "employees",
		query:   `{"filters": [{"name": "surname", "op": "eq", "val": "j"}], "functions": [{"name": "max", "field": "age"}, {"name": "min", "field": "hired"}]}`,
		result:  `{"max__age":25,"min__hired":"2019-06-15"}`,
	}, {
		summary: "relation expansion",
		model:   "managers",
		query:   `{"to_dict": {"deep": {"employees": []}, "include_relations": {"employees": ["name"]}}}`,
		result:  page(1, 1, 1, `{"id":1,"name":"johnny","employees":[{"name":"michael"},{"name":"jack"},{"name":"jilly"}]}`),
	}, {
		summary: "joined relation expansion",
		model:   "employees",
		query:   `{"filters": [{"name": "age", "op": "ge", "val": 31}], "joinedload": ["manager"], "to_dict": {"include": ["name"], "deep": {"manager": []}}}`,
		result:  page(1, 1, 2, `{"name":"michael","manager":`+johnny+`}`, `{"name":"francy","manager":null}`),
	}}

	for i, test := range tests {
		var query map[string]any
		if test.query != "" {
			query = doc(c, test.query)
		}
		out, err := s.m.SelectJSON(context.Background(), test.model, query, test.opts...)
		c.Assert(err, IsNil, Commentf("test %d: %s", i, test.summary))
		c.Check(string(out), Equals, test.result, Commentf("test %d: %s", i, test.summary))
	}
}

func (s *PackageSuite) TestPagesAddUpToTotal(c *C) {
	for size := 1; size <= 5; size++ {
		sum, pages := 0, 0
		for n := 1; ; n++ {
			result, err := s.m.Select(context.Background(), "employees", nil, jsonquery.Page(n), jsonquery.ResultsPerPage(size))
			c.Assert(err, IsNil)
			p := result.(*jsonquery.PageResult)
			if len(p.Objects) == 0 {
				c.Check(n, Equals, p.TotalPages+1)
				break
			}
			c.Check(p.NumResults, Equals, 4)
			sum += len(p.Objects)
			pages++
		}
		c.Check(sum, Equals, 4, Commentf("page size %d", size))
		c.Check(pages, Equals, (4+size-1)/size, Commentf("page size %d", size))
	}
}

func (s *PackageSuite) TestIdempotent(c *C) {
	queries := []string{
		`{"filters": [{"name": "age", "op": "lt", "val": 35}], "to_dict": {"deep": {"manager": []}}}`,
		`{"functions": [{"name": "sum", "field": "salary"}, {"name": "avg", "field": "age"}]}`,
	}
	for _, q := range queries {
		first, err := s.m.SelectJSON(context.Background(), "employees", doc(c, q))
		c.Assert(err, IsNil)
		second, err := s.m.SelectJSON(context.Background(), "employees", doc(c, q))
		c.Assert(err, IsNil)
		c.Check(string(second), Equals, string(first))
	}
}

func (s *PackageSuite) TestSelectByUnique(c *C) {
	r, err := s.m.SelectByUnique(context.Background(), "employees", 3, "")
	c.Assert(err, IsNil)
	out, err := s.m.ToJSON(r)
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, jilly)

	r, err = s.m.SelectByUnique(context.Background(), "employees", "francy", "name")
	c.Assert(err, IsNil)
	c.Check(r.Keys()[0], Equals, "id")
	id, _ := r.Get("id")
	c.Check(id, Equals, int64(4))

	_, err = s.m.SelectByUnique(context.Background(), "employees", 9, "id")
	c.Check(errors.Is(err, jsonquery.ErrNotFound), Equals, true)
	_, err = s.m.SelectByUnique(context.Background(), "employees", "j", "surname")
	c.Check(errors.Is(err, jsonquery.ErrMultipleResults), Equals, true)
	_, err = s.m.SelectByUnique(context.Background(), "employees", 1, "height")
	c.Check(errors.Is(err, jsonquery.ErrUnknownField), Equals, true)
}

func (s *PackageSuite) TestErrors(c *C) {
	tests := []struct {
		summary    string
		model      string
		query      string
		opts       []jsonquery.SelectOption
		kind       string
		identifier string
	}{{
		summary:    "unknown model",
		model:      "departments",
		kind:       "ModelNotFound",
		identifier: "departments",
	}, {
		summary:    "malformed filter",
		model:      "employees",
		query:      `{"filters": [{"name": "age", "val": 3}]}`,
		kind:       "MalformedSpecification",
		identifier: "filters[0].op",
	}, {
		summary:    "bad page",
		model:      "employees",
		opts:       []jsonquery.SelectOption{jsonquery.Page(0)},
		kind:       "MalformedSpecification",
		identifier: "page",
	}, {
		summary:    "unknown operator",
		model:      "employees",
		query:      `{"filters": [{"name": "age", "op": "bogus", "val": 3}]}`,
		kind:       "UnknownOperator",
		identifier: "bogus",
	}, {
		summary:    "binary operator without value",
		model:      "employees",
		query:      `{"filters": [{"name": "age", "op": "eq"}]}`,
		kind:       "InvalidOperatorUsage",
		identifier: "eq",
	}, {
		summary:    "any on a to-one relation",
		model:      "employees",
		query:      `{"filters": [{"name": "manager", "op": "any", "val": {"name": "name", "op": "eq", "val": "johnny"}}]}`,
		kind:       "InvalidOperatorUsage",
		identifier: "any",
	}, {
		summary:    "unknown field",
		model:      "employees",
		query:      `{"filters": [{"name": "height", "op": "gt", "val": 3}]}`,
		kind:       "UnknownField",
		identifier: "height",
	}, {
		summary:    "unknown order field",
		model:      "employees",
		query:      `{"order_by": [{"field": "height", "direction": "asc"}]}`,
		kind:       "UnknownField",
		identifier: "height",
	}, {
		summary:    "unknown joined relation",
		model:      "employees",
		query:      `{"joinedload": ["department"]}`,
		kind:       "UnknownField",
		identifier: "department",
	}, {
		summary:    "unknown aggregate field",
		model:      "employees",
		query:      `{"functions": [{"name": "count", "field": "id"}, {"name": "sum", "field": "height"}]}`,
		kind:       "UnknownField",
		identifier: "height",
	}, {
		summary:    "unsupported aggregate function",
		model:      "employees",
		query:      `{"functions": [{"name": "count", "field": "id"}, {"name": "median", "field": "age"}]}`,
		kind:       "UnsupportedAggregateFunction",
		identifier: "median",
	}, {
		summary: "no single match",
		model:   "employees",
		query:   `{"filters": [{"name": "age", "op": "gt", "val": 99}], "single": true}`,
		kind:    "NotFound",
	}, {
		summary: "several single matches",
		model:   "employees",
		query:   `{"filters": [{"name": "surname", "op": "eq", "val": "j"}], "single": true}`,
		kind:    "MultipleResults",
	}}

	for i, test := range tests {
		var query map[string]any
		if test.query != "" {
			query = doc(c, test.query)
		}
		_, err := s.m.Select(context.Background(), test.model, query, test.opts...)
		c.Assert(err, NotNil, Commentf("test %d: %s", i, test.summary))
		c.Check(jsonquery.Kind(err), Equals, test.kind, Commentf("test %d: %s: %v", i, test.summary, err))
		c.Check(jsonquery.Identifier(err), Equals, test.identifier, Commentf("test %d: %s", i, test.summary))
		c.Check(jsonquery.IsClientError(err), Equals, true, Commentf("test %d: %s", i, test.summary))
	}
}

func (s *PackageSuite) TestNullHint(c *C) {
	_, err := s.m.Select(context.Background(), "employees", doc(c, `{"filters": [{"name": "salary", "op": "eq", "val": null}]}`))
	c.Assert(errors.Is(err, jsonquery.ErrInvalidOperatorUsage), Equals, true)
	c.Check(errors.GetAllHints(err), DeepEquals, []string{"use is_null or is_not_null to compare with null"})
}

// TestRejectedBeforeStorage runs on a database that expects nothing, so any
// storage access fails the test.
func (s *PackageSuite) TestRejectedBeforeStorage(c *C) {
	db, mock, err := sqlmock.New()
	c.Assert(err, IsNil)
	defer db.Close()
	m := newManager(c, db)

	queries := []string{
		`{"filters": [{"name": "age", "op": "bogus", "val": 3}]}`,
		`{"filters": [{"junk": "or", "filters": [{"name": "age", "op": "eq", "val": 3}, {"name": "age", "op": "~", "val": 3}]}]}`,
		`{"filters": [{"name": "height", "op": "eq", "val": 3}]}`,
		`{"to_dict": {"deep": {"department": []}}}`,
		`{"functions": [{"name": "sum", "field": "height"}]}`,
	}
	for _, q := range queries {
		_, err := m.Select(context.Background(), "employees", doc(c, q))
		c.Check(jsonquery.IsClientError(err), Equals, true, Commentf("%s: %v", q, err))
	}
	c.Assert(mock.ExpectationsWereMet(), IsNil)
}

func (s *PackageSuite) TestStorageErrorPassesThrough(c *C) {
	db, mock, err := sqlmock.New()
	c.Assert(err, IsNil)
	defer db.Close()
	m := newManager(c, db, jsonquery.WithStatementCache(false))

	failure := errors.New("connection reset by peer")
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "employees" AS "t0"`).WillReturnError(failure)
	mock.ExpectRollback()

	_, err = m.Select(context.Background(), "employees", nil)
	c.Check(err, Equals, failure)
	c.Check(jsonquery.IsClientError(err), Equals, false)
	c.Assert(mock.ExpectationsWereMet(), IsNil)
}

func (s *PackageSuite) TestRoundTrips(c *C) {
	tests := []struct {
		summary  string
		query    string
		trips    int
		prepared int
	}{{
		summary: "page: count then window",
		query:   `{}`,
		trips:   2,
	}, {
		summary: "single: window only",
		query:   `{"filters": [{"name": "id", "op": "eq", "val": 1}], "single": true}`,
		trips:   1,
	}, {
		summary: "aggregate: one statement for every function",
		query:   `{"functions": [{"name": "count", "field": "id"}, {"name": "sum", "field": "age"}, {"name": "max", "field": "hired"}]}`,
		trips:   1,
	}, {
		summary: "aggregate: no functions",
		query:   `{"functions": []}`,
		trips:   2,
	}, {
		summary:  "lazy relation: one statement per related record, prepared after the request",
		query:    `{"to_dict": {"deep": {"manager": []}}}`,
		trips:    5,
		prepared: 1,
	}, {
		summary: "joined relation: one statement per relation",
		query:   `{"to_dict": {"deep": {"manager": []}}, "joinedload": ["manager"]}`,
		trips:   3,
	}}

	for i, tc := range tests {
		name := fmt.Sprintf("%s.%d", c.TestName(), i)
		db, err := sql.Open(jsonquery.CountingDriver, "file:"+name+"?mode=memory&cache=shared&"+jsonquery.TestNameTag+"="+name)
		c.Assert(err, IsNil)
		db.SetMaxOpenConns(1)
		c.Assert(test.Populate(context.Background(), db), IsNil)
		m := newManager(c, db)

		before := jsonquery.QueriesRun(name)
		_, err = m.Select(context.Background(), "employees", doc(c, tc.query))
		c.Assert(err, IsNil, Commentf("test %d: %s", i, tc.summary))
		c.Check(jsonquery.QueriesRun(name)-before, Equals, tc.trips, Commentf("test %d: %s", i, tc.summary))
		c.Check(jsonquery.StatementsPrepared(name), Equals, tc.prepared, Commentf("test %d: %s", i, tc.summary))

		c.Check(m.Close(), IsNil)
		db.Close()
	}
}

func (s *PackageSuite) TestRecordOptionDefaults(c *C) {
	db, err := test.OpenSQLite(context.Background())
	c.Assert(err, IsNil)
	defer db.Close()
	m := jsonquery.New(db)
	defer m.Close()
	c.Assert(m.AddModel(test.Manager{}), IsNil)
	c.Assert(m.AddModel(test.Employee{}, jsonquery.WithRecordOptions(map[string]any{
		"include": []any{"name"},
		"deep":    map[string]any{"manager": []any{}},
	})), IsNil)

	query := `{"filters": [{"name": "id", "op": "eq", "val": 2}], "single": true}`
	out, err := m.SelectJSON(context.Background(), "employees", doc(c, query))
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, `{"name":"jack","manager":`+johnny+`}`)

	// The request overrides the defaults key by key, for itself only.
	override := `{"filters": [{"name": "id", "op": "eq", "val": 2}], "single": true, "to_dict": {"include": ["surname"]}}`
	out, err = m.SelectJSON(context.Background(), "employees", doc(c, override))
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, `{"surname":"j","manager":`+johnny+`}`)

	out, err = m.SelectJSON(context.Background(), "employees", doc(c, query))
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, `{"name":"jack","manager":`+johnny+`}`)

	err = m.AddModel(test.Manager{}, jsonquery.WithName("bosses"), jsonquery.WithRecordOptions(map[string]any{
		"include": []any{"name"}, "exclude": []any{"id"},
	}))
	c.Check(errors.Is(err, jsonquery.ErrMalformedSpecification), Equals, true)
}

func (s *PackageSuite) TestModels(c *C) {
	db, err := test.OpenSQLite(context.Background())
	c.Assert(err, IsNil)
	defer db.Close()
	m := newManager(c, db)
	defer m.Close()

	err = m.AddModel(test.Employee{})
	c.Check(errors.Is(err, jsonquery.ErrDuplicateModel), Equals, true)
	c.Check(jsonquery.Identifier(err), Equals, "employees")

	err = m.AddDefinition(jsonquery.Definition{
		Name:       "staff",
		Table:      "employees",
		PrimaryKey: []string{"id"},
		Fields: []jsonquery.FieldDefinition{
			{Name: "id", Type: "int"},
			{Name: "name", Type: "string"},
		},
	})
	c.Assert(err, IsNil)
	c.Check(m.Models(), DeepEquals, []string{"employees", "managers", "staff"})

	model, err := m.Model("staff")
	c.Assert(err, IsNil)
	c.Check(model.PrimaryKey(), DeepEquals, []string{"id"})

	out, err := m.SelectJSON(context.Background(), "staff", doc(c, `{"filters": [{"name": "name", "op": "like", "val": "j%"}]}`))
	c.Assert(err, IsNil)
	c.Check(string(out), Equals, page(1, 1, 2, `{"id":2,"name":"jack"}`, `{"id":3,"name":"jilly"}`))
}

func (s *PackageSuite) TestConcurrentSelects(c *C) {
	var wg sync.WaitGroup
	results := make([]string, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := map[string]any{"filters": []any{map[string]any{"name": "age", "op": "gt", "val": i}}}
			out, err := s.m.SelectJSON(context.Background(), "employees", q, jsonquery.ResultsPerPage(0))
			results[i], errs[i] = string(out), err
		}(i)
	}
	wg.Wait()
	for i := range results {
		c.Assert(errs[i], IsNil)
		c.Check(results[i], Equals, page(1, 1, 4, michael, jack, jilly, francy))
	}
}
