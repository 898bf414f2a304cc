// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package assemble builds the statements run for a query from its compiled
// predicate, ordering and window.
package assemble

import (
	"context"
	"database/sql"
	"math"

	sq "github.com/Masterminds/squirrel"

	"github.com/canonical/jsonquery/internal/compile"
	"github.com/canonical/jsonquery/internal/dialect"
	"github.com/canonical/jsonquery/internal/schema"
	"github.com/canonical/jsonquery/internal/search"
)

// Querier runs statements within one storage session.
type Querier interface {
	Query(ctx context.Context, stmt sq.Sqlizer) (*sql.Rows, error)
}

// Query is the lazy, not yet executed query over a model. Nothing is run
// until one of its statements is handed to a Querier.
type Query struct {
	compiler *compile.Compiler
	scope    compile.Scope
	where    sq.Sqlizer
	columns  []string
	order    []string
	limit    *int
	offset   *int
}

// Assemble checks the ordering against the model and returns the query.
// Without an explicit ordering the rows are sorted by primary key.
func Assemble(c *compile.Compiler, s compile.Scope, where sq.Sqlizer, order []search.Order, limit, offset *int) (*Query, error) {
	q := &Query{
		compiler: c,
		scope:    s,
		where:    where,
		limit:    limit,
		offset:   offset,
	}
	d := c.Dialect()
	for _, f := range s.Model.Fields() {
		q.columns = append(q.columns, d.Qualify(s.Alias, f.Name))
	}
	for _, o := range order {
		column, _, err := c.Column(s, o.Field)
		if err != nil {
			return nil, err
		}
		if o.Direction == search.Desc {
			column += " DESC"
		} else {
			column += " ASC"
		}
		q.order = append(q.order, column)
	}
	if len(q.order) == 0 {
		for _, pk := range s.Model.PrimaryKey() {
			q.order = append(q.order, d.Qualify(s.Alias, pk)+" ASC")
		}
	}
	return q, nil
}

// Model returns the queried model.
func (q *Query) Model() schema.Model {
	return q.scope.Model
}

// Dialect returns the dialect the statements are written in.
func (q *Query) Dialect() dialect.Dialect {
	return q.compiler.Dialect()
}

// Column resolves a scalar field of the model to its qualified column.
func (q *Query) Column(name string) (string, schema.Field, error) {
	return q.compiler.Column(q.scope, name)
}

// Fields returns the fields in the order Select returns their columns.
func (q *Query) Fields() []schema.Field {
	return q.scope.Model.Fields()
}

// Project returns SELECT exprs over the filtered rows, ignoring ordering and
// window.
func (q *Query) Project(exprs ...string) sq.SelectBuilder {
	return q.compiler.Dialect().StatementBuilder().
		Select(exprs...).
		From(q.compiler.From(q.scope)).
		Where(q.where)
}

// ordered returns the ordered statement without a window.
func (q *Query) ordered() sq.SelectBuilder {
	return q.Project(q.columns...).OrderBy(q.order...)
}

// Select returns the statement for the requested rows.
func (q *Query) Select() sq.SelectBuilder {
	return window(q.ordered(), q.offset, q.limit)
}

// Window returns the statement for rows [start, end) of the requested rows.
// The caller keeps end within the row count.
func (q *Query) Window(start, end int) sq.SelectBuilder {
	offset := start
	if q.offset != nil {
		offset += *q.offset
	}
	limit := end - start
	if limit < 0 {
		limit = 0
	}
	return window(q.ordered(), &offset, &limit)
}

// Count returns the statement counting the requested rows. The limit and
// offset of the query are honoured.
func (q *Query) Count() sq.SelectBuilder {
	if q.limit == nil && q.offset == nil {
		return q.Project("COUNT(*)")
	}
	inner := window(q.Project(q.columns...), q.offset, q.limit)
	return q.compiler.Dialect().StatementBuilder().
		Select("COUNT(*)").
		FromSelect(inner, "counted")
}

// window applies an offset and limit. SQLite and MySQL need a LIMIT with
// every OFFSET so a missing limit becomes the largest one.
func window(b sq.SelectBuilder, offset, limit *int) sq.SelectBuilder {
	if limit != nil {
		b = b.Limit(uint64(*limit))
	} else if offset != nil {
		b = b.Limit(math.MaxInt64)
	}
	if offset != nil && *offset > 0 {
		b = b.Offset(uint64(*offset))
	}
	return b
}
