// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package aggregate evaluates aggregate functions over the rows matched by a
// query.
package aggregate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"github.com/canonical/jsonquery/internal/assemble"
	"github.com/canonical/jsonquery/internal/encode"
	"github.com/canonical/jsonquery/internal/schema"
	"github.com/canonical/jsonquery/internal/search"
)

// ErrUnsupportedFunction is the sentinel of FunctionError.
var ErrUnsupportedFunction = errors.New("unsupported aggregate function")

// FunctionError is returned when the database does not know an aggregate
// function.
type FunctionError struct {
	Function string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("unsupported aggregate function %q", e.Function)
}

func (e *FunctionError) Unwrap() error {
	return ErrUnsupportedFunction
}

// validFunctionRx matches the function names passed to the database.
var validFunctionRx = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z_0-9]*$`)

// Result maps "<function>__<field>" keys to values. It marshals to a JSON
// object with the keys in request order.
type Result struct {
	keys   []string
	values map[string]any
}

func newResult() *Result {
	return &Result{values: map[string]any{}}
}

// set stores a value. A repeated key keeps its first position and takes the
// last value.
func (r *Result) set(key string, v any) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Keys returns the keys in request order.
func (r *Result) Keys() []string {
	return r.keys
}

// Get returns the value stored under key.
func (r *Result) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Len returns the number of keys.
func (r *Result) Len() int {
	return len(r.keys)
}

// Map returns the result as a map.
func (r *Result) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		m[k] = v
	}
	return m
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return encode.Object(r.keys, r.values)
}

type call struct {
	function search.Function
	field    schema.Field
	column   string
	expr     string
}

// Evaluate runs every function over the rows matched by q in one statement.
// Fields are resolved, in request order, before anything is run. A function
// the database does not know is reported as a *FunctionError.
func Evaluate(ctx context.Context, qr assemble.Querier, q *assemble.Query, functions []search.Function) (*Result, error) {
	result := newResult()
	if len(functions) == 0 {
		return result, nil
	}
	calls := make([]call, len(functions))
	for i, fn := range functions {
		column, field, err := q.Column(fn.Field)
		if err != nil {
			return nil, err
		}
		calls[i] = call{function: fn, field: field, column: column, expr: fn.Name + "(" + column + ")"}
	}
	for _, c := range calls {
		if !validFunctionRx.MatchString(c.function.Name) {
			return nil, &FunctionError{Function: c.function.Name}
		}
	}

	exprs := make([]string, len(calls))
	for i, c := range calls {
		exprs[i] = c.expr
	}
	stmt := q.Project(exprs...)
	values, err := queryRow(ctx, qr, stmt, len(calls))
	if err != nil {
		return nil, diagnose(ctx, qr, q, stmt, calls, err)
	}
	for i, c := range calls {
		v, err := decode(c, values[i])
		if err != nil {
			return nil, errors.Wrapf(err, "cannot decode %s", c.function.Key())
		}
		result.set(c.function.Key(), v)
	}
	return result, nil
}

func queryRow(ctx context.Context, qr assemble.Querier, stmt sq.Sqlizer, n int) ([]any, error) {
	rows, err := qr.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return values, nil
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, rows.Close()
}

// diagnose finds which function the database rejected. Postgres points at
// it in the statement. Other databases are asked about each call in turn,
// next to a COUNT of the same column: a call is only blamed when its COUNT
// runs. Errors that are not about an undefined function are returned
// unchanged.
func diagnose(ctx context.Context, qr assemble.Querier, q *assemble.Query, stmt sq.Sqlizer, calls []call, err error) error {
	d := q.Dialect()
	undefined, position := d.UndefinedFunction(err)
	if !undefined {
		return err
	}
	if position > 0 {
		if sql, _, sqlErr := stmt.ToSql(); sqlErr == nil {
			if c, ok := callAt(sql, position, calls); ok {
				return &FunctionError{Function: c.function.Name}
			}
		}
	}
	if !d.CanRetryAfterError() {
		return err
	}
	for _, c := range calls {
		_, callErr := queryRow(ctx, qr, q.Project(c.expr), 1)
		if callErr == nil {
			continue
		}
		if undefined, _ := d.UndefinedFunction(callErr); !undefined {
			return err
		}
		if _, controlErr := queryRow(ctx, qr, q.Project("COUNT("+c.column+")"), 1); controlErr != nil {
			return err
		}
		return &FunctionError{Function: c.function.Name}
	}
	return err
}

// callAt returns the call whose text covers the 1-based character position
// in sql.
func callAt(sql string, position int, calls []call) (call, bool) {
	from := 0
	for _, c := range calls {
		i := strings.Index(sql[from:], c.expr)
		if i < 0 {
			return call{}, false
		}
		start := utf8.RuneCountInString(sql[:from+i]) + 1
		end := start + utf8.RuneCountInString(c.expr)
		if position >= start && position < end {
			return c, true
		}
		from += i + len(c.expr)
	}
	return call{}, false
}

// decode converts an aggregate value. min and max keep the kind of their
// field. Other results are numbers, which some drivers return as text.
func decode(c call, v any) (any, error) {
	switch strings.ToLower(c.function.Name) {
	case "min", "max":
		return c.field.Decode(v)
	}
	text, ok := v.([]byte)
	if !ok {
		if s, isString := v.(string); isString {
			text, ok = []byte(s), true
		}
	}
	if !ok {
		return v, nil
	}
	if i, err := strconv.ParseInt(string(text), 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(string(text), 64); err == nil {
		return f, nil
	}
	return string(text), nil
}
