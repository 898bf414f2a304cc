// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package operator holds the closed table of filter operators and builds a
// squirrel predicate for each use of one.
package operator

import (
	"fmt"
	"reflect"
	"sort"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrInvalidUsage    = errors.New("invalid operator usage")
)

// Error is returned for an unknown operator name or a use of an operator
// with the wrong kind of argument.
type Error struct {
	Operator string
	Reason   string
	kind     error
}

func (e *Error) Error() string {
	if e.kind == ErrUnknownOperator {
		return fmt.Sprintf("unknown operator %q", e.Operator)
	}
	return fmt.Sprintf("invalid use of operator %q: %s", e.Operator, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.kind
}

func invalid(op, format string, args ...any) *Error {
	return &Error{Operator: op, Reason: fmt.Sprintf(format, args...), kind: ErrInvalidUsage}
}

// Arity is the number of inputs an operator consumes.
type Arity int

const (
	// Unary operators consume only the field.
	Unary Arity = iota + 1
	// Binary operators consume the field and an argument.
	Binary
	// Ternary operators consume the field, an argument and the field name.
	Ternary
)

func (a Arity) String() string {
	switch a {
	case Unary:
		return "unary"
	case Binary:
		return "binary"
	case Ternary:
		return "ternary"
	}
	return fmt.Sprintf("Arity(%d)", int(a))
}

// Join describes how rows of a related table are reached from the outer
// query.
type Join struct {
	// Table is the quoted table name and alias, e.g. "employees" AS "t1".
	Table string
	// On is the correlation condition between the outer and related rows.
	On string
	// Many is true for to-many relations.
	Many bool
}

// Target is what an operator is applied to.
type Target struct {
	// Column is the qualified, quoted column. For quantifying operators it
	// is the related column of the scalar form and may be empty.
	Column string
	// Join is the relation for quantifying operators.
	Join *Join
}

// Operand is the argument of an operator. At most one of its fields is set.
type Operand struct {
	// Value is a literal value.
	Value any
	// Column is a qualified, quoted column of the same row.
	Column string
	// Filter is a compiled filter on the related model.
	Filter sq.Sqlizer
}

func (o Operand) empty() bool {
	return o.Value == nil && o.Column == "" && o.Filter == nil
}

type builder func(name string, t Target, arg Operand) (sq.Sqlizer, error)

// Operator is an entry of the operator table.
type Operator struct {
	// Name is the canonical name of the operator.
	Name  string
	Arity Arity
	build builder
}

var (
	eq        = Operator{"eq", Binary, compare("=", func(c string, v any) sq.Sqlizer { return sq.Eq{c: v} })}
	ne        = Operator{"ne", Binary, compare("<>", func(c string, v any) sq.Sqlizer { return sq.NotEq{c: v} })}
	gt        = Operator{"gt", Binary, compare(">", func(c string, v any) sq.Sqlizer { return sq.Gt{c: v} })}
	lt        = Operator{"lt", Binary, compare("<", func(c string, v any) sq.Sqlizer { return sq.Lt{c: v} })}
	ge        = Operator{"ge", Binary, compare(">=", func(c string, v any) sq.Sqlizer { return sq.GtOrEq{c: v} })}
	le        = Operator{"le", Binary, compare("<=", func(c string, v any) sq.Sqlizer { return sq.LtOrEq{c: v} })}
	like      = Operator{"like", Binary, compare("LIKE", func(c string, v any) sq.Sqlizer { return sq.Like{c: v} })}
	notLike   = Operator{"not_like", Binary, compare("NOT LIKE", func(c string, v any) sq.Sqlizer { return sq.NotLike{c: v} })}
	ilike     = Operator{"ilike", Binary, buildILike}
	in        = Operator{"in", Binary, membership(func(c string, v any) sq.Sqlizer { return sq.Eq{c: v} })}
	notIn     = Operator{"not_in", Binary, membership(func(c string, v any) sq.Sqlizer { return sq.NotEq{c: v} })}
	isNull    = Operator{"is_null", Unary, func(_ string, t Target, _ Operand) (sq.Sqlizer, error) { return sq.Eq{t.Column: nil}, nil }}
	isNotNull = Operator{"is_not_null", Unary, func(_ string, t Target, _ Operand) (sq.Sqlizer, error) { return sq.NotEq{t.Column: nil}, nil }}
	has       = Operator{"has", Ternary, quantify(false)}
	anyOf     = Operator{"any", Ternary, quantify(true)}
)

// operators maps every accepted spelling to its operator.
var operators = map[string]Operator{
	"==": eq, "eq": eq, "equals": eq, "equal_to": eq,
	"!=": ne, "ne": ne, "neq": ne, "not_equal_to": ne, "does_not_equal": ne,
	">": gt, "gt": gt,
	"<": lt, "lt": lt,
	">=": ge, "ge": ge, "gte": ge, "geq": ge,
	"<=": le, "le": le, "lte": le, "leq": le,
	"like":        like,
	"not_like":    notLike,
	"ilike":       ilike,
	"in":          in,
	"not_in":      notIn,
	"is_null":     isNull,
	"is_not_null": isNotNull,
	"has":         has,
	"any":         anyOf,
}

// Invalid returns an ErrInvalidUsage error for op.
func (op Operator) Invalid(format string, args ...any) error {
	return invalid(op.Name, format, args...)
}

// Lookup returns the operator with the given name or alias.
func Lookup(name string) (Operator, error) {
	op, ok := operators[name]
	if !ok {
		return Operator{}, &Error{Operator: name, kind: ErrUnknownOperator}
	}
	return op, nil
}

// Names returns every accepted operator spelling, sorted.
func Names() []string {
	names := make([]string, 0, len(operators))
	for name := range operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the predicate for op applied to t. Unary operators ignore arg.
// fieldname is the name the filter used for the field.
func Build(op Operator, t Target, arg Operand, fieldname string) (sq.Sqlizer, error) {
	switch op.Arity {
	case Unary:
		if t.Column == "" {
			return nil, invalid(op.Name, "%q is not a field", fieldname)
		}
		return op.build(op.Name, t, Operand{})
	case Binary:
		if t.Column == "" || t.Join != nil {
			return nil, invalid(op.Name, "%q is not a field", fieldname)
		}
		if arg.Filter != nil {
			return nil, invalid(op.Name, "nested filters are only valid with any or has")
		}
		if arg.empty() {
			return nil, errors.WithHint(
				invalid(op.Name, "no value given for %q", fieldname),
				"use is_null or is_not_null to compare with null",
			)
		}
		return op.build(op.Name, t, arg)
	case Ternary:
		if t.Join == nil {
			return nil, invalid(op.Name, "%q is not a relation", fieldname)
		}
		if arg.empty() {
			return nil, invalid(op.Name, "no value or nested filter given for %q", fieldname)
		}
		return op.build(op.Name, t, arg)
	}
	return nil, errors.Errorf("internal error: operator %q has arity %d", op.Name, op.Arity)
}

// compare builds a binary comparison. A column operand is compared with sql
// directly, a literal through squirrel.
func compare(sqlOp string, literal func(string, any) sq.Sqlizer) builder {
	return func(name string, t Target, arg Operand) (sq.Sqlizer, error) {
		if arg.Column != "" {
			return sq.Expr(t.Column + " " + sqlOp + " " + arg.Column), nil
		}
		if isList(arg.Value) {
			return nil, invalid(name, "expected a single value, got a list")
		}
		return literal(t.Column, arg.Value), nil
	}
}

func buildILike(name string, t Target, arg Operand) (sq.Sqlizer, error) {
	if arg.Column != "" {
		return sq.Expr("LOWER(" + t.Column + ") LIKE LOWER(" + arg.Column + ")"), nil
	}
	if isList(arg.Value) {
		return nil, invalid(name, "expected a single value, got a list")
	}
	return sq.Expr("LOWER("+t.Column+") LIKE LOWER(?)", arg.Value), nil
}

func membership(literal func(string, any) sq.Sqlizer) builder {
	return func(name string, t Target, arg Operand) (sq.Sqlizer, error) {
		if arg.Column != "" || !isList(arg.Value) {
			return nil, invalid(name, "expected a list of values")
		}
		return literal(t.Column, arg.Value), nil
	}
}

// quantify builds any (to-many) and has (to-one). The argument is either a
// nested filter on the related model or, in the scalar form, a value the
// related column must equal.
func quantify(many bool) builder {
	return func(name string, t Target, arg Operand) (sq.Sqlizer, error) {
		if t.Join.Many != many {
			if many {
				return nil, invalid(name, "relation is not to-many, use has")
			}
			return nil, invalid(name, "relation is to-many, use any")
		}
		if arg.Filter != nil {
			return Exists(t.Join, arg.Filter), nil
		}
		if t.Column == "" {
			return nil, invalid(name, "a value needs a related field, e.g. relation.field")
		}
		if arg.Column != "" {
			return Exists(t.Join, sq.Expr(t.Column+" = "+arg.Column)), nil
		}
		if isList(arg.Value) {
			return nil, invalid(name, "expected a single value, got a list")
		}
		return Exists(t.Join, sq.Eq{t.Column: arg.Value}), nil
	}
}

// Exists returns the predicate that holds when some row reached through j
// satisfies inner.
func Exists(j *Join, inner sq.Sqlizer) sq.Sqlizer {
	return exists{join: j, inner: inner}
}

type exists struct {
	join  *Join
	inner sq.Sqlizer
}

func (e exists) ToSql() (string, []any, error) {
	sql, args, err := e.inner.ToSql()
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s WHERE %s AND (%s))", e.join.Table, e.join.On, sql), args, nil
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case []byte, string:
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
