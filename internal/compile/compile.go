// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package compile turns a parsed filter tree into a squirrel predicate over
// the tables of a model and its relations.
package compile

import (
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"github.com/canonical/jsonquery/internal/dialect"
	"github.com/canonical/jsonquery/internal/operator"
	"github.com/canonical/jsonquery/internal/schema"
	"github.com/canonical/jsonquery/internal/search"
)

// Resolver finds the model at the other end of a relation.
type Resolver interface {
	Target(from schema.Model, rel schema.Relation) (schema.Model, error)
}

// Scope is a model bound to a table alias within a statement.
type Scope struct {
	Model schema.Model
	Alias string
}

// Compiler compiles the filters of one statement. Every table it refers to
// gets its own alias so a Compiler must not be shared between statements.
type Compiler struct {
	resolver Resolver
	dialect  dialect.Dialect
	aliases  int
}

// New returns a compiler for a single statement.
func New(resolver Resolver, d dialect.Dialect) *Compiler {
	return &Compiler{resolver: resolver, dialect: d}
}

// Dialect returns the dialect the compiler writes SQL for.
func (c *Compiler) Dialect() dialect.Dialect {
	return c.dialect
}

// Scope binds m to a fresh alias.
func (c *Compiler) Scope(m schema.Model) Scope {
	alias := "t" + strconv.Itoa(c.aliases)
	c.aliases++
	return Scope{Model: m, Alias: alias}
}

// From returns the quoted table expression of s for a FROM clause.
func (c *Compiler) From(s Scope) string {
	return c.dialect.Quote(s.Model.Table()) + " AS " + c.dialect.Quote(s.Alias)
}

// Column resolves a scalar field of s and returns its qualified column.
func (c *Compiler) Column(s Scope, name string) (string, schema.Field, error) {
	f, err := s.Model.ResolveField(name)
	if err != nil {
		return "", schema.Field{}, err
	}
	return c.dialect.Qualify(s.Alias, f.Name), f, nil
}

// Join resolves a relation of s and returns the scope of the related model
// together with the join that correlates it with s.
func (c *Compiler) Join(s Scope, name string) (Scope, *operator.Join, error) {
	rel, err := s.Model.ResolveRelation(name)
	if err != nil {
		return Scope{}, nil, err
	}
	target, err := c.resolver.Target(s.Model, rel)
	if err != nil {
		return Scope{}, nil, err
	}
	related := c.Scope(target)
	j := &operator.Join{
		Table: c.From(related),
		On:    c.dialect.Qualify(related.Alias, rel.Remote) + " = " + c.dialect.Qualify(s.Alias, rel.Local),
		Many:  rel.Many,
	}
	return related, j, nil
}

// Compile returns the predicate for f over s. A nil filter matches
// everything.
func (c *Compiler) Compile(s Scope, f search.Filter) (sq.Sqlizer, error) {
	switch f := f.(type) {
	case nil:
		return matchAll, nil
	case *search.Junction:
		return c.junction(s, f)
	case *search.Leaf:
		return c.leaf(s, f)
	}
	return nil, errors.Errorf("internal error: unknown filter type %T", f)
}

// matchAll is the predicate of an empty junction.
var matchAll = sq.Expr("1=1")

func (c *Compiler) junction(s Scope, j *search.Junction) (sq.Sqlizer, error) {
	if j == nil || len(j.Filters) == 0 {
		return matchAll, nil
	}
	preds := make([]sq.Sqlizer, len(j.Filters))
	for i, child := range j.Filters {
		pred, err := c.Compile(s, child)
		if err != nil {
			return nil, err
		}
		preds[i] = pred
	}
	if j.Mode == search.Or {
		return sq.Or(preds), nil
	}
	return sq.And(preds), nil
}

func (c *Compiler) leaf(s Scope, l *search.Leaf) (sq.Sqlizer, error) {
	op, err := operator.Lookup(l.Op)
	if err != nil {
		return nil, err
	}
	relation, name := c.split(s.Model, l)

	var arg operator.Operand
	if l.Field != "" {
		column, _, err := c.Column(s, l.Field)
		if err != nil {
			return nil, err
		}
		arg.Column = column
	} else {
		arg.Value = l.Value
	}

	if op.Arity == operator.Ternary {
		return c.quantified(s, op, relation, name, l, arg)
	}
	if l.Sub != nil && op.Arity == operator.Binary {
		return nil, op.Invalid("nested filters are only valid with any or has")
	}

	if relation == "" {
		column, _, err := c.Column(s, name)
		if err != nil {
			return nil, err
		}
		return operator.Build(op, operator.Target{Column: column}, arg, name)
	}

	related, join, err := c.Join(s, relation)
	if err != nil {
		return nil, err
	}
	column, _, err := c.Column(related, name)
	if err != nil {
		return nil, err
	}
	pred, err := operator.Build(op, operator.Target{Column: column}, arg, name)
	if err != nil {
		return nil, err
	}
	return operator.Exists(join, pred), nil
}

// quantified compiles any and has. Without an explicit or qualified relation
// the leaf's name is the relation itself.
func (c *Compiler) quantified(s Scope, op operator.Operator, relation, name string, l *search.Leaf, arg operator.Operand) (sq.Sqlizer, error) {
	if relation == "" {
		relation, name = name, ""
	}
	related, join, err := c.Join(s, relation)
	if err != nil {
		return nil, err
	}
	t := operator.Target{Join: join}
	if name != "" {
		if t.Column, _, err = c.Column(related, name); err != nil {
			return nil, err
		}
	}
	if l.Sub != nil {
		if arg.Filter, err = c.Compile(related, l.Sub); err != nil {
			return nil, err
		}
	}
	fieldname := relation
	if name != "" {
		fieldname = relation + "." + name
	}
	return operator.Build(op, t, arg, fieldname)
}

// split returns the relation and field named by a leaf. A name qualified with
// "." or "__" names a field of a relation unless the whole name is a field of
// m.
func (c *Compiler) split(m schema.Model, l *search.Leaf) (relation, name string) {
	if l.Relation != "" {
		return l.Relation, l.Name
	}
	if _, err := m.ResolveField(l.Name); err == nil {
		return "", l.Name
	}
	for _, sep := range []string{".", "__"} {
		if rel, field, ok := strings.Cut(l.Name, sep); ok && rel != "" && field != "" {
			return rel, field
		}
	}
	return "", l.Name
}
