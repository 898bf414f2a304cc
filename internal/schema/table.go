// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"reflect"
	"regexp"

	"github.com/cockroachdb/errors"
)

// validNameRx matches the names accepted for models, tables, fields and
// relations. Everything that ends up in SQL text goes through it.
var validNameRx = regexp.MustCompile(`^([a-zA-Z_])+([a-zA-Z_0-9])*$`)

// Table is the Model implementation used by the Registry.
type Table struct {
	name          string
	table         string
	fields        []Field
	fieldIndex    map[string]int
	relations     []Relation
	relationIndex map[string]int
	primaryKey    []string
	typ           reflect.Type
}

var _ Model = (*Table)(nil)

// NewTable checks and builds a model. If no field is flagged as part of the
// primary key, a field called "id" is used.
func NewTable(name, table string, fields []Field, relations []Relation) (*Table, error) {
	if table == "" {
		return nil, errors.Newf("model %q has no table", name)
	}
	if name == "" {
		name = table
	}
	for _, n := range []string{name, table} {
		if !validNameRx.MatchString(n) {
			return nil, errors.Newf("invalid name %q", n)
		}
	}
	t := &Table{
		name:          name,
		table:         table,
		fields:        make([]Field, 0, len(fields)),
		fieldIndex:    make(map[string]int, len(fields)),
		relations:     make([]Relation, 0, len(relations)),
		relationIndex: make(map[string]int, len(relations)),
	}
	for _, f := range fields {
		if !validNameRx.MatchString(f.Name) {
			return nil, errors.Newf("model %q: invalid field name %q", name, f.Name)
		}
		if _, ok := t.fieldIndex[f.Name]; ok {
			return nil, errors.Newf("model %q: field %q declared twice", name, f.Name)
		}
		t.fieldIndex[f.Name] = len(t.fields)
		t.fields = append(t.fields, f)
		if f.PrimaryKey {
			t.primaryKey = append(t.primaryKey, f.Name)
		}
	}
	if len(t.primaryKey) == 0 {
		i, ok := t.fieldIndex["id"]
		if !ok {
			return nil, errors.Newf("model %q has no primary key", name)
		}
		t.fields[i].PrimaryKey = true
		t.primaryKey = []string{"id"}
	}
	for _, r := range relations {
		if !validNameRx.MatchString(r.Name) {
			return nil, errors.Newf("model %q: invalid relation name %q", name, r.Name)
		}
		if _, ok := t.fieldIndex[r.Name]; ok {
			return nil, errors.Newf("model %q: relation %q clashes with a field", name, r.Name)
		}
		if _, ok := t.relationIndex[r.Name]; ok {
			return nil, errors.Newf("model %q: relation %q declared twice", name, r.Name)
		}
		if _, ok := t.fieldIndex[r.Local]; !ok {
			return nil, errors.Newf("model %q: relation %q joins on unknown column %q", name, r.Name, r.Local)
		}
		if !validNameRx.MatchString(r.Remote) {
			return nil, errors.Newf("model %q: relation %q: invalid remote column %q", name, r.Name, r.Remote)
		}
		t.relationIndex[r.Name] = len(t.relations)
		t.relations = append(t.relations, r)
	}
	return t, nil
}

// Named returns a copy of the model registered under another name.
func (t *Table) Named(name string) (*Table, error) {
	if name == "" || name == t.name {
		return t, nil
	}
	if !validNameRx.MatchString(name) {
		return nil, errors.Newf("invalid name %q", name)
	}
	c := *t
	c.name = name
	return &c, nil
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Table() string {
	return t.table
}

func (t *Table) Fields() []Field {
	return t.fields
}

func (t *Table) Relations() []Relation {
	return t.relations
}

func (t *Table) PrimaryKey() []string {
	return t.primaryKey
}

// Type returns the Go struct type the model was reflected from, or nil.
func (t *Table) Type() reflect.Type {
	return t.typ
}

func (t *Table) ResolveField(name string) (Field, error) {
	i, ok := t.fieldIndex[name]
	if !ok {
		return Field{}, &FieldError{Model: t.name, Field: name}
	}
	return t.fields[i], nil
}

func (t *Table) ResolveRelation(name string) (Relation, error) {
	i, ok := t.relationIndex[name]
	if !ok {
		return Relation{}, &FieldError{Model: t.name, Field: name}
	}
	return t.relations[i], nil
}
