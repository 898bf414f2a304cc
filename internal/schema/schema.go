// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownField   = errors.New("unknown field")
	ErrModelNotFound  = errors.New("model not found")
	ErrDuplicateModel = errors.New("duplicate model")
)

// FieldError is returned when a field or relation name cannot be resolved on
// a model.
type FieldError struct {
	Model string
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("model %q has no field or relation %q", e.Model, e.Field)
}

func (e *FieldError) Unwrap() error {
	return ErrUnknownField
}

// ModelError is returned by the Registry when a model name is not registered
// or is registered twice.
type ModelError struct {
	Model string
	kind  error
}

func (e *ModelError) Error() string {
	if e.kind == ErrDuplicateModel {
		return fmt.Sprintf("model with name %q already added", e.Model)
	}
	return fmt.Sprintf("model %q not found", e.Model)
}

func (e *ModelError) Unwrap() error {
	return e.kind
}

// Model is the read-only view of a model used to compile and run queries.
type Model interface {
	// Name is the logical name the model is registered under.
	Name() string
	// Table is the name of the database table.
	Table() string
	// Fields returns the scalar fields in declaration order.
	Fields() []Field
	// Relations returns the relations in declaration order.
	Relations() []Relation
	// PrimaryKey returns the primary key column names in declaration order.
	PrimaryKey() []string
	// ResolveField returns the scalar field with the given name or a
	// *FieldError.
	ResolveField(name string) (Field, error)
	// ResolveRelation returns the relation with the given name or a
	// *FieldError.
	ResolveRelation(name string) (Relation, error)
}

// Field is a scalar column of a model.
type Field struct {
	// Name is the column name.
	Name string
	// Kind is used to decode values read from the database.
	Kind Kind
	// PrimaryKey is true if the column is part of the primary key.
	PrimaryKey bool
}

// Relation links a model to another model through a pair of columns.
type Relation struct {
	// Name is the relation name used in queries.
	Name string
	// Target is the name of the related model. It is empty for relations
	// reflected from struct fields, which are resolved by type.
	Target string
	// Local is the column on the owning model.
	Local string
	// Remote is the column on the related model equal to Local.
	Remote string
	// Many is true for to-many relations.
	Many bool

	targetType reflect.Type
}
