// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package jsonquery

import (
	"github.com/cockroachdb/errors"

	"github.com/canonical/jsonquery/internal/aggregate"
	"github.com/canonical/jsonquery/internal/operator"
	"github.com/canonical/jsonquery/internal/schema"
	"github.com/canonical/jsonquery/internal/search"
)

// The error kinds returned by the Manager. Use errors.Is to check for a kind
// and errors.As with the error types below to get the offending identifier.
var (
	ErrMalformedSpecification       = search.ErrMalformed
	ErrUnknownOperator              = operator.ErrUnknownOperator
	ErrInvalidOperatorUsage         = operator.ErrInvalidUsage
	ErrUnknownField                 = schema.ErrUnknownField
	ErrUnsupportedAggregateFunction = aggregate.ErrUnsupportedFunction
	ErrModelNotFound                = schema.ErrModelNotFound
	ErrDuplicateModel               = schema.ErrDuplicateModel
	ErrNotFound                     = errors.New("no record found")
	ErrMultipleResults              = errors.New("multiple records found")
)

type (
	// SpecificationError locates the malformed part of a query.
	SpecificationError = search.Error
	// OperatorError names an unknown or misused operator.
	OperatorError = operator.Error
	// FieldError names a field or relation missing from a model.
	FieldError = schema.FieldError
	// FunctionError names an aggregate function the database does not know.
	FunctionError = aggregate.FunctionError
	// ModelError names a model that is not registered or registered twice.
	ModelError = schema.ModelError
)

// kinds names the error kinds.
var kinds = []struct {
	err  error
	name string
}{
	{ErrMalformedSpecification, "MalformedSpecification"},
	{ErrUnknownOperator, "UnknownOperator"},
	{ErrInvalidOperatorUsage, "InvalidOperatorUsage"},
	{ErrUnknownField, "UnknownField"},
	{ErrUnsupportedAggregateFunction, "UnsupportedAggregateFunction"},
	{ErrModelNotFound, "ModelNotFound"},
	{ErrDuplicateModel, "DuplicateModel"},
	{ErrNotFound, "NotFound"},
	{ErrMultipleResults, "MultipleResults"},
}

// Kind returns the name of the kind of err, e.g. "UnknownField", or the
// empty string for errors from the database or elsewhere.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// IsClientError reports whether err is one of the kinds above, caused by the
// request rather than by the database. Such errors are deterministic and
// not worth retrying.
func IsClientError(err error) bool {
	return Kind(err) != ""
}

// Identifier returns the operator, field, function, model or document path
// err is about, or the empty string.
func Identifier(err error) string {
	var opErr *OperatorError
	if errors.As(err, &opErr) {
		return opErr.Operator
	}
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		return fieldErr.Field
	}
	var fnErr *FunctionError
	if errors.As(err, &fnErr) {
		return fnErr.Function
	}
	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		return modelErr.Model
	}
	var specErr *SpecificationError
	if errors.As(err, &specErr) {
		return specErr.Path
	}
	return ""
}

// notFound and multipleResults are the errors of single record queries.
func notFound(model string) error {
	return errors.Mark(errors.Newf("no %s record matches the query", model), ErrNotFound)
}

func multipleResults(model string) error {
	return errors.Mark(errors.Newf("more than one %s record matches the query", model), ErrMultipleResults)
}
