// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package search

import (
	"fmt"
	"strings"
)

// Mode selects the shape of the result of a query.
type Mode int

const (
	// Page returns a page of records.
	Page Mode = iota
	// Single returns exactly one record.
	Single
	// Aggregate returns the values of aggregate functions.
	Aggregate
)

// JunctionMode is the boolean operator combining the filters of a Junction.
type JunctionMode int

const (
	And JunctionMode = iota
	Or
)

func (m JunctionMode) String() string {
	if m == Or {
		return "or"
	}
	return "and"
}

// Filter is a node of the filter tree, either a *Leaf or a *Junction.
type Filter interface {
	fmt.Stringer
	isFilter()
}

// Leaf compares a field with a value, another field or, for the quantifying
// operators, a nested filter on a related model.
type Leaf struct {
	// Name is the field name. It may be relation qualified, "rel.field" or
	// "rel__field", or be the name of a relation for quantifying operators.
	Name string
	// Relation is set when the relation is given explicitly rather than in
	// Name.
	Relation string
	// Op is the operator name.
	Op string
	// Value is the literal argument, nil when absent.
	Value any
	// Field names another field of the same model to compare against.
	Field string
	// Sub is the nested filter given as the argument of a quantifying
	// operator.
	Sub Filter
}

func (*Leaf) isFilter() {}

func (l *Leaf) String() string {
	name := l.Name
	if l.Relation != "" {
		name = l.Relation + "." + name
	}
	switch {
	case l.Sub != nil:
		return fmt.Sprintf("%s %s %s", name, l.Op, l.Sub)
	case l.Field != "":
		return fmt.Sprintf("%s %s field(%s)", name, l.Op, l.Field)
	case l.Value == nil:
		return fmt.Sprintf("%s %s", name, l.Op)
	}
	return fmt.Sprintf("%s %s %#v", name, l.Op, l.Value)
}

// Junction combines filters with AND or OR. A junction without filters
// matches everything.
type Junction struct {
	Mode    JunctionMode
	Filters []Filter
}

func (*Junction) isFilter() {}

func (j *Junction) String() string {
	parts := make([]string, len(j.Filters))
	for i, f := range j.Filters {
		parts[i] = f.String()
	}
	return strings.ToUpper(j.Mode.String()) + "[" + strings.Join(parts, ", ") + "]"
}

// Direction is the sort direction of an Order.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// Order is one key of the requested ordering.
type Order struct {
	Field     string
	Direction Direction
}

// Function is an aggregate function applied to a field.
type Function struct {
	Name  string
	Field string
}

// Key returns the result key for the function, "<name>__<field>".
func (f Function) Key() string {
	return f.Name + "__" + f.Field
}

// Parameters is the parsed form of a query document.
type Parameters struct {
	// Filter is the top level junction. It is never nil.
	Filter *Junction
	// Order is the requested ordering. When empty the primary key is used.
	Order []Order
	// Limit and Offset are nil when not requested.
	Limit  *int
	Offset *int
	// Mode is the shape of the result.
	Mode Mode
	// Functions are the aggregate functions, in request order.
	Functions []Function
	// Record holds the record serializer options ("to_dict"). It is passed
	// through unchanged.
	Record map[string]any
	// JoinedLoad names relations to load eagerly.
	JoinedLoad []string
}
