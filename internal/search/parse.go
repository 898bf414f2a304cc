// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package search

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrMalformed is the sentinel wrapped by every parse error.
var ErrMalformed = errors.New("malformed query specification")

// Error describes what is wrong with a query document and where.
type Error struct {
	// Path locates the offending element, e.g. "filters[2].op".
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "cannot parse query: " + e.Reason
	}
	return fmt.Sprintf("cannot parse query: %s: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrMalformed
}

func malformed(path, format string, args ...any) error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Limits bounds the size of a filter tree.
type Limits struct {
	// MaxDepth is the maximum nesting of junctions and nested filters. Zero
	// means no limit.
	MaxDepth int
	// MaxNodes is the maximum number of filters in the tree. Zero means no
	// limit.
	MaxNodes int
}

// DefaultLimits are the limits used when none are configured.
var DefaultLimits = Limits{MaxDepth: 32, MaxNodes: 1024}

type parser struct {
	limits Limits
	nodes  int
}

// Parse converts a decoded query document into Parameters. A nil document is
// the empty query.
func Parse(doc map[string]any, limits Limits) (*Parameters, error) {
	p := &parser{limits: limits}
	params := &Parameters{Filter: &Junction{}}

	filters, err := p.parseFilters("filters", doc["filters"], 1)
	if err != nil {
		return nil, err
	}
	params.Filter.Filters = filters

	if v, ok := doc["disjunction"]; ok && v != nil {
		disjunction, ok := v.(bool)
		if !ok {
			return nil, malformed("disjunction", "expected boolean, got %s", typeName(v))
		}
		if disjunction {
			params.Filter.Mode = Or
		}
	}

	if params.Order, err = parseOrder(doc["order_by"]); err != nil {
		return nil, err
	}
	if params.Limit, err = parseCount("limit", doc["limit"]); err != nil {
		return nil, err
	}
	if params.Offset, err = parseCount("offset", doc["offset"]); err != nil {
		return nil, err
	}
	if params.Functions, err = parseFunctions(doc["functions"]); err != nil {
		return nil, err
	}

	single := false
	if v, ok := doc["single"]; ok && v != nil {
		if single, ok = v.(bool); !ok {
			return nil, malformed("single", "expected boolean, got %s", typeName(v))
		}
	}
	switch {
	case single:
		params.Mode = Single
	case len(params.Functions) > 0:
		params.Mode = Aggregate
	default:
		params.Mode = Page
	}

	if v, ok := doc["to_dict"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, malformed("to_dict", "expected object, got %s", typeName(v))
		}
		params.Record = m
	}
	if params.JoinedLoad, err = parseStrings("joinedload", doc["joinedload"]); err != nil {
		return nil, err
	}
	return params, nil
}

// parseFilters accepts a list of filters or a single filter object.
func (p *parser) parseFilters(path string, v any, depth int) ([]Filter, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		f, err := p.parseFilter(path, v, depth)
		if err != nil {
			return nil, err
		}
		return []Filter{f}, nil
	case []any:
		filters := make([]Filter, 0, len(v))
		for i, item := range v {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			m, ok := item.(map[string]any)
			if !ok {
				return nil, malformed(itemPath, "expected filter object, got %s", typeName(item))
			}
			f, err := p.parseFilter(itemPath, m, depth)
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		}
		return filters, nil
	}
	return nil, malformed(path, "expected list of filters, got %s", typeName(v))
}

func (p *parser) parseFilter(path string, m map[string]any, depth int) (Filter, error) {
	if p.limits.MaxDepth > 0 && depth > p.limits.MaxDepth {
		return nil, malformed(path, "filters nested deeper than %d levels", p.limits.MaxDepth)
	}
	p.nodes++
	if p.limits.MaxNodes > 0 && p.nodes > p.limits.MaxNodes {
		return nil, malformed(path, "more than %d filters", p.limits.MaxNodes)
	}

	if key, ok := junctionKey(m); ok {
		return p.parseJunction(path, m, key, depth)
	}
	return p.parseLeaf(path, m, depth)
}

func junctionKey(m map[string]any) (string, bool) {
	for _, key := range []string{"junk", "junction"} {
		if _, ok := m[key]; ok {
			return key, true
		}
	}
	return "", false
}

func (p *parser) parseJunction(path string, m map[string]any, key string, depth int) (Filter, error) {
	name, ok := m[key].(string)
	if !ok {
		return nil, malformed(path+"."+key, "expected \"and\" or \"or\", got %s", typeName(m[key]))
	}
	j := &Junction{}
	switch strings.ToLower(name) {
	case "and":
		j.Mode = And
	case "or":
		j.Mode = Or
	default:
		return nil, malformed(path+"."+key, "expected \"and\" or \"or\", got %q", name)
	}
	filters, err := p.parseFilters(path+".filters", m["filters"], depth+1)
	if err != nil {
		return nil, err
	}
	j.Filters = filters
	return j, nil
}

func (p *parser) parseLeaf(path string, m map[string]any, depth int) (Filter, error) {
	leaf := &Leaf{}
	var err error
	if leaf.Name, err = requiredString(path+".name", m["name"]); err != nil {
		return nil, err
	}
	if leaf.Op, err = requiredString(path+".op", m["op"]); err != nil {
		return nil, err
	}
	if leaf.Relation, err = optionalString(path+".relation", m["relation"]); err != nil {
		return nil, err
	}
	if leaf.Field, err = optionalString(path+".field", m["field"]); err != nil {
		return nil, err
	}

	val := m["val"]
	if val != nil && leaf.Field != "" {
		return nil, malformed(path, "both \"val\" and \"field\" given")
	}
	switch val := val.(type) {
	case map[string]any:
		if _, ok := junctionKey(val); !ok {
			if _, ok := val["name"]; !ok {
				return nil, malformed(path+".val", "object is not a filter")
			}
		}
		if leaf.Sub, err = p.parseFilter(path+".val", val, depth+1); err != nil {
			return nil, err
		}
	case json.Number:
		leaf.Value = number(val)
	case []any:
		for i, item := range val {
			switch item := item.(type) {
			case map[string]any, []any:
				return nil, malformed(fmt.Sprintf("%s.val[%d]", path, i), "expected scalar, got %s", typeName(item))
			case json.Number:
				val[i] = number(item)
			}
		}
		leaf.Value = val
	default:
		leaf.Value = val
	}
	return leaf, nil
}

func parseOrder(v any) ([]Order, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, malformed("order_by", "expected list, got %s", typeName(v))
	}
	order := make([]Order, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("order_by[%d]", i)
		m, ok := item.(map[string]any)
		if !ok {
			return nil, malformed(path, "expected object, got %s", typeName(item))
		}
		field, err := requiredString(path+".field", m["field"])
		if err != nil {
			return nil, err
		}
		direction, err := requiredString(path+".direction", m["direction"])
		if err != nil {
			return nil, err
		}
		o := Order{Field: field}
		switch strings.ToLower(direction) {
		case "asc":
		case "desc":
			o.Direction = Desc
		default:
			return nil, malformed(path+".direction", "expected \"asc\" or \"desc\", got %q", direction)
		}
		order = append(order, o)
	}
	return order, nil
}

func parseFunctions(v any) ([]Function, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, malformed("functions", "expected list, got %s", typeName(v))
	}
	functions := make([]Function, 0, len(items))
	for i, item := range items {
		path := fmt.Sprintf("functions[%d]", i)
		m, ok := item.(map[string]any)
		if !ok {
			return nil, malformed(path, "expected object, got %s", typeName(item))
		}
		name, err := requiredString(path+".name", m["name"])
		if err != nil {
			return nil, err
		}
		field, err := requiredString(path+".field", m["field"])
		if err != nil {
			return nil, err
		}
		functions = append(functions, Function{Name: name, Field: field})
	}
	return functions, nil
}

func parseStrings(path string, v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, malformed(path, "expected list, got %s", typeName(v))
	}
	strs := make([]string, len(items))
	for i, item := range items {
		s, err := requiredString(fmt.Sprintf("%s[%d]", path, i), item)
		if err != nil {
			return nil, err
		}
		strs[i] = s
	}
	return strs, nil
}

// parseCount parses a non-negative integer. Integral floats are accepted since
// that is how encoding/json decodes numbers into an interface.
func parseCount(path string, v any) (*int, error) {
	var n int
	switch v := v.(type) {
	case nil:
		return nil, nil
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return nil, malformed(path, "expected integer, got %v", v)
		}
		n = int(v)
	case json.Number:
		i, err := strconv.Atoi(string(v))
		if err != nil {
			return nil, malformed(path, "expected integer, got %s", v)
		}
		n = i
	default:
		return nil, malformed(path, "expected integer, got %s", typeName(v))
	}
	if n < 0 {
		return nil, malformed(path, "must not be negative, got %d", n)
	}
	return &n, nil
}

func requiredString(path string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		if v == nil {
			return "", malformed(path, "missing")
		}
		return "", malformed(path, "expected string, got %s", typeName(v))
	}
	if s == "" {
		return "", malformed(path, "empty")
	}
	return s, nil
}

func optionalString(path string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", malformed(path, "expected string, got %s", typeName(v))
	}
	return s, nil
}

// number converts a json.Number to int64 when it is integral and float64
// otherwise.
func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return string(n)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
