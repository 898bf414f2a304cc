// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package record

import (
	"fmt"
	"sort"

	"github.com/canonical/jsonquery/internal/schema"
	"github.com/canonical/jsonquery/internal/search"
)

// Options controls how records are serialized. It is built from the
// "to_dict" member of a query:
//
//	{
//	  "deep": {"employees": {"manager": []}},
//	  "exclude": ["salary"],
//	  "include_relations": {"employees": ["id", "name"]}
//	}
type Options struct {
	// Deep names the relations to expand and how to expand their records.
	Deep map[string]*Options
	// Include, if not nil, lists the only fields written.
	Include []string
	// Exclude lists fields left out.
	Exclude []string
}

// Merge returns the options of defaults overridden, key by key, by request.
// Neither argument is modified.
func Merge(defaults, request map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(request))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

// ParseOptions converts a "to_dict" document into Options.
func ParseOptions(raw map[string]any) (*Options, error) {
	o := &Options{}
	var err error
	if o.Include, err = names("to_dict.include", raw["include"]); err != nil {
		return nil, err
	}
	if o.Exclude, err = names("to_dict.exclude", raw["exclude"]); err != nil {
		return nil, err
	}
	if o.Include != nil && o.Exclude != nil {
		return nil, malformed("to_dict", "include and exclude cannot be used together")
	}
	includeRelations, err := relationNames("to_dict.include_relations", raw["include_relations"])
	if err != nil {
		return nil, err
	}
	excludeRelations, err := relationNames("to_dict.exclude_relations", raw["exclude_relations"])
	if err != nil {
		return nil, err
	}
	if o.Deep, err = deep("to_dict.deep", raw["deep"]); err != nil {
		return nil, err
	}
	for rel, include := range includeRelations {
		if sub, ok := o.Deep[rel]; ok {
			sub.Include = include
		}
	}
	for rel, exclude := range excludeRelations {
		sub, ok := o.Deep[rel]
		if !ok {
			continue
		}
		if sub.Include != nil {
			return nil, malformed("to_dict", "include and exclude cannot be used together for relation %q", rel)
		}
		sub.Exclude = exclude
	}
	return o, nil
}

// Relations returns the expanded relation names in the order m declares
// them.
func (o *Options) Relations(m schema.Model) []string {
	var rels []string
	for _, rel := range m.Relations() {
		if _, ok := o.Deep[rel.Name]; ok {
			rels = append(rels, rel.Name)
		}
	}
	return rels
}

// Check resolves every field and relation named by the options against m and
// the models it relates to.
func (o *Options) Check(m schema.Model, resolver Resolver) error {
	for _, list := range [][]string{o.Include, o.Exclude} {
		for _, name := range list {
			if _, err := m.ResolveField(name); err != nil {
				return err
			}
		}
	}
	rels := make([]string, 0, len(o.Deep))
	for name := range o.Deep {
		rels = append(rels, name)
	}
	sort.Strings(rels)
	for _, name := range rels {
		rel, err := m.ResolveRelation(name)
		if err != nil {
			return err
		}
		target, err := resolver.Target(m, rel)
		if err != nil {
			return err
		}
		if err := o.Deep[name].Check(target, resolver); err != nil {
			return err
		}
	}
	return nil
}

// project returns the record as the options shape it, with the given
// expanded relations appended.
func (o *Options) project(r *Record, m schema.Model, relations map[string]any) *Record {
	out := New()
	include := set(o.Include)
	exclude := set(o.Exclude)
	for _, f := range m.Fields() {
		if o.Include != nil && !include[f.Name] {
			continue
		}
		if exclude[f.Name] {
			continue
		}
		v, _ := r.Get(f.Name)
		out.Set(f.Name, v)
	}
	for _, name := range o.Relations(m) {
		out.Set(name, relations[name])
	}
	return out
}

func set(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func malformed(path, format string, args ...any) error {
	return &search.Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// deep parses the relation tree. A relation maps either to the relation
// tree of its own records or to a list, which expands it one level only.
func deep(path string, v any) (map[string]*Options, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		d := make(map[string]*Options, len(v))
		for rel, sub := range v {
			o := &Options{}
			switch sub.(type) {
			case nil, []any:
			case map[string]any:
				var err error
				if o.Deep, err = deep(path+"."+rel, sub); err != nil {
					return nil, err
				}
			default:
				return nil, malformed(path+"."+rel, "expected object or list")
			}
			d[rel] = o
		}
		return d, nil
	}
	return nil, malformed(path, "expected object")
}

func names(path string, v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, malformed(path, "expected list of field names")
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, malformed(fmt.Sprintf("%s[%d]", path, i), "expected field name")
		}
		out[i] = s
	}
	return out, nil
}

func relationNames(path string, v any) (map[string][]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, malformed(path, "expected object")
	}
	out := make(map[string][]string, len(m))
	for rel, list := range m {
		l, err := names(path+"."+rel, list)
		if err != nil {
			return nil, err
		}
		if l == nil {
			l = []string{}
		}
		out[rel] = l
	}
	return out, nil
}
