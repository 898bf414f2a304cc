// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package record

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"github.com/canonical/jsonquery/internal/assemble"
	"github.com/canonical/jsonquery/internal/compile"
	"github.com/canonical/jsonquery/internal/dialect"
	"github.com/canonical/jsonquery/internal/schema"
)

// Resolver finds the model at the other end of a relation.
type Resolver = compile.Resolver

// Loader serializes records, loading the relations they expand. Relations
// named in joinedload are loaded for all records of a page with one
// statement, the others one statement per record.
type Loader struct {
	querier  assemble.Querier
	resolver Resolver
	dialect  dialect.Dialect
	joined   map[string]bool
}

// NewLoader returns a loader running its statements on qr.
func NewLoader(qr assemble.Querier, resolver Resolver, d dialect.Dialect, joinedLoad []string) *Loader {
	return &Loader{
		querier:  qr,
		resolver: resolver,
		dialect:  d,
		joined:   set(joinedLoad),
	}
}

// CheckJoinedLoad returns an error unless every name is a relation of m.
func CheckJoinedLoad(m schema.Model, joinedLoad []string) error {
	for _, name := range joinedLoad {
		if _, err := m.ResolveRelation(name); err != nil {
			return err
		}
	}
	return nil
}

// Serialize returns records of m shaped by opts, with their relations
// expanded.
func (l *Loader) Serialize(ctx context.Context, m schema.Model, records []*Record, opts *Options) ([]*Record, error) {
	return l.serialize(ctx, m, records, opts, true)
}

func (l *Loader) serialize(ctx context.Context, m schema.Model, records []*Record, opts *Options, top bool) ([]*Record, error) {
	if opts == nil {
		opts = &Options{}
	}
	expanded := make([]map[string]any, len(records))
	for i := range expanded {
		expanded[i] = map[string]any{}
	}
	for _, name := range opts.Relations(m) {
		rel, err := m.ResolveRelation(name)
		if err != nil {
			return nil, err
		}
		target, err := l.resolver.Target(m, rel)
		if err != nil {
			return nil, err
		}
		if top && l.joined[name] {
			err = l.batch(ctx, rel, target, records, opts.Deep[name], expanded)
		} else {
			err = l.lazy(ctx, rel, target, records, opts.Deep[name], expanded)
		}
		if err != nil {
			return nil, err
		}
	}
	out := make([]*Record, len(records))
	for i, r := range records {
		out[i] = opts.project(r, m, expanded[i])
	}
	return out, nil
}

// batch loads the related records of every record with one statement.
// Records are matched to their related records by the value of the remote
// field, with local values decoded to the remote field's kind.
func (l *Loader) batch(ctx context.Context, rel schema.Relation, target schema.Model, records []*Record, opts *Options, expanded []map[string]any) error {
	remote, err := target.ResolveField(rel.Remote)
	if err != nil {
		return err
	}
	var values []any
	keys := make([]*relationKey, len(records))
	seen := map[relationKey]bool{}
	for i, r := range records {
		v, _ := r.Get(rel.Local)
		if v == nil {
			continue
		}
		k, err := keyOf(remote, v)
		if err != nil {
			// Not a value of the remote kind, so nothing can match it.
			continue
		}
		keys[i] = &k
		if seen[k] {
			continue
		}
		seen[k] = true
		values = append(values, v)
	}
	var children []*Record
	if len(values) > 0 {
		if children, err = l.fetch(ctx, target, rel.Remote, values); err != nil {
			return err
		}
	}
	serialized, err := l.serialize(ctx, target, children, opts, false)
	if err != nil {
		return err
	}
	groups := map[relationKey][]*Record{}
	for i, child := range children {
		v, _ := child.Get(rel.Remote)
		k, err := keyOf(remote, v)
		if err != nil {
			return errors.Wrapf(err, "cannot match relation %q", rel.Name)
		}
		groups[k] = append(groups[k], serialized[i])
	}
	for i := range records {
		var group []*Record
		if keys[i] != nil {
			group = groups[*keys[i]]
		}
		expanded[i][rel.Name] = related(rel, group)
	}
	return nil
}

// lazy loads the related records of each record on its own.
func (l *Loader) lazy(ctx context.Context, rel schema.Relation, target schema.Model, records []*Record, opts *Options, expanded []map[string]any) error {
	for i, r := range records {
		v, _ := r.Get(rel.Local)
		if v == nil {
			expanded[i][rel.Name] = related(rel, nil)
			continue
		}
		children, err := l.fetch(ctx, target, rel.Remote, v)
		if err != nil {
			return err
		}
		serialized, err := l.serialize(ctx, target, children, opts, false)
		if err != nil {
			return err
		}
		expanded[i][rel.Name] = related(rel, serialized)
	}
	return nil
}

// fetch returns the records of m whose column equals value, or is one of
// values when given a slice.
func (l *Loader) fetch(ctx context.Context, m schema.Model, column string, value any) ([]*Record, error) {
	compiler := compile.New(l.resolver, l.dialect)
	scope := compiler.Scope(m)
	where := sq.Eq{l.dialect.Qualify(scope.Alias, column): value}
	q, err := assemble.Assemble(compiler, scope, where, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	rows, err := l.querier.Query(ctx, q.Select())
	if err != nil {
		return nil, err
	}
	return Scan(rows, q.Fields())
}

// related is the value of an expanded relation: a list for to-many
// relations, a record or nil otherwise.
func related(rel schema.Relation, records []*Record) any {
	if rel.Many {
		l := make([]any, len(records))
		for i, r := range records {
			l[i] = r
		}
		return l
	}
	if len(records) == 0 {
		return nil
	}
	return records[0]
}

// relationKey is a related value, comparable whatever its Go type.
type relationKey struct {
	kind  string
	value string
}

func keyOf(f schema.Field, v any) (relationKey, error) {
	v, err := f.Decode(v)
	if err != nil {
		return relationKey{}, err
	}
	if b, ok := v.([]byte); ok {
		return relationKey{kind: "bytes", value: string(b)}, nil
	}
	return relationKey{kind: fmt.Sprintf("%T", v), value: fmt.Sprint(v)}, nil
}
