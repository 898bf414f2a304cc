// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"reflect"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry maps model names to models. Models are added at start up, after
// which the registry is only read and is safe for concurrent use.
type Registry struct {
	mutex  sync.RWMutex
	models map[string]*Table
	types  map[reflect.Type]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models: map[string]*Table{},
		types:  map[reflect.Type]string{},
	}
}

// Add registers a model under its name.
func (r *Registry) Add(t *Table) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.models[t.Name()]; ok {
		return &ModelError{Model: t.Name(), kind: ErrDuplicateModel}
	}
	r.models[t.Name()] = t
	if t.typ != nil {
		if _, ok := r.types[t.typ]; !ok {
			r.types[t.typ] = t.Name()
		}
	}
	return nil
}

// Model returns the model registered under name.
func (r *Registry) Model(name string) (Model, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	t, ok := r.models[name]
	if !ok {
		return nil, &ModelError{Model: name, kind: ErrModelNotFound}
	}
	return t, nil
}

// Names returns the registered model names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Target returns the model at the other end of a relation of from. The
// relation's remote column must be a field of that model.
func (r *Registry) Target(from Model, rel Relation) (Model, error) {
	r.mutex.RLock()
	name := rel.Target
	if name == "" && rel.targetType != nil {
		name = r.types[rel.targetType]
	}
	t, ok := r.models[name]
	r.mutex.RUnlock()
	if !ok {
		if name == "" && rel.targetType != nil {
			name = rel.targetType.Name()
		}
		return nil, errors.Wrapf(&ModelError{Model: name, kind: ErrModelNotFound},
			"relation %q of model %q", rel.Name, from.Name())
	}
	if _, err := t.ResolveField(rel.Remote); err != nil {
		return nil, errors.Wrapf(err, "relation %q of model %q", rel.Name, from.Name())
	}
	return t, nil
}
