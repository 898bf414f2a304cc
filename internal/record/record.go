// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package record loads model instances into ordered records and serializes
// them, expanding relations as asked for by the record options.
package record

import (
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/canonical/jsonquery/internal/encode"
	"github.com/canonical/jsonquery/internal/schema"
)

// Record is a serialized model instance. Its keys keep the order of the
// model's fields followed by expanded relations.
type Record struct {
	keys   []string
	values map[string]any
}

// New returns an empty record.
func New() *Record {
	return &Record{values: map[string]any{}}
}

// Set stores a value, appending the key if it is new.
func (r *Record) Set(key string, v any) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the keys in order.
func (r *Record) Keys() []string {
	return r.keys
}

// Map returns the record as a map, with expanded relations converted too.
func (r *Record) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for k, v := range r.values {
		switch v := v.(type) {
		case *Record:
			m[k] = v.Map()
		case []any:
			l := make([]any, len(v))
			for i, e := range v {
				if rec, ok := e.(*Record); ok {
					l[i] = rec.Map()
				} else {
					l[i] = e
				}
			}
			m[k] = l
		default:
			m[k] = v
		}
	}
	return m
}

func (r *Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return encode.Object(r.keys, r.values)
}

// Scan reads every row into a record holding the given fields. The columns
// of rows must be the fields, in order.
func Scan(rows *sql.Rows, fields []schema.Field) ([]*Record, error) {
	defer rows.Close()
	var records []*Record
	values := make([]any, len(fields))
	ptrs := make([]any, len(fields))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		for i := range values {
			values[i] = nil
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "cannot scan row")
		}
		r := New()
		for i, f := range fields {
			v, err := f.Decode(values[i])
			if err != nil {
				return nil, errors.Wrapf(err, "cannot decode column %q", f.Name)
			}
			r.Set(f.Name, v)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
