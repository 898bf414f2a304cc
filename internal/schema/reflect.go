// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

var cacheMutex sync.RWMutex
var cache = make(map[reflect.Type]*Table)

// tableNamer can be implemented by struct samples to choose the table name.
// Without it the lower-cased type name is used.
type tableNamer interface {
	TableName() string
}

// Reflect returns the model described by the tags of the struct sample,
// generating and caching it as required.
func Reflect(sample any) (*Table, error) {
	if sample == (any)(nil) {
		return nil, errors.New("cannot reflect nil value")
	}

	v := reflect.ValueOf(sample)
	v = reflect.Indirect(v)

	cacheMutex.RLock()
	t, found := cache[v.Type()]
	cacheMutex.RUnlock()
	if found {
		return t, nil
	}

	t, err := generate(v, sample)
	if err != nil {
		return nil, err
	}

	cacheMutex.Lock()
	cache[v.Type()] = t
	cacheMutex.Unlock()

	return t, nil
}

// generate produces the model for the input reflect.Value.
func generate(value reflect.Value, sample any) (*Table, error) {
	// Dereference the value if it is a pointer.
	value = reflect.Indirect(value)

	// Models can only be reflected from structs.
	if value.Kind() != reflect.Struct {
		return nil, errors.Newf("can only reflect struct type, got %s", value.Kind())
	}

	typ := value.Type()
	table := strings.ToLower(typ.Name())
	if tn, ok := sample.(tableNamer); ok {
		table = tn.TableName()
	}

	var fields []Field
	var relations []Relation
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if tag := field.Tag.Get("db"); tag != "" {
			f, err := parseTag(tag)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s of struct %s", field.Name, typ.Name())
			}
			if f.Kind == Unknown {
				f.Kind = kindOf(field.Type)
			} else if f.Kind == Date && kindOf(field.Type) != Time {
				return nil, errors.Newf("field %s of struct %s: date option on non-time field", field.Name, typ.Name())
			}
			fields = append(fields, f)
			continue
		}
		if tag := field.Tag.Get("rel"); tag != "" {
			r, err := parseRelTag(tag, field.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s of struct %s", field.Name, typ.Name())
			}
			relations = append(relations, r)
		}
	}

	t, err := NewTable(table, table, fields, relations)
	if err != nil {
		return nil, err
	}
	t.typ = typ
	return t, nil
}

// parseTag parses a "db" tag, "name[,pk][,date]".
func parseTag(tag string) (Field, error) {
	options := strings.Split(tag, ",")

	name := options[0]
	if len(name) == 0 {
		return Field{}, errors.New("empty db tag")
	}
	if !validNameRx.MatchString(name) {
		return Field{}, errors.New("invalid column name in 'db' tag")
	}

	f := Field{Name: name}
	for _, opt := range options[1:] {
		switch strings.ToLower(opt) {
		case "pk":
			f.PrimaryKey = true
		case "date":
			f.Kind = Date
		default:
			return Field{}, errors.Newf("unexpected tag value %q", opt)
		}
	}
	return f, nil
}

// parseRelTag parses a "rel" tag, "name,local,remote". The related model is
// the element type of the field.
func parseRelTag(tag string, fieldType reflect.Type) (Relation, error) {
	options := strings.Split(tag, ",")
	if len(options) != 3 {
		return Relation{}, errors.New("rel tag must be \"name,local,remote\"")
	}
	r := Relation{Name: options[0], Local: options[1], Remote: options[2]}

	t := fieldType
	if t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		r.Many = true
		t = t.Elem()
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return Relation{}, errors.Newf("relation %q must refer to a struct, got %s", r.Name, t.Kind())
	}
	r.targetType = t
	return r, nil
}
