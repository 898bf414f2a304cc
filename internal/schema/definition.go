// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"github.com/cockroachdb/errors"
)

// Definition declares a model without a Go type.
type Definition struct {
	Name       string               `mapstructure:"name" json:"name" yaml:"name"`
	Table      string               `mapstructure:"table" json:"table" yaml:"table"`
	PrimaryKey []string             `mapstructure:"primary_key" json:"primary_key" yaml:"primary_key"`
	Fields     []FieldDefinition    `mapstructure:"fields" json:"fields" yaml:"fields"`
	Relations  []RelationDefinition `mapstructure:"relations" json:"relations" yaml:"relations"`
}

type FieldDefinition struct {
	Name string `mapstructure:"name" json:"name" yaml:"name"`
	Type string `mapstructure:"type" json:"type" yaml:"type"`
}

type RelationDefinition struct {
	Name   string `mapstructure:"name" json:"name" yaml:"name"`
	Model  string `mapstructure:"model" json:"model" yaml:"model"`
	Local  string `mapstructure:"local" json:"local" yaml:"local"`
	Remote string `mapstructure:"remote" json:"remote" yaml:"remote"`
	Many   bool   `mapstructure:"many" json:"many" yaml:"many"`
}

// FromDefinition builds a model from a definition. The table defaults to the
// model name and the model name to the table.
func FromDefinition(def Definition) (*Table, error) {
	table := def.Table
	if table == "" {
		table = def.Name
	}
	pk := make(map[string]bool, len(def.PrimaryKey))
	for _, name := range def.PrimaryKey {
		pk[name] = true
	}

	fields := make([]Field, 0, len(def.Fields))
	for _, fd := range def.Fields {
		kind, err := ParseKind(fd.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "model %q field %q", def.Name, fd.Name)
		}
		fields = append(fields, Field{Name: fd.Name, Kind: kind, PrimaryKey: pk[fd.Name]})
		delete(pk, fd.Name)
	}
	for name := range pk {
		return nil, errors.Newf("model %q: primary key column %q is not a field", def.Name, name)
	}

	relations := make([]Relation, 0, len(def.Relations))
	for _, rd := range def.Relations {
		if rd.Model == "" {
			return nil, errors.Newf("model %q: relation %q has no target model", def.Name, rd.Name)
		}
		relations = append(relations, Relation{
			Name:   rd.Name,
			Target: rd.Model,
			Local:  rd.Local,
			Remote: rd.Remote,
			Many:   rd.Many,
		})
	}
	return NewTable(def.Name, table, fields, relations)
}
