// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/jsonquery/internal/dialect"
	"github.com/canonical/jsonquery/internal/schema"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Database{Driver: "sqlite3", DSN: ":memory:"}, cfg.Database)
	assert.Equal(t, Query{MaxResultsPerPage: 100, MaxFilterDepth: 32, MaxFilterNodes: 1024}, cfg.Query)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Models)
}

const file = `
database:
  driver: pgx
  dsn: postgres://localhost/company
  max_open_conns: 4
  read_only: true
query:
  max_results_per_page: 20
log:
  level: debug
  json: true
models:
  - name: managers
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: name, type: text}
    relations:
      - {name: employees, model: employees, local: id, remote: manager_id, many: true}
  - table: employees
    primary_key: [id]
    fields:
      - {name: id, type: int}
      - {name: manager_id, type: int}
`

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "jsonquery.yaml", file))
	require.NoError(t, err)

	assert.Equal(t, Database{Driver: "pgx", DSN: "postgres://localhost/company", MaxOpenConns: 4, ReadOnly: true}, cfg.Database)
	assert.Equal(t, 20, cfg.Query.MaxResultsPerPage)
	assert.Equal(t, 32, cfg.Query.MaxFilterDepth)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)

	require.Len(t, cfg.Models, 2)
	assert.Equal(t, schema.Definition{
		Name:       "managers",
		PrimaryKey: []string{"id"},
		Fields:     []schema.FieldDefinition{{Name: "id", Type: "int"}, {Name: "name", Type: "text"}},
		Relations: []schema.RelationDefinition{
			{Name: "employees", Model: "employees", Local: "id", Remote: "manager_id", Many: true},
		},
	}, cfg.Models[0])
	assert.Equal(t, "employees", cfg.Models[1].Table)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("JSONQUERY_DATABASE_DSN", "postgres://replica/company")
	t.Setenv("JSONQUERY_QUERY_MAX_FILTER_NODES", "64")

	cfg, err := Load(writeFile(t, "jsonquery.yaml", file))
	require.NoError(t, err)
	assert.Equal(t, "postgres://replica/company", cfg.Database.DSN)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 64, cfg.Query.MaxFilterNodes)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "cannot read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		err  string
	}{{
		name: "unknown driver",
		set:  map[string]any{"database.driver": "oracle"},
		err:  `invalid database.driver: driver "oracle": .*`,
	}, {
		name: "negative page size",
		set:  map[string]any{"query.max_results_per_page": -1},
		err:  `invalid query.max_results_per_page: -1 is negative`,
	}, {
		name: "negative connections",
		set:  map[string]any{"database.max_open_conns": -2},
		err:  `invalid database.max_open_conns: -2 is negative`,
	}, {
		name: "anonymous model",
		set:  map[string]any{"models": []map[string]any{{"fields": []any{}}}},
		err:  `invalid models\[0\]: no name or table`,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			SetDefaults(v)
			for key, value := range tt.set {
				v.Set(key, value)
			}
			_, err := LoadWithViper(v)
			require.Error(t, err)
			assert.Regexp(t, "^"+tt.err+"$", err.Error())
		})
	}
}

func TestUnknownDriverIsUnknownDialect(t *testing.T) {
	cfg := Config{Database: Database{Driver: "oracle"}}
	assert.True(t, errors.Is(cfg.Validate(), dialect.ErrUnknownDialect))
}
