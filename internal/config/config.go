// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package config loads the configuration of the jsonquery binary from a
// file and JSONQUERY_ environment variables.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/canonical/jsonquery/internal/dialect"
	"github.com/canonical/jsonquery/internal/log"
	"github.com/canonical/jsonquery/internal/schema"
)

// EnvPrefix prefixes the environment variables overriding the configuration,
// e.g. JSONQUERY_DATABASE_DSN for database.dsn.
const EnvPrefix = "JSONQUERY"

type Config struct {
	Database Database            `mapstructure:"database"`
	Query    Query               `mapstructure:"query"`
	Server   Server              `mapstructure:"server"`
	Log      log.Config          `mapstructure:"log"`
	Models   []schema.Definition `mapstructure:"models"`
}

type Database struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	ReadOnly     bool   `mapstructure:"read_only"`
}

type Query struct {
	MaxResultsPerPage int `mapstructure:"max_results_per_page"`
	MaxFilterDepth    int `mapstructure:"max_filter_depth"`
	MaxFilterNodes    int `mapstructure:"max_filter_nodes"`
}

type Server struct {
	Listen string `mapstructure:"listen"`
}

// SetDefaults sets the default of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", ":memory:")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.read_only", false)

	v.SetDefault("query.max_results_per_page", 100)
	v.SetDefault("query.max_filter_depth", 32)
	v.SetDefault("query.max_filter_nodes", 1024)

	v.SetDefault("server.listen", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// New returns a viper instance with the defaults set and the environment
// bound.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the configuration file at path, if path is not empty, and
// returns the validated configuration.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "cannot read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper returns the validated configuration held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "cannot decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values a bad file or environment could set.
func (c *Config) Validate() error {
	if _, err := dialect.ForDriver(c.Database.Driver); err != nil {
		return errors.Wrap(err, "invalid database.driver")
	}
	if c.Database.MaxOpenConns < 0 {
		return errors.Newf("invalid database.max_open_conns: %d is negative", c.Database.MaxOpenConns)
	}
	for key, n := range map[string]int{
		"query.max_results_per_page": c.Query.MaxResultsPerPage,
		"query.max_filter_depth":     c.Query.MaxFilterDepth,
		"query.max_filter_nodes":     c.Query.MaxFilterNodes,
	} {
		if n < 0 {
			return errors.Newf("invalid %s: %d is negative", key, n)
		}
	}
	for i, m := range c.Models {
		if m.Name == "" && m.Table == "" {
			return errors.Newf("invalid models[%d]: no name or table", i)
		}
	}
	return nil
}
