// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package log builds the zap loggers of the jsonquery binary.
package log

import (
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and the encoding of a logger.
type Config struct {
	// Level is one of debug, info, warn or error. Empty means info.
	Level string `mapstructure:"level"`
	// JSON selects the production JSON encoder instead of the console one.
	JSON bool `mapstructure:"json"`
}

// New returns a logger writing to standard error.
func New(cfg Config) (*zap.Logger, error) {
	return build(cfg, zapcore.Lock(os.Stderr))
}

func build(cfg Config, out zapcore.WriteSyncer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, errors.Newf("invalid log level %q", cfg.Level)
		}
	}

	var encoder zapcore.Encoder
	if cfg.JSON {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	}
	return zap.New(zapcore.NewCore(encoder, out, level)), nil
}
