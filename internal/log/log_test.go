// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(Config{Level: "warn", JSON: true}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("query failed", zap.String("model", "employees"))
	require.NoError(t, logger.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "query failed", line["msg"])
	assert.Equal(t, "employees", line["model"])
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := build(Config{Level: "debug"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("query", zap.Int("args", 2))
	assert.Contains(t, buf.String(), "query")
	assert.Contains(t, buf.String(), `{"args": 2}`)
}

func TestDefaultLevel(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.EqualError(t, err, `invalid log level "loud"`)
}
