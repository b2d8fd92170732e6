package slog_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	rawslog "log/slog"

	"github.com/firesync/firesync.go/pkg/logger/slog"
	"github.com/stretchr/testify/require"
)

type testMethod struct {
	fn    func(msg string, args ...any)
	level rawslog.Level
}

const (
	logText         = "Test Log Value"
	customFieldName = "collection"
	customFieldVal  = "users"
)

type testLogJSON struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	CustomVal any    `json:"collection"`
	Stream    string `json:"stream"`
}

func TestLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be set to debug for log all
	handler := rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelDebug})
	logger := slog.New(handler)

	testMethods := []testMethod{
		{fn: logger.Error, level: rawslog.LevelError},
		{fn: logger.Warn, level: rawslog.LevelWarn},
		{fn: logger.Info, level: rawslog.LevelInfo},
		{fn: logger.Debug, level: rawslog.LevelDebug},
	}

	for _, v := range testMethods {
		t.Run(fmt.Sprintf("testing %s", v.level.String()), func(t *testing.T) {
			buffer.Reset()
			v.fn(logText, customFieldName, customFieldVal)

			entry := decode(t, buffer)
			require.Equal(t, v.level.String(), entry.Level)
			require.Equal(t, logText, entry.Msg)
			require.Equal(t, customFieldVal, entry.CustomVal)
		})
	}
}

func TestWith(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger := slog.New(rawslog.NewJSONHandler(buffer, nil)).With("stream", "listen")

	logger.Info(logText)

	entry := decode(t, buffer)
	require.Equal(t, "listen", entry.Stream)
	require.Equal(t, logText, entry.Msg)
}

func TestLevelFiltering(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger := slog.New(rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelWarn}))

	logger.Debug(logText)
	logger.Info(logText)
	require.Zero(t, buffer.Len())

	logger.Warn(logText)
	require.NotZero(t, buffer.Len())
}

func decode(t *testing.T, buffer *bytes.Buffer) testLogJSON {
	t.Helper()

	var entry testLogJSON
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level rawslog.Level
	}{
		{"", rawslog.LevelInfo},
		{"trace", rawslog.LevelDebug},
		{"DEBUG", rawslog.LevelDebug},
		{"warning", rawslog.LevelWarn},
		{"error", rawslog.LevelError},
	}

	for _, tt := range tests {
		level, err := slog.ParseLevel(tt.name)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.level, level, tt.name)
	}

	_, err := slog.ParseLevel("loud")
	require.Error(t, err)
}

func TestNewJSON(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger, err := slog.NewJSON(buffer, "warn")
	require.NoError(t, err)
	require.False(t, logger.Enabled(rawslog.LevelInfo))
	require.True(t, logger.Enabled(rawslog.LevelError))

	logger.Error(logText, customFieldName, customFieldVal)
	entry := decode(t, buffer)
	require.Equal(t, "ERROR", entry.Level)
	require.Equal(t, customFieldVal, entry.CustomVal)

	_, err = slog.NewJSON(buffer, "loud")
	require.Error(t, err)
}

func TestNewText(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	logger, err := slog.NewText(buffer, "debug")
	require.NoError(t, err)

	logger.Debug(logText, customFieldName, customFieldVal)
	require.Contains(t, buffer.String(), "level=DEBUG")
	require.Contains(t, buffer.String(), "collection=users")
}
