package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	rawslog "log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerolog(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := Build().FromWriter(buff).Level("debug").Make()
	require.NoError(t, err)
	require.NotNil(t, templogger)

	log := NewZerolog(templogger.Logger)
	require.Equal(t, 0, buff.Len())

	log.Warn("stream failed", "collection", "users", "error", errors.New("boom"), "attempt", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "stream failed", entry["message"])
	assert.Equal(t, "users", entry["collection"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, float64(3), entry["attempt"])
	assert.Contains(t, entry, "time")
}

func TestZerologLevel(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := Build().FromWriter(buff).Level("warn").Make()
	require.NoError(t, err)

	log := NewZerolog(templogger.Logger)
	log.Debug("hidden")
	log.Info("hidden")
	assert.Zero(t, buff.Len())

	log.Error("shown", "dangling")
	assert.Contains(t, buff.String(), "shown")
	assert.Contains(t, buff.String(), "!BADKEY")
}

func TestZerologFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "firesync.log")
	templogger, err := Build().FromPath(path).Make()
	require.NoError(t, err)
	require.NotNil(t, templogger.LogFile)
	defer templogger.LogFile.Close()

	NewZerolog(templogger.Logger).Info("written")
}

func TestZerologConsole(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	templogger, err := Build().FromWriter(buff).Console().Make()
	require.NoError(t, err)

	NewZerolog(templogger.Logger).Info("synchronized", "documents", 3)
	assert.Contains(t, buff.String(), "synchronized")
	assert.Contains(t, buff.String(), "documents=3")
}

func TestNew(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	log := New(rawslog.NewTextHandler(buff, nil))
	log.Info("hello", "k", "v")
	assert.Contains(t, buff.String(), "k=v")

	NewNop().Error("ignored")
}
