package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefault(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestNew_TextToOutput(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer

	logger, closeFn, err := New(Config{Level: slog.LevelInfo, Format: "text", Output: &buf})
	require.NoError(t, err)
	defer closeFn()

	logger.Debug("hidden")
	logger.Info("task triggered", "task_id", "t-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "task triggered")
	assert.Contains(t, out, "task_id=t-1")
	assert.Same(t, logger, slog.Default())
}

func TestNew_FanoutToFile(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "sync.log")

	logger, closeFn, err := New(Config{Level: slog.LevelDebug, Format: "text", Output: &buf, FilePath: path})
	require.NoError(t, err)

	logger.Warn("resource fetch failed", "key", "/assistants/a1/reflections/")
	require.NoError(t, closeFn())

	assert.Contains(t, buf.String(), "resource fetch failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "resource fetch failed", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "/assistants/a1/reflections/", record["key"])
}

func TestNew_InvalidFilePath(t *testing.T) {
	restoreDefault(t)

	_, _, err := New(Config{FilePath: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}
