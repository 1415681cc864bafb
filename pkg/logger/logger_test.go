package logger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojoidx.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Debug("tree opened")
	log.Info("index ready")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "index ready", entry["msg"])
	assert.Equal(t, "gojoidx", entry["service"])
}

func TestNew_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojoidx.log")
	log, err := New(Config{Level: "not-a-level", OutputFile: path, Service: "inspect"})
	require.NoError(t, err)

	log.Debug("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"service":"inspect"`)
	assert.Contains(t, string(data), "Unknown log level")
}

func TestBuild_LevelOverHTTP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojoidx.log")
	log, level, err := Build(Config{Level: "info", OutputFile: path})
	require.NoError(t, err)

	log.Debug("before")
	req := httptest.NewRequest(http.MethodPut, "/log/level", strings.NewReader(`{"level":"debug"}`))
	rec := httptest.NewRecorder()
	level.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	log.Debug("after")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "before")
	assert.Contains(t, string(data), "after")
}

func TestNew_MultipleOutputs(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	log, err := New(Config{OutputFile: a + ", " + b})
	require.NoError(t, err)
	log.Info("split brain check")
	require.NoError(t, log.Sync())

	for _, path := range []string{a, b} {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "split brain check")
	}
}

func TestNew_BadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
