package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "search_log.log")

	logger, err := New("debug", path)
	require.NoError(t, err)

	logger.Info("search", zap.Int64("user_id", 42), zap.String("query", "мастер"))
	// stdout.Sync может вернуть EINVAL, файл пишется без буфера.
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "search", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "мастер", entry["query"])
	assert.EqualValues(t, 42, entry["user_id"])
}

func TestParseLevel(t *testing.T) {
	l, err := parseLevel("")
	require.NoError(t, err)
	assert.Equal(t, "info", l.String())

	l, err = parseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, "warn", l.String())

	_, err = parseLevel("loud")
	assert.Error(t, err)
}
