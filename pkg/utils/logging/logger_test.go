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
	"go.uber.org/zap/zapcore"
)

func TestInitLogger_WritesDebugToFile(t *testing.T) {
	dir := t.TempDir()

	logger, err := InitLogger("test", WithLogsDir(dir), WithConsoleLevel(zapcore.ErrorLevel))
	require.NoError(t, err)

	logger.Debug("Sweeping visits", zap.String("visit_id", "v1"))
	require.NoError(t, logger.Sync())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "test_"))

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "Sweeping visits", entry["msg"])
	assert.Equal(t, "v1", entry["visit_id"])
	assert.Equal(t, "test", entry["env"])
	assert.Contains(t, entry, "timestamp")
}
