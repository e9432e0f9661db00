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

	"github.com/ChuLiYu/beaver-async/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zap.InfoLevel, ParseLevel("chatty"))
}

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "beaver.log")
	logger, err := Setup(config.LogConfig{
		Level:   "warn",
		Format:  "json",
		Outputs: []string{path},
	})
	require.NoError(t, err)

	logger.Info("dropped below level")
	logger.Warn("queue full", zap.Int("pending", 3))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "queue full", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.EqualValues(t, 3, entry["pending"])
}

func TestSetupRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	logger, err := Setup(config.LogConfig{
		Level:   "info",
		Format:  "console",
		Outputs: []string{"file"},
		Rotation: config.RotationConfig{
			Enable:     true,
			Filename:   path,
			MaxSizeMB:  1,
			MaxBackups: 1,
			MaxAgeDays: 1,
		},
	})
	require.NoError(t, err)
	logger.Info("runtime started")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "runtime started")
}

func TestSetupDefaultsToStdout(t *testing.T) {
	logger, err := Setup(config.LogConfig{Level: "info", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
