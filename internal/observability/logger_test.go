package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weblight/acb/internal/config"
)

// syncBuffer adapts bytes.Buffer to zapcore.WriteSyncer.
type syncBuffer struct {
	bytes.Buffer
}

func (b *syncBuffer) Sync() error { return nil }

func testLoggerConfig() config.LoggerConfig {
	cfg := config.NewDefaultConfig().Logger
	cfg.LogFile = ""
	return cfg
}

func TestInitializeConsoleOutput(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	cfg := testLoggerConfig()
	cfg.Format = "console"
	cfg.Level = "debug"
	Initialize(cfg, &buf)

	logger := GetLogger()
	logger.Named("scheduler").Info("queue drained", zap.Int("pending", 0))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, "queue drained")
	assert.Contains(t, out, "acb.scheduler.")
	// The console encoder wraps the level in ANSI color codes.
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "\x1b[")
}

func TestInitializeJSONFileOutput(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logFile := filepath.Join(t.TempDir(), "acb.log")
	var buf syncBuffer
	cfg := testLoggerConfig()
	cfg.Format = "json"
	cfg.LogFile = logFile
	Initialize(cfg, &buf)

	GetLogger().Warn("remote turn slow")
	require.NoError(t, GetLogger().Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "remote turn slow", entry["msg"])
	assert.Equal(t, "acb", entry["logger"])
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second syncBuffer
	cfg := testLoggerConfig()
	Initialize(cfg, &first)
	Initialize(cfg, &second)

	GetLogger().Info("hello")
	require.NoError(t, GetLogger().Sync())

	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf syncBuffer
	cfg := testLoggerConfig()
	cfg.Level = "verbose"
	Initialize(cfg, &buf)

	logger := GetLogger()
	logger.Debug("should be suppressed")
	logger.Info("should appear")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "should be suppressed")
	assert.Contains(t, out, "should appear")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// The fallback is usable without panicking.
	logger.Info("fallback in use")
}

func TestSyncWithoutLoggerIsNoop(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	Sync()
}
