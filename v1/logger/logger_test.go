package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.log")
	cfg := DefaultConfig("huddle-test")
	cfg.OutputPath = path

	l, err := New(cfg)
	require.NoError(t, err)
	l.Info("peer joined")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	assert.True(t, strings.Contains(line, `"message":"peer joined"`), line)
	assert.True(t, strings.Contains(line, `"service":"huddle-test"`), line)
}

func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huddle.log")
	l, err := New(Config{Level: "error", OutputPath: path})
	require.NoError(t, err)
	l.Info("dropped")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
