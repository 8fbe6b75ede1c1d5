package monitoring

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestSetDebugLogger(t *testing.T) {
	original := Debugf
	defer func() { Debugf = original }()

	var got string
	SetDebugLogger(func(format string, v ...interface{}) { got = format })
	Debugf("exchange %s", "x")
	assert.Equal(t, "exchange %s", got)

	SetDebugLogger(nil)
	Debugf("muted")
	assert.Equal(t, "exchange %s", got)
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewLogger_FileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "opcn2.log")
	logger, err := NewLogger(LogConfig{Format: "console", File: path, MaxSizeMB: 1}, &buf)
	require.NoError(t, err)
	logger.Warn("to both")
	_ = logger.Sync()

	assert.FileExists(t, path)
	assert.Contains(t, buf.String(), "to both")
}

func TestNewLogger_Errors(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = NewLogger(LogConfig{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestUseZap(t *testing.T) {
	origLog, origDebug := Logf, Debugf
	defer func() { Logf, Debugf = origLog, origDebug }()

	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "info", Format: "console"}, &buf)
	require.NoError(t, err)
	UseZap(logger)

	Logf("state %s", "idle")
	Debugf("hidden at info")
	_ = logger.Sync()

	assert.Contains(t, buf.String(), "state idle")
	assert.NotContains(t, buf.String(), "hidden at info")
}

func TestMetricsRegistered(t *testing.T) {
	LinkRetries.WithLabelValues("test_cmd").Add(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(LinkRetries.WithLabelValues("test_cmd")))

	SessionState.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(SessionState))
}
