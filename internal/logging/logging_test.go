package logging

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

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	logger := slog.New(h)
	logger.Debug("hidden")
	logger.Info("fragment stored", "seq", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "fragment stored", rec["msg"])
	assert.EqualValues(t, 7, rec["seq"])

	buf.Reset()
	h, err = NewHandler(&buf, Config{Level: "debug", Format: "text"})
	require.NoError(t, err)
	slog.New(h).Debug("visible", "session", "abc")
	assert.Contains(t, buf.String(), "session=abc")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	cfg.Format = "xml"
	assert.EqualError(t, cfg.Validate(), "log format must be text or json")
}

func TestSetupWritesToFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "debug.log")
	closeFn, err := Setup(Config{Level: "info", Format: "text", File: path})
	require.NoError(t, err)
	slog.Info("hello from test")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello from test"))
}
