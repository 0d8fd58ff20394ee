package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescp17/peerFileSharer/api"
	"github.com/rescp17/peerFileSharer/internal/config"
	"github.com/rescp17/peerFileSharer/pkg/session"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, err := run(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, err = run(t, "config", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pool]\nsize = 0\n"), 0o644))

	_, err := run(t, "config", "path", "--config", path)
	assert.ErrorContains(t, err, "pool:")
}

func TestFindCommand(t *testing.T) {
	cfg := api.DefaultServerConfig()
	reg, err := session.NewRegistry(cfg.Session)
	require.NoError(t, err)
	ts := httptest.NewServer(api.NewServer(cfg, reg))
	t.Cleanup(func() {
		reg.Close()
		ts.Close()
	})

	c, err := api.Dial(context.Background(), ts.URL, api.DefaultClientConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	code, _, err := c.Register(context.Background(), session.FileMeta{Name: "photo.jpg", Mime: "image/jpeg", Size: 2048})
	require.NoError(t, err)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	out, err := run(t, "find", code, "--server", ts.URL, "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "photo.jpg")
	assert.Contains(t, out, "2 KB")
	assert.Contains(t, out, "available")

	_, err = run(t, "find", "ZZZZZZZZ", "--server", ts.URL, "--config", configPath)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestReceiveRejectsUnknownStore(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	_, err := run(t, "receive", "ABCD", "--store", "tape", "--server", "ws://127.0.0.1:1", "--config", configPath)
	assert.ErrorContains(t, err, "store kind")
}
