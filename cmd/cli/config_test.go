package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/ollamascan/internal/config"
	"github.com/anstrom/ollamascan/internal/errors"
)

func TestWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg := config.Default()
	cfg.Scanning.Concurrency = 64
	require.NoError(t, writeConfig(cfg, path, false))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.Scanning.Concurrency)
	assert.Empty(t, loaded.Status.AllowedOrigins)

	cfg.Scanning.Concurrency = 8
	err = writeConfig(cfg, path, false)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
	assert.Equal(t, exitConfig, exitCode(err))

	loaded, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.Scanning.Concurrency, "existing file must be left alone")

	require.NoError(t, writeConfig(cfg, path, true))
	loaded, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Scanning.Concurrency)
}

func TestWriteConfigUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	err := writeConfig(config.Default(), filepath.Join(blocker, "config.yaml"), false)
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}
