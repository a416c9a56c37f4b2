package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 0.0.0.0
  port: 9000
database:
  dsn: /data/custom.db
logging:
  level: debug
executor:
  ffmpeg_path: /opt/ffmpeg/bin/ffmpeg
drop_folder:
  enabled: true
  path: /watch
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/data/custom.db", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.Executor.FFmpegPath)
	assert.True(t, cfg.DropFolder.Enabled)
	assert.Equal(t, "/watch", cfg.DropFolder.Path)

	// unset fields still get defaults
	assert.Equal(t, "./data/logs", cfg.Logging.Dir)
	assert.Equal(t, "./data/output", cfg.DropFolder.OutputDir)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnvMissingFile(t *testing.T) {
	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "./data/mediabatch.db", cfg.Database.DSN)
	assert.Equal(t, "ffmpeg", cfg.Executor.FFmpegPath)
	assert.False(t, cfg.DropFolder.Enabled)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_DSN", "/env/override.db")
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("DROP_FOLDER", "/env/drop")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/env/override.db", cfg.Database.DSN)
	assert.Equal(t, "warning", cfg.Logging.Level)
	assert.True(t, cfg.DropFolder.Enabled, "drop folder override turns the watcher on")
	assert.Equal(t, "/env/drop", cfg.DropFolder.Path)
}
