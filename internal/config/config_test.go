package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrshanahan/notes-sync/internal/syncer"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func loader(t *testing.T, file string, env map[string]string) Loader {
	return Loader{
		File:    file,
		EnvFile: writeFile(t, ".env", ""),
		Lookup:  envMap(env),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestLoadLayersInOrder(t *testing.T) {
	file := writeFile(t, "sync.yaml", `
api_url: http://yaml.example/
sync_interval: 45s
cache_name: notes-app-v2
auth:
  provider_url: http://auth.example
  disabled: true
`)
	l := loader(t, file, map[string]string{
		"NOTES_SYNC_SYNC_INTERVAL": "1m",
		"NOTES_SYNC_MANIFEST":      "/, /static/js/main.js,",
	})
	l.EnvFile = writeFile(t, ".env", "NOTES_SYNC_API_URL=http://dotenv.example\nNOTES_SYNC_SYNC_INTERVAL=2m\n")

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://dotenv.example", cfg.APIURL)
	assert.Equal(t, time.Minute, cfg.SyncInterval.Duration, "process env beats .env")
	assert.Equal(t, "notes-app-v2", cfg.CacheName)
	assert.Equal(t, []string{"/", "/static/js/main.js"}, cfg.Manifest)
	assert.True(t, cfg.Auth.Disabled)
	assert.Equal(t, "http://auth.example", cfg.Auth.ProviderURL)
	assert.Equal(t, DefaultProbeInterval, cfg.ProbeInterval.Duration)
}

func TestLoadRequiresAPIURL(t *testing.T) {
	_, err := loader(t, writeFile(t, "sync.yaml", "sync_interval: 30s\n"), nil).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = loader(t, writeFile(t, "sync.yaml", "api_url: notes\n"), nil).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadClampsIntervals(t *testing.T) {
	cfg, err := loader(t, writeFile(t, "sync.yaml", "api_url: http://api\n"), map[string]string{
		"NOTES_SYNC_SYNC_INTERVAL":  "1s",
		"NOTES_SYNC_PROBE_INTERVAL": "10ms",
	}).Load()
	require.NoError(t, err)
	assert.Equal(t, syncer.MinInterval, cfg.SyncInterval.Duration)
	assert.Equal(t, time.Second, cfg.ProbeInterval.Duration)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"duration": {"NOTES_SYNC_API_URL": "http://api", "NOTES_SYNC_SYNC_INTERVAL": "soon"},
		"bool":     {"NOTES_SYNC_API_URL": "http://api", "NOTES_SYNC_NOTIFICATIONS": "maybe"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loader(t, writeFile(t, "sync.yaml", ""), env).Load()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := loader(t, writeFile(t, "sync.yaml", "sync_interval: forever\n"), nil).Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	_, err := loader(t, filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{
		"NOTES_SYNC_API_URL": "http://api",
	}).Load()
	assert.Error(t, err)
}

func TestHelpMentionsVariables(t *testing.T) {
	help := Help()
	assert.Contains(t, help, "NOTES_SYNC_API_URL")
	assert.Contains(t, help, "NOTES_SYNC_PROXY_ADDR")
}
