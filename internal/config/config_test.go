package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decksync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:7000"
  deck_backend: json
  deck_dir: /var/lib/decksync/decks
  read_timeout: 5s
client:
  user: alice
  round_trip_timeout: 2m
`)
	t.Chdir(t.TempDir())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.Listen)
	assert.Equal(t, BackendJSON, cfg.Server.DeckBackend)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout.Duration, "unset keys keep defaults")
	assert.Equal(t, "alice", cfg.Client.User)
	assert.Equal(t, 2*time.Minute, cfg.Client.RoundTripTimeout.Duration)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	t.Chdir(t.TempDir())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "server:\n  lissen: \":1\"\n")
	t.Chdir(t.TempDir())

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lissen")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, "client:\n  dial_timeout: soon\n")
	t.Chdir(t.TempDir())

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Server.DeckBackend = "mongo" },
			field:  "deck_backend",
		},
		{
			name:   "json backend needs a directory",
			mutate: func(c *Config) { c.Server.DeckBackend = BackendJSON },
			field:  "deck_dir",
		},
		{
			name:   "postgres needs a dsn",
			mutate: func(c *Config) { c.Server.PrivilegeDriver = DriverPostgres },
			field:  "postgres_dsn",
		},
		{
			name:   "listen needs a port",
			mutate: func(c *Config) { c.Server.Listen = "localhost" },
			field:  "listen",
		},
		{
			name:   "batch limit must be positive",
			mutate: func(c *Config) { c.Server.MaxBatchBytes = 0 },
			field:  "max_batch_bytes",
		},
		{
			name:   "anki url must be http",
			mutate: func(c *Config) { c.Client.AnkiConnectURL = "ftp://anki" },
			field:  "anki_connect_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DECKSYNC_LISTEN":           ":8000",
		"DECKSYNC_PRIVILEGE_DRIVER": "postgres",
		"DECKSYNC_POSTGRES_DSN":     "postgres://localhost/decks",
		"DECKSYNC_MAX_BATCH_BYTES":  "1024",
		"DECKSYNC_USER":             "bob",
		"DECKSYNC_DIAL_TIMEOUT":     "3s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, ":8000", cfg.Server.Listen)
	assert.Equal(t, DriverPostgres, cfg.Server.PrivilegeDriver)
	assert.Equal(t, "postgres://localhost/decks", cfg.Server.PostgresDSN)
	assert.Equal(t, int64(1024), cfg.Server.MaxBatchBytes)
	assert.Equal(t, "bob", cfg.Client.User)
	assert.Equal(t, 3*time.Second, cfg.Client.DialTimeout.Duration)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_Invalid(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "DECKSYNC_MAX_BATCH_BYTES" {
			return "lots", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DECKSYNC_MAX_BATCH_BYTES")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DECKSYNC_USER=carol\n"), 0o644))
	t.Chdir(dir)
	// godotenv never overrides variables that are already set.
	t.Setenv("DECKSYNC_SERVER_ADDR", "sync.example.com:9999")
	os.Unsetenv("DECKSYNC_USER")
	t.Cleanup(func() { os.Unsetenv("DECKSYNC_USER") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.Client.User)
	assert.Equal(t, "sync.example.com:9999", cfg.Client.ServerAddr)
}
