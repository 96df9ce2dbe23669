package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/psanford/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Addr)
	assert.Equal(t, "/mcp", cfg.Path)
	assert.Equal(t, "json", cfg.ResponseMode)
	assert.Equal(t, int64(4<<20), cfg.MaxBodyBytes)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 60*time.Second, cfg.Session.CallTimeout)
	assert.Equal(t, 64, cfg.Session.QueueSize)
	assert.Equal(t, 512, cfg.Stream.Retention)
	assert.Equal(t, 15*time.Second, cfg.Stream.KeepAlive)
	assert.Equal(t, JournalNone, cfg.Journal.Driver)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Empty(t, cfg.CORS.AllowedOrigins)
}

func TestLoadYAMLFromFS(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, fsys.MkdirAll("etc", 0o755))
	require.NoError(t, fsys.WriteFile("etc/mcpd.yaml", []byte(`
addr: ":9000"
response-mode: stream
session:
  idle-timeout: 2m
  max-sessions: 8
stream:
  retention: 64
journal:
  driver: sqlite
  dsn: /var/lib/mcpd/journal.db
cors:
  allowed-origins:
    - https://a.example
    - https://b.example
`), 0o644))

	cfg, err := Load(LoadOptions{File: "etc/mcpd.yaml", FS: fsys})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "stream", cfg.ResponseMode)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 8, cfg.Session.MaxSessions)
	assert.Equal(t, 64, cfg.Stream.Retention)
	assert.Equal(t, JournalSQLite, cfg.Journal.Driver)
	assert.Equal(t, "/var/lib/mcpd/journal.db", cfg.Journal.DSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)

	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Session.GracePeriod)
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workers": 4, "stream": {"keepalive": "5s"}}`), 0o644))

	cfg, err := Load(LoadOptions{File: path})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.Stream.KeepAlive)
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpd.yml")
	require.NoError(t, os.WriteFile(path, []byte("path: /rpc\n"), 0o644))
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/rpc", cfg.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(LoadOptions{File: "nope.yaml", FS: memfs.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.yaml")
}

func TestPrecedence(t *testing.T) {
	fsys := memfs.New()
	require.NoError(t, fsys.WriteFile("mcpd.yaml", []byte("workers: 2\naddr: \":7000\"\nsession:\n  call-timeout: 5s\n"), 0o644))

	t.Setenv("MCPD_WORKERS", "3")
	t.Setenv("MCPD_SESSION__CALL_TIMEOUT", "7s")
	t.Setenv("MCPD_SESSION__QUEUE_SIZE", "12")
	t.Setenv("MCPD_CORS__ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MCPD_DEBUG", "3")

	cfg, err := Load(LoadOptions{
		File:      "mcpd.yaml",
		FS:        fsys,
		Overrides: map[string]any{"workers": 5},
	})
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workers, "flags beat the environment")
	assert.Equal(t, 7*time.Second, cfg.Session.CallTimeout, "the environment beats the file")
	assert.Equal(t, 12, cfg.Session.QueueSize)
	assert.Equal(t, ":7000", cfg.Addr, "the file beats defaults")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{"bad response mode", map[string]any{"response-mode": "sse"}, "response-mode"},
		{"relative path", map[string]any{"path": "mcp"}, "path"},
		{"no workers", map[string]any{"workers": 0}, "workers"},
		{"no retention", map[string]any{"stream.retention": 0}, "retention"},
		{"negative max sessions", map[string]any{"session.max-sessions": -1}, "max-sessions"},
		{"unknown journal", map[string]any{"journal.driver": "postgres"}, "journal.driver"},
		{"sqlite without dsn", map[string]any{"journal.driver": "sqlite"}, "journal.dsn"},
		{"redis with dsn", map[string]any{"journal.driver": "redis", "journal.dsn": "localhost:6379"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{FS: memfs.New(), Overrides: tt.overrides})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestYAML(t *testing.T) {
	cfg, err := Load(LoadOptions{FS: memfs.New(), Overrides: map[string]any{"session.idle-timeout": "1m"}})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "/mcp", decoded["path"])
	session, ok := decoded["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1m", session["idle-timeout"])

	_, err = (&Config{}).YAML()
	assert.Error(t, err)
}
