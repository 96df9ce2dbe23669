// Package config loads mcpd settings from defaults, an optional YAML or
// JSON file, MCPD_* environment variables and command line overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "MCPD_"
	// EnvConfigFile names a config file when --config is not given.
	EnvConfigFile = "MCPD_CONFIG"
)

// Journal drivers.
const (
	JournalNone   = "none"
	JournalMemory = "memory"
	JournalSQLite = "sqlite"
	JournalRedis  = "redis"
)

type Config struct {
	Addr            string        `koanf:"addr"`
	Path            string        `koanf:"path"`
	ResponseMode    string        `koanf:"response-mode"`
	MaxBodyBytes    int64         `koanf:"max-body-bytes"`
	Workers         int           `koanf:"workers"`
	ShutdownTimeout time.Duration `koanf:"shutdown-timeout"`
	Instructions    string        `koanf:"instructions"`

	Log     LogConfig     `koanf:"log"`
	Session SessionConfig `koanf:"session"`
	Stream  StreamConfig  `koanf:"stream"`
	Journal JournalConfig `koanf:"journal"`
	CORS    CORSConfig    `koanf:"cors"`
	Metrics MetricsConfig `koanf:"metrics"`
	Tools   ToolsConfig   `koanf:"tools"`

	k *koanf.Koanf
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `koanf:"idle-timeout"`
	GracePeriod time.Duration `koanf:"grace-period"`
	CallTimeout time.Duration `koanf:"call-timeout"`
	QueueSize   int           `koanf:"queue-size"`
	MaxSessions int           `koanf:"max-sessions"`
}

type StreamConfig struct {
	Retention int           `koanf:"retention"`
	KeepAlive time.Duration `koanf:"keepalive"`
	Retry     time.Duration `koanf:"retry"`
}

type JournalConfig struct {
	Driver string `koanf:"driver"`
	// DSN is a file path for sqlite and an address for redis.
	DSN string `koanf:"dsn"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed-origins"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ToolsConfig enables the optional tool sets beyond math.add.
type ToolsConfig struct {
	// FSRoot exposes a directory through the fs.* tools when set.
	FSRoot     string `koanf:"fs-root"`
	FSWritable bool   `koanf:"fs-writable"`
}

// Defaults returns the flattened default value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"addr":                 "127.0.0.1:8080",
		"path":                 "/mcp",
		"response-mode":        "json",
		"max-body-bytes":       4 << 20,
		"workers":              16,
		"shutdown-timeout":     "30s",
		"instructions":         "",
		"log.level":            "warn",
		"log.format":           "auto",
		"session.idle-timeout": "10m",
		"session.grace-period": "10s",
		"session.call-timeout": "60s",
		"session.queue-size":   64,
		"session.max-sessions": 0,
		"stream.retention":     512,
		"stream.keepalive":     "15s",
		"stream.retry":         "0s",
		"journal.driver":       JournalNone,
		"journal.dsn":          "",
		"cors.allowed-origins": []string{},
		"metrics.enabled":      true,
		"metrics.path":         "/metrics",
		"tools.fs-root":        "",
		"tools.fs-writable":    false,
	}
}

type LoadOptions struct {
	// File is a config file path. When empty, MCPD_CONFIG is consulted.
	File string
	// FS, when set, is where File is read from instead of the OS
	// filesystem.
	FS fs.FS
	// Overrides are flattened keys set last, typically from flags.
	Overrides map[string]any
}

// Load builds the effective configuration.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config: default %s: %w", key, err)
		}
	}

	path := opts.File
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := loadFile(k, opts.FS, path); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	for key, value := range opts.Overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("config: override %s: %w", key, err)
		}
	}

	cfg := &Config{k: k}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Parser()
	}
	return kyaml.Parser()
}

func loadFile(k *koanf.Koanf, fsys fs.FS, path string) error {
	if fsys != nil {
		return k.Load(fsProvider{fsys: fsys, path: path}, parserFor(path))
	}
	return k.Load(file.Provider(path), parserFor(path))
}

// fsProvider reads a config file from an fs.FS.
type fsProvider struct {
	fsys fs.FS
	path string
}

func (p fsProvider) ReadBytes() ([]byte, error) {
	return fs.ReadFile(p.fsys, p.path)
}

func (p fsProvider) Read() (map[string]any, error) {
	return nil, fmt.Errorf("fs provider does not support Read")
}

// envProvider maps MCPD_SESSION__IDLE_TIMEOUT to session.idle-timeout.
func envProvider() *env.Env {
	return env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		if key == EnvConfigFile || key == "MCPD_DEBUG" {
			return "", nil
		}
		segments := strings.Split(strings.TrimPrefix(key, envPrefix), "__")
		for i, s := range segments {
			segments[i] = strcase.ToKebab(strings.ToLower(s))
		}
		name := strings.Join(segments, ".")
		if name == "cors.allowed-origins" {
			return name, splitList(value)
		}
		return name, value
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values that cannot be expressed by their types alone.
func (c *Config) Validate() error {
	switch strings.ToLower(c.ResponseMode) {
	case "json", "stream":
	default:
		return fmt.Errorf("config: response-mode must be json or stream, got %q", c.ResponseMode)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("config: path must start with /, got %q", c.Path)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be positive")
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("config: max-body-bytes must be positive")
	}
	if c.Stream.Retention < 1 {
		return fmt.Errorf("config: stream.retention must be positive")
	}
	if c.Session.QueueSize < 1 {
		return fmt.Errorf("config: session.queue-size must be positive")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("config: session.max-sessions cannot be negative")
	}
	switch c.Journal.Driver {
	case JournalNone, JournalMemory:
	case JournalSQLite, JournalRedis:
		if c.Journal.DSN == "" {
			return fmt.Errorf("config: journal.dsn is required for the %s driver", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("config: unknown journal.driver %q", c.Journal.Driver)
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	if c.k == nil {
		return nil, fmt.Errorf("config: not loaded")
	}
	return yaml.Marshal(c.k.Raw())
}
