package nugetplugin

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smnsjas/go-nugetplugin/discovery"
	"github.com/smnsjas/go-nugetplugin/plugin"
)

// Environment variables understood by ConfigFromEnvironment. Timeouts are
// whole seconds, matching what existing plugin installations configure.
const (
	EnvHandshakeTimeoutSeconds = "NUGET_PLUGIN_HANDSHAKE_TIMEOUT_IN_SECONDS"
	EnvRequestTimeoutSeconds   = "NUGET_PLUGIN_REQUEST_TIMEOUT_IN_SECONDS"
	EnvIdleTimeoutSeconds      = "NUGET_PLUGIN_IDLE_TIMEOUT_IN_SECONDS"
)

// Config controls a Provider.
type Config struct {
	// SearchPaths holds plugin executables or directories. Empty disables
	// the plugin subsystem entirely.
	SearchPaths []string
	// Culture is handed to plugins during Initialize so they localize
	// their own messages.
	Culture string
	// HandshakeTimeout bounds protocol negotiation with a fresh process.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds each outbound request. Zero means the
	// dispatcher default; negative disables request deadlines.
	RequestTimeout time.Duration
	// IdleTimeout closes plugins nobody has talked to for that long. Zero
	// means the factory default; negative disables.
	IdleTimeout time.Duration
	// WatchSearchPaths keeps discovery fresh with a filesystem watcher.
	WatchSearchPaths bool

	// Launch overrides how plugin processes are started. Nil uses the real
	// subprocess launcher; tests and embedders substitute their own.
	Launch plugin.LaunchFunc

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.Culture == "" {
		out.Culture = "en-US"
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// fileConfig is the on-disk YAML shape. Durations are written the Go way,
// "30s" or "2m".
type fileConfig struct {
	SearchPaths      []string `yaml:"searchPaths"`
	Culture          string   `yaml:"culture"`
	HandshakeTimeout string   `yaml:"handshakeTimeout"`
	RequestTimeout   string   `yaml:"requestTimeout"`
	IdleTimeout      string   `yaml:"idleTimeout"`
	WatchSearchPaths bool     `yaml:"watchSearchPaths"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{
		SearchPaths:      fc.SearchPaths,
		Culture:          fc.Culture,
		WatchSearchPaths: fc.WatchSearchPaths,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"handshakeTimeout", fc.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"requestTimeout", fc.RequestTimeout, &cfg.RequestTimeout},
		{"idleTimeout", fc.IdleTimeout, &cfg.IdleTimeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("config %s: bad %s %q: %w", path, f.name, f.raw, err)
		}
		*f.dst = d
	}
	return cfg, nil
}

// ConfigFromEnvironment builds a Config from process environment values,
// read through getenv. Search paths come from NUGET_PLUGIN_PATHS; timeout
// overrides from the *_IN_SECONDS variables. Malformed values fall back to
// the defaults rather than failing startup.
func ConfigFromEnvironment(getenv func(string) string) *Config {
	return &Config{
		SearchPaths:      discovery.SearchPathsFromEnv(getenv),
		HandshakeTimeout: secondsFromEnv(getenv, EnvHandshakeTimeoutSeconds),
		RequestTimeout:   secondsFromEnv(getenv, EnvRequestTimeoutSeconds),
		IdleTimeout:      secondsFromEnv(getenv, EnvIdleTimeoutSeconds),
	}
}

func secondsFromEnv(getenv func(string) string, key string) time.Duration {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
