package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexicore/lexicore/internal/lsp"
)

// ServerConfig configures one language server. Durations are plain
// millisecond integers so the file format stays flat.
type ServerConfig struct {
	Command               string            `yaml:"command" toml:"command"`
	Args                  []string          `yaml:"args" toml:"args"`
	Env                   map[string]string `yaml:"env" toml:"env"`
	WorkDir               string            `yaml:"workDir" toml:"workDir"`
	InitializationOptions map[string]any    `yaml:"initializationOptions" toml:"initializationOptions"`
	Capabilities          []string          `yaml:"capabilities" toml:"capabilities"`
	HealthCheckIntervalMS int               `yaml:"healthCheckIntervalMs" toml:"healthCheckIntervalMs"`
	MaxRestartAttempts    int               `yaml:"maxRestartAttempts" toml:"maxRestartAttempts"`
	InitializeTimeoutMS   int               `yaml:"initializeTimeoutMs" toml:"initializeTimeoutMs"`
	Disabled              bool              `yaml:"disabled" toml:"disabled"`
}

// PoolConfig sizes the per-language connection pools.
type PoolConfig struct {
	MaxSize int `yaml:"maxSize" toml:"maxSize"`
}

// CacheConfig sizes the semantic result cache.
type CacheConfig struct {
	TTLMS    int `yaml:"ttlMs" toml:"ttlMs"`
	Capacity int `yaml:"capacity" toml:"capacity"`
}

// RequestConfig sets request routing defaults.
type RequestConfig struct {
	TimeoutMS int `yaml:"timeoutMs" toml:"timeoutMs"`
}

// LogConfig controls the structured log output on stderr.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
}

// WatchConfig controls the workspace file watcher.
type WatchConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	Paths      []string `yaml:"paths" toml:"paths"`
	DebounceMS int      `yaml:"debounceMs" toml:"debounceMs"`
}

// Config is the whole daemon configuration.
type Config struct {
	Workspace string `yaml:"workspace" toml:"workspace"`

	Servers map[string]ServerConfig `yaml:"servers" toml:"servers"`

	Pool    PoolConfig    `yaml:"pool" toml:"pool"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Request RequestConfig `yaml:"request" toml:"request"`
	Logging LogConfig     `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Watch   WatchConfig   `yaml:"watch" toml:"watch"`
}

// Default returns the built-in configuration: every supported language
// server enabled with its stock command, standard pool and cache sizes.
func Default() *Config {
	servers := make(map[string]ServerConfig)
	for lang, sc := range lsp.DefaultServerConfigs() {
		servers[lang] = ServerConfig{Command: sc.Command, Args: sc.Args}
	}

	return &Config{
		Servers: servers,
		Pool:    PoolConfig{MaxSize: 5},
		Cache:   CacheConfig{TTLMS: 300000, Capacity: 1000},
		Request: RequestConfig{TimeoutMS: 5000},
		Logging: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
		Watch:   WatchConfig{DebounceMS: 200},
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps the configured level name onto slog, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	if lvl, ok := logLevels[l.Level]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	for lang, sc := range c.Servers {
		if sc.Disabled {
			continue
		}
		if sc.Command == "" {
			errs = append(errs, &ValidationError{
				Path:    "servers." + lang + ".command",
				Message: "command is required",
			})
		}
		if sc.HealthCheckIntervalMS < 0 {
			errs = append(errs, &ValidationError{
				Path:    "servers." + lang + ".healthCheckIntervalMs",
				Message: "must not be negative",
			})
		}
		if sc.MaxRestartAttempts < 0 {
			errs = append(errs, &ValidationError{
				Path:    "servers." + lang + ".maxRestartAttempts",
				Message: "must not be negative",
			})
		}
	}

	if c.Pool.MaxSize < 0 {
		errs = append(errs, &ValidationError{Path: "pool.maxSize", Message: "must not be negative"})
	}
	if c.Cache.TTLMS < 0 {
		errs = append(errs, &ValidationError{Path: "cache.ttlMs", Message: "must not be negative"})
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, &ValidationError{Path: "cache.capacity", Message: "must not be negative"})
	}
	if c.Request.TimeoutMS < 0 {
		errs = append(errs, &ValidationError{Path: "request.timeoutMs", Message: "must not be negative"})
	}
	if c.Logging.Level != "" {
		if _, ok := logLevels[c.Logging.Level]; !ok {
			errs = append(errs, &ValidationError{
				Path:    "logging.level",
				Message: fmt.Sprintf("unknown level %q", c.Logging.Level),
			})
		}
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, &ValidationError{
			Path:    "logging.format",
			Message: fmt.Sprintf("unknown format %q", c.Logging.Format),
		})
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, &ValidationError{Path: "metrics.listen", Message: "required when metrics are enabled"})
	}

	return errors.Join(errs...)
}

// ManagerConfig converts the file representation into the manager's
// runtime configuration. Disabled servers are dropped here.
func (c *Config) ManagerConfig() lsp.ManagerConfig {
	servers := make(map[string]lsp.LanguageServerConfig, len(c.Servers))
	for lang, sc := range c.Servers {
		if sc.Disabled {
			continue
		}
		lc := lsp.LanguageServerConfig{
			Command:               sc.Command,
			Args:                  sc.Args,
			Env:                   sc.Env,
			WorkDir:               sc.WorkDir,
			InitializationOptions: sc.InitializationOptions,
			HealthCheckInterval:   msDuration(sc.HealthCheckIntervalMS),
			MaxRestartAttempts:    sc.MaxRestartAttempts,
			InitializeTimeout:     msDuration(sc.InitializeTimeoutMS),
		}
		if len(sc.Capabilities) > 0 {
			lc.Capabilities = lsp.CapabilitiesFromMethods(sc.Capabilities)
		} else {
			lc.Capabilities = lsp.DefaultDeclaredCapabilities()
		}
		servers[lang] = lc
	}

	return lsp.ManagerConfig{
		Servers:        servers,
		MaxPoolSize:    c.Pool.MaxSize,
		RequestTimeout: msDuration(c.Request.TimeoutMS),
		CacheTTL:       msDuration(c.Cache.TTLMS),
		CacheCapacity:  c.Cache.Capacity,
		WorkspaceRoot:  c.Workspace,
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
