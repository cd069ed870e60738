package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, an optional file, and
// environment overrides, in that order. An empty path searches the
// standard locations; a missing file there is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = findConfigFile()
	}

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return &ParseError{Path: path, Message: "invalid YAML", Err: err}
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return &ParseError{Path: path, Message: "invalid TOML", Err: err}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return nil
}

var configNames = []string{"lexicore.yaml", "lexicore.yml", "lexicore.toml"}

// findConfigFile looks for a config file in the working directory, then
// in the user configuration directory. Returns "" when none exists.
func findConfigFile() string {
	for _, name := range configNames {
		if fileReadable(name) {
			return name
		}
	}

	dir := userConfigDir()
	if dir == "" {
		return ""
	}
	for _, ext := range []string{".yaml", ".yml", ".toml"} {
		p := filepath.Join(dir, "config"+ext)
		if fileReadable(p) {
			return p
		}
	}
	return ""
}

func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "lexicore")
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "lexicore")
}

func fileReadable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// applyEnv overlays LEXICORE_ environment variables onto the config.
// Only a small, documented set of settings is overridable this way.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("LEXICORE_WORKSPACE"); ok {
		cfg.Workspace = v
	}
	if v, ok := os.LookupEnv("LEXICORE_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("LEXICORE_LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("LEXICORE_METRICS_LISTEN"); ok {
		cfg.Metrics.Listen = v
		cfg.Metrics.Enabled = true
	}
	envInt("LEXICORE_POOL_MAX_SIZE", &cfg.Pool.MaxSize)
	envInt("LEXICORE_REQUEST_TIMEOUT_MS", &cfg.Request.TimeoutMS)
	envInt("LEXICORE_CACHE_TTL_MS", &cfg.Cache.TTLMS)
	envInt("LEXICORE_CACHE_CAPACITY", &cfg.Cache.Capacity)
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
