// Package config provides the configuration system for Lexicore.
//
// The config package loads, merges, and validates the daemon settings:
// which language servers to run, pool and cache sizing, request
// timeouts, logging, metrics, and the workspace file watcher.
//
// # Layering
//
// Configuration is resolved in three layers with higher layers
// overriding lower:
//
//	┌─────────────────────────────┐
//	│  3. Environment Variables   │  ← LEXICORE_* (highest priority)
//	├─────────────────────────────┤
//	│  2. Config File             │  ← lexicore.yaml / config.toml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// # Basic Usage
//
// Load configuration from the default search path:
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mgr, err := lsp.NewManager(cfg.ManagerConfig())
//
// An explicit path skips the search and fails if the file is missing.
//
// # Configuration Files
//
// Both YAML and TOML are supported, chosen by file extension. The
// search order is lexicore.yaml, lexicore.yml, lexicore.toml in the
// working directory, then config.{yaml,yml,toml} under
// $XDG_CONFIG_HOME/lexicore (or ~/.config/lexicore).
//
//	# lexicore.yaml
//	workspace: /home/dev/project
//	servers:
//	  go:
//	    command: gopls
//	  python:
//	    command: pylsp
//	    disabled: true
//	pool:
//	  maxSize: 5
//	cache:
//	  ttlMs: 300000
//
// # Environment Overrides
//
// A small set of settings can be overridden per invocation:
//
//   - LEXICORE_WORKSPACE: workspace root path
//   - LEXICORE_LOG_LEVEL, LEXICORE_LOG_FORMAT: logging
//   - LEXICORE_METRICS_LISTEN: metrics address (implies enabled)
//   - LEXICORE_POOL_MAX_SIZE, LEXICORE_REQUEST_TIMEOUT_MS,
//     LEXICORE_CACHE_TTL_MS, LEXICORE_CACHE_CAPACITY: sizing
//
// # Error Handling
//
// The package defines these error types:
//
//   - ErrFileNotFound: an explicitly named config file doesn't exist
//   - ErrUnsupportedFormat: unrecognized config file extension
//   - ParseError: configuration file parsing failed
//   - ValidationError: a setting has an unusable value
package config
