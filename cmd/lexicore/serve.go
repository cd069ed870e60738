package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexicore/lexicore/internal/config"
	"github.com/lexicore/lexicore/internal/lsp"
	"github.com/lexicore/lexicore/internal/mcpserver"
	"github.com/lexicore/lexicore/internal/watch"
)

// shutdownTimeout bounds the graceful shutdown of every language server
// after the MCP stream closes.
const shutdownTimeout = 15 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// stdout carries the MCP stream, so all logging goes to stderr.
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	mgr := lsp.NewManager(cfg.ManagerConfig(), lsp.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go drainEvents(ctx, logger, mgr.Events())

	if cfg.Metrics.Enabled {
		msrv := startMetrics(logger, cfg.Metrics.Listen, mgr)
		defer msrv.Close()
	}

	if cfg.Watch.Enabled {
		w, err := watch.New(mgr,
			watch.WithDebounce(time.Duration(cfg.Watch.DebounceMS)*time.Millisecond),
			watch.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer w.Close()
		for _, p := range watchPaths(cfg) {
			if err := w.Add(p); err != nil {
				logger.Warn("cannot watch path", "path", p, "error", err)
			}
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("starting MCP server",
		"version", version, "languages", mgr.RegisteredLanguages())

	srv := mcpserver.New(mgr, version, mcpserver.WithLogger(logger))
	serveErr := srv.Serve(ctx)

	// The host closed the stream or a signal arrived. Either way the
	// serve context is no longer usable for shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.ShutdownAll(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// loadConfig loads the configuration and layers command line overrides on
// top, then re-validates because an override can introduce a bad value.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("workspace") {
		cfg.Workspace = workspacePath
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if cmd.Flags().Changed("metrics-listen") {
		cfg.Metrics.Listen = metricsListen
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// watchPaths returns the configured watch roots, falling back to the
// workspace root.
func watchPaths(cfg *config.Config) []string {
	if len(cfg.Watch.Paths) > 0 {
		return cfg.Watch.Paths
	}
	if cfg.Workspace != "" {
		return []string{cfg.Workspace}
	}
	return []string{"."}
}

// drainEvents surfaces pool lifecycle events in the log. The manager
// drops events when nobody reads them, so this keeps the channel moving
// for the life of the process.
func drainEvents(ctx context.Context, logger *slog.Logger, events <-chan lsp.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			attrs := []any{"language", ev.Language, "conn", ev.ConnID}
			if ev.Attempt > 0 {
				attrs = append(attrs, "attempt", ev.Attempt)
			}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			switch ev.Type {
			case lsp.EventCrashed, lsp.EventGaveUp:
				logger.Warn("server "+ev.Type.String(), attrs...)
			case lsp.EventHealthCheckFailed:
				logger.Debug("server "+ev.Type.String(), attrs...)
			default:
				logger.Info("server "+ev.Type.String(), attrs...)
			}
		}
	}
}

// startMetrics serves the manager's Prometheus registry over HTTP. The
// returned server is closed by the caller on shutdown.
func startMetrics(logger *slog.Logger, listen string, mgr *lsp.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mgr.Metrics().Registry(), promhttp.HandlerOpts{}))

	msrv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		logger.Info("metrics listening", "addr", listen)
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	return msrv
}
