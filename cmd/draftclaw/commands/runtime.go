package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/draftclaw/pkg/draftclaw/copilot"
	"github.com/jholhewres/draftclaw/pkg/draftclaw/database"
	"github.com/spf13/cobra"
)

// resolveConfig loads the config from --config or the standard locations.
// Without a file the defaults are used.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = copilot.FindConfigFile()
	}
	if configPath == "" {
		return copilot.DefaultConfig(), "", nil
	}

	cfg, err := copilot.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, configPath, nil
}

// newLogger builds the slog logger from the logging section. Logs go to
// stderr so they never interleave with streamed replies.
func newLogger(cmd *cobra.Command, cfg *copilot.Config, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelWarn
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// runtime bundles what the commands share: config, logger and the
// transcript store.
type runtime struct {
	cfg        *copilot.Config
	configPath string
	logger     *slog.Logger
	store      copilot.TranscriptStore
	closers    []func() error
}

// newRuntime loads config, configures logging and opens the transcript store.
func newRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	if configPath != "" {
		logger.Debug("config loaded", "path", configPath)
		copilot.AuditConfig(configPath, logger)
	}

	rt := &runtime{cfg: cfg, configPath: configPath, logger: logger}
	if err := rt.openStore(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openStore() error {
	switch rt.cfg.Storage.Driver {
	case "sqlite":
		backend, err := database.OpenSQLite(database.SQLiteConfig{Path: rt.cfg.Storage.Path})
		if err != nil {
			return fmt.Errorf("opening transcript database: %w", err)
		}
		rt.closers = append(rt.closers, backend.Close)
		rt.store = copilot.NewSQLiteTranscriptStore(backend.DB, rt.logger)
		rt.logger.Debug("transcript store ready", "driver", "sqlite", "path", rt.cfg.Storage.Path)
	default:
		store, err := copilot.NewJSONLTranscriptStore(rt.cfg.Storage.Dir, rt.logger)
		if err != nil {
			return fmt.Errorf("opening transcript directory: %w", err)
		}
		rt.store = store
		rt.logger.Debug("transcript store ready", "driver", "jsonl", "dir", rt.cfg.Storage.Dir)
	}
	return nil
}

// backend returns the HTTP client of the integration backend.
func (rt *runtime) backend() *copilot.HTTPBackend {
	return copilot.NewHTTPBackend(rt.cfg.Backend, rt.logger)
}

// Close releases the store.
func (rt *runtime) Close() {
	for _, closeFn := range rt.closers {
		if err := closeFn(); err != nil {
			rt.logger.Warn("close failed", "error", err)
		}
	}
}
