package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codecollab/syncengine/collab"
	"github.com/codecollab/syncengine/config"
	"github.com/codecollab/syncengine/engine"
)

// runFlags holds the command-line overrides applied on top of the
// layered configuration.
type runFlags struct {
	configPath  string
	root        string
	natsURL     string
	metricsAddr string
	userID      string
	userName    string
	logLevel    string
}

func run(flags runFlags) error {
	logger := newLogger(flags.logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(flags, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg, flags)

	eng, err := engine.New(cfg, engine.Options{Logger: logger})
	if err != nil {
		return err
	}

	if user, ok := localUser(flags); ok {
		eng.SetCurrentUser(user)
		logger.Info("Local user configured", "id", user.ID, "name", user.Name)
	}

	signalCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(signalCtx); err != nil {
		return err
	}

	logger.Info("Syncd ready", "version", Version, "root", cfg.Workspace.Root)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	if err := eng.Close(); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Syncd shutdown complete")
	return nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig prefers an explicit config file; otherwise the layered
// loader walks up from the working directory.
func loadConfig(flags runFlags, logger *slog.Logger) (*config.Config, error) {
	if flags.configPath != "" {
		return config.LoadFromFile(flags.configPath)
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.NewLoader(logger).Load(wd)
}

// applyFlags overlays command-line values onto the loaded config.
// Flags always win over config files.
func applyFlags(cfg *config.Config, flags runFlags) {
	if flags.root != "" {
		cfg.Workspace.Root = flags.root
	}
	if cfg.Workspace.Root == "" {
		// Fall back to the working directory so a bare `syncd` serves
		// the current project.
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace.Root = wd
		}
	}
	if flags.natsURL != "" {
		cfg.NATS.URL = flags.natsURL
	}
	if envURL := os.Getenv("SYNCD_NATS_URL"); cfg.NATS.URL == "" && envURL != "" {
		cfg.NATS.URL = envURL
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
}

// localUser builds the collaboration identity from flags, falling back
// to the OS username.
func localUser(flags runFlags) (collab.User, bool) {
	id := flags.userID
	if id == "" {
		id = os.Getenv("USER")
	}
	if id == "" {
		return collab.User{}, false
	}
	name := flags.userName
	if name == "" {
		name = id
	}
	return collab.User{ID: id, Name: name}, true
}
