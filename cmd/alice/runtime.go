package main

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/alice/pkg/config"
	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/maintenance"
	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/providers"
	"github.com/dotsetgreg/alice/pkg/retry"
	"github.com/dotsetgreg/alice/pkg/session"
)

// appRuntime is everything a command needs to talk to ALICE.
type appRuntime struct {
	cfg   *config.Config
	store *memory.SQLiteStore
	modes *modes.Registry
	ctrl  *session.Controller
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, debug bool) error {
	if err := logger.Configure(logger.Options{JSON: cfg.Log.JSON, File: cfg.LogFile()}); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
	}
	return nil
}

func loadModes(cfg *config.Config) (*modes.Registry, error) {
	reg := modes.NewRegistry()
	if err := reg.LoadFile(cfg.ModesFile()); err != nil {
		return nil, fmt.Errorf("load modes: %w", err)
	}
	if name := strings.TrimSpace(cfg.Modes.Default); name != "" {
		if err := reg.SetDefault(name); err != nil {
			logger.WarnCF("modes", "Configured default mode ignored", map[string]any{
				"mode":  name,
				"error": err.Error(),
			})
		}
	}
	return reg, nil
}

// openRuntime opens the store and builds the controller. withGenerator false
// uses the offline echo backend for commands that never generate.
func openRuntime(cfg *config.Config, withGenerator bool) (*appRuntime, error) {
	reg, err := loadModes(cfg)
	if err != nil {
		return nil, err
	}

	var gen providers.Generator = providers.NewEcho()
	if withGenerator {
		if gen, err = providers.CreateGenerator(cfg); err != nil {
			return nil, fmt.Errorf("create generator: %w", err)
		}
	}

	store, err := memory.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	readRetry := retry.DefaultConfig
	if cfg.Memory.ReadRetries > 0 {
		readRetry.MaxAttempts = cfg.Memory.ReadRetries
	}
	ctrl, err := session.New(session.Options{
		Store:         store,
		Modes:         reg,
		Generator:     gen,
		IdleAfter:     cfg.IdleAfter(),
		ArchiveAfter:  cfg.ArchiveAfter(),
		ContextTurns:  cfg.Session.ContextTurns,
		ContextTokens: cfg.Session.ContextTokens,
		ReadRetry:     readRetry,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &appRuntime{cfg: cfg, store: store, modes: reg, ctrl: ctrl}, nil
}

func (rt *appRuntime) sweeper() (*maintenance.Sweeper, error) {
	return maintenance.NewSweeper(rt.store, maintenance.Config{
		Schedule:     rt.cfg.Memory.SweepCron,
		IdleAfter:    rt.cfg.IdleAfter(),
		ArchiveAfter: rt.cfg.ArchiveAfter(),
		Retention:    rt.cfg.Retention(),
	})
}

func (rt *appRuntime) Close() error {
	logger.Sync()
	return rt.store.Close()
}
