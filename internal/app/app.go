// Package app wires configuration into a ready-to-use execution service.
package app

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/classify"
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/language"
	"github.com/michaelbrown/runbox/internal/quota"
	quotasqlite "github.com/michaelbrown/runbox/internal/quota/sqlite"
	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/workspace"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Registry   *language.Registry
	Workspaces *workspace.Manager
	Sandbox    sandbox.Runner
	Quota      quota.Store // nil when quotas are disabled
	Service    *runner.Service
}

// Build creates every component described by cfg. The caller must Close the
// returned App.
func Build(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	registry := language.Default()
	if cfg.LanguagesFile != "" {
		r, err := language.LoadFile(cfg.LanguagesFile, language.Builtin())
		if err != nil {
			return nil, err
		}
		registry = r
	}

	workspaces, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace.SweepAfter > 0 {
		n, err := workspaces.Sweep(cfg.Workspace.SweepAfter)
		if err != nil {
			logger.Warn().Err(err).Msg("sweeping stale workspaces")
		}
		if n > 0 {
			logger.Info().Int("removed", n).Msg("removed stale workspaces")
		}
	}

	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}

	sb, err := newSandbox(cfg, limits, logger)
	if err != nil {
		return nil, err
	}

	q, err := newQuota(cfg)
	if err != nil {
		sb.Close()
		return nil, err
	}

	svc := runner.New(registry, workspaces, sb, classify.New(registry.FileNames()...), runner.Options{
		Limits:        limits,
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		Quota:         q,
		Logger:        logger,
	})

	logger.Debug().
		Str("engine", cfg.Sandbox.Engine).
		Str("quota", cfg.Quota.Backend).
		Str("workspace_root", workspaces.Root()).
		Int("languages", len(registry.List())).
		Msg("execution service ready")

	return &App{
		Config:     cfg,
		Registry:   registry,
		Workspaces: workspaces,
		Sandbox:    sb,
		Quota:      q,
		Service:    svc,
	}, nil
}

// Pinger returns the sandbox health check, or nil when the engine has none.
func (a *App) Pinger() sandbox.Pinger {
	p, _ := a.Sandbox.(sandbox.Pinger)
	return p
}

// QuotaPruner returns the quota store's expiry hook, or nil when the store
// keeps no per-caller state.
func (a *App) QuotaPruner() quota.Pruner {
	p, _ := a.Quota.(quota.Pruner)
	return p
}

// Close releases the sandbox engine and the quota store.
func (a *App) Close() error {
	return a.Service.Close()
}

func newSandbox(cfg *config.Config, limits sandbox.Limits, logger *zerolog.Logger) (sandbox.Runner, error) {
	switch cfg.Sandbox.Engine {
	case "cli":
		return sandbox.NewCLIRunner(cfg.Sandbox.DockerBinary, cfg.Policy(), limits, logger), nil
	case "api", "":
		return sandbox.NewDockerRunner(cfg.Policy(), limits, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox engine %q", cfg.Sandbox.Engine)
	}
}

func newQuota(cfg *config.Config) (quota.Store, error) {
	switch cfg.Quota.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return quota.NewMemory(cfg.Quota.Limit, cfg.Quota.Window), nil
	case "sqlite":
		s, err := quotasqlite.Open(cfg.Quota.DBPath, cfg.Quota.Limit, cfg.Quota.Window)
		if err != nil {
			return nil, fmt.Errorf("opening quota store: %w", err)
		}
		return s, nil
	default:
		return nil, errors.New("unknown quota backend " + cfg.Quota.Backend)
	}
}
