package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/cellar/internal/config"
	"github.com/vk/cellar/internal/ctxlog"
	"github.com/vk/cellar/internal/engine"
	"github.com/vk/cellar/internal/executor"
	"github.com/vk/cellar/internal/hcl"
	"github.com/vk/cellar/internal/host"
	"github.com/vk/cellar/internal/installer"
	"github.com/vk/cellar/internal/model"
	"github.com/vk/cellar/internal/procexec"
	"github.com/vk/cellar/internal/sandbox"
	"github.com/vk/cellar/internal/scheduler"
	"github.com/vk/cellar/internal/store"
	"github.com/vk/cellar/internal/verify"
)

// App holds the assembled components for one invocation.
type App struct {
	logger   *slog.Logger
	settings *config.Settings
	records  *store.Store
	formulas *hcl.Repository
	host     model.HostContext
	engine   *engine.Engine
}

// New validates settings, opens the installation store, loads the formula
// repository and wires the engine. Logs go to logW.
func New(ctx context.Context, logW io.Writer, s *config.Settings) (*App, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	policy, err := scheduler.ParsePolicy(s.FailurePolicy)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(s.LogLevel, s.LogFormat, logW)
	if err != nil {
		return nil, err
	}
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	records, err := store.Open(s.StateFile)
	if err != nil {
		return nil, fmt.Errorf("opening installation store: %w", err)
	}
	formulas, err := hcl.Load(ctx, s.FormulaPaths...)
	if err != nil {
		return nil, fmt.Errorf("loading formulas: %w", err)
	}
	logger.Debug("Formulas loaded.", "count", len(formulas.Names()), "paths", s.FormulaPaths)

	hostCtx := host.Detect(records, s.Host)
	logger.Debug("Host detected.", "os", hostCtx.OS, "arch", hostCtx.Arch, "platform", hostCtx.Platform, "os_version", hostCtx.OSVersion)

	sandboxes := sandbox.NewManager(sandbox.Options{Dir: s.SandboxDir, BaseEnv: s.Env})
	ex := executor.New(procexec.OS{}, executor.Options{
		OutputCap:   s.OutputCap,
		StepTimeout: s.StepTimeout.Duration,
		LogDir:      s.LogDir,
	})

	a := &App{
		logger:   logger,
		settings: s,
		records:  records,
		formulas: formulas,
		host:     hostCtx,
	}
	a.engine = engine.New(engine.Config{
		Formulas:  formulas,
		Host:      hostCtx,
		Records:   records,
		Sandboxes: sandboxes,
		Executor:  ex,
		Installer: installer.New(s.StoreDir, s.PrefixDir, records),
		Verifier:  verify.New(sandboxes, ex),
		Workers:   s.Workers,
		Policy:    policy,
	})
	return a, nil
}

// Context returns ctx carrying the app's logger.
func (a *App) Context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}

// Engine returns the wired engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Formulas returns the loaded formula repository.
func (a *App) Formulas() *hcl.Repository { return a.formulas }

// Host returns the detected host context.
func (a *App) Host() model.HostContext { return a.host }

// Settings returns the effective settings.
func (a *App) Settings() *config.Settings { return a.settings }

// Logger returns the app's logger.
func (a *App) Logger() *slog.Logger { return a.logger }
