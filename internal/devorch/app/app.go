// Package app provides the devorch orchestrator: it resolves the resources,
// starts the database, runs the command loop and tears everything down.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/devorch/common/redact"
	"github.com/bdobrica/devorch/internal/devorch/commands"
	"github.com/bdobrica/devorch/internal/devorch/config"
	"github.com/bdobrica/devorch/internal/devorch/packaging"
	"github.com/bdobrica/devorch/internal/devorch/probe"
	"github.com/bdobrica/devorch/internal/devorch/resolver"
	"github.com/bdobrica/devorch/internal/devorch/runtime"
	"github.com/bdobrica/devorch/internal/devorch/store"
	"github.com/bdobrica/devorch/internal/devorch/supervisor"
	"github.com/bdobrica/devorch/internal/devorch/workspace"
)

// Config holds application configuration
type Config struct {
	// Root is the KEGE repository checkout.
	Root string
	// Resources is the resource file path. Empty uses the embedded defaults.
	Resources string
	// Registry overrides the registry prefix from the resource file.
	Registry string
	// DatabasePath is the ledger location. Empty means build/devorch.db.
	DatabasePath string

	GraceTimeout time.Duration
	KillTimeout  time.Duration
	// KillAttempts bounds the forceful termination phase; zero is unbounded.
	KillAttempts int

	// ProbeDatabase waits for postgres in the background after it starts
	// and logs the outcome.
	ProbeDatabase bool

	// Input is read one command per line. Defaults to os.Stdin.
	Input io.Reader
	// Output receives the output of commands run in containers. Defaults to
	// os.Stdout.
	Output io.Writer
}

// App is the orchestrator.
type App struct {
	config *Config
	rt     runtime.Runtime
	file   *config.File
	ws     *workspace.Workspace

	mu    sync.Mutex
	state State

	store     *store.Store
	sessionID string
	handles   map[string]runtime.Handle
	sup       *supervisor.Supervisor
	router    *commands.Router

	probeCancel context.CancelFunc
	probeWG     sync.WaitGroup
}

// New loads the resource file and prepares an App. Nothing touches the
// runtime until Run.
func New(cfg *Config, rt runtime.Runtime) (*App, error) {
	if cfg.Root == "" {
		return nil, errors.New("root directory is required")
	}
	file, err := config.Load(cfg.Resources, cfg.Root)
	if err != nil {
		return nil, err
	}
	if cfg.Registry != "" {
		file.Registry = config.RegistryPrefix(cfg.Registry)
		if err := config.Validate(file); err != nil {
			return nil, err
		}
	}
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.Root, "build", "devorch.db")
	}
	return &App{
		config:  cfg,
		rt:      rt,
		file:    file,
		ws:      workspace.New(cfg.Root),
		handles: make(map[string]runtime.Handle),
	}, nil
}

// State returns the current lifecycle state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	slog.Info("app: state", "state", s)
}

// Run executes the whole session. A startup failure is returned without
// entering the command loop. Cancelling ctx ends the loop and proceeds to
// teardown, which runs on its own context.
func (a *App) Run(ctx context.Context) error {
	a.setState(StateStarting)
	if err := a.start(ctx); err != nil {
		a.close()
		a.setState(StateStopped)
		return fmt.Errorf("startup: %w", err)
	}

	a.setState(StateRunning)
	a.loop(ctx)

	a.setState(StateStopping)
	err := a.shutdown(context.WithoutCancel(ctx))
	a.close()
	a.setState(StateStopped)
	return err
}

func (a *App) start(ctx context.Context) error {
	if err := a.ws.EnsureTree(a.file.Workspace.Tree); err != nil {
		return err
	}

	st, err := store.New(a.config.DatabasePath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.store = st
	a.sessionID = uuid.NewString()
	if err := st.BeginSession(ctx, a.sessionID, a.config.Root); err != nil {
		return err
	}
	slog.Info("app: session started", "session", a.sessionID, "root", a.config.Root)

	resources := a.file.Resources.All()
	for _, r := range resources {
		slog.Debug("app: resource", "name", r.Name, "image", r.Image, "build", r.Build,
			"env", redact.EnvList(r.Env), "volumes", r.Volumes, "ports", r.Ports)
	}

	res := resolver.New(a.rt, resolver.Options{
		Registry: a.file.Registry,
		Taints:   st,
		Output:   a.config.Output,
	})
	handles, err := res.ResolveAll(ctx, resources)
	if err != nil {
		return err
	}
	for _, h := range handles {
		a.handles[h.Name] = h
	}

	for _, r := range resources {
		if err := a.setup(ctx, r); err != nil {
			return err
		}
	}
	if err := a.ws.CopyDefaults(a.file.Workspace.Defaults); err != nil {
		return err
	}

	a.sup = supervisor.New(a.rt, supervisor.Config{
		GraceTimeout: a.config.GraceTimeout,
		KillTimeout:  a.config.KillTimeout,
		KillAttempts: a.config.KillAttempts,
		Output:       a.config.Output,
		Ledger:       sessionLedger{store: st, sessionID: a.sessionID},
	})

	builder := a.handle(a.file.Resources.Builder)
	a.router = commands.NewRouter()
	commands.NewHandlers(
		a.rt, a.sup,
		packaging.New(a.rt, a.ws, builder, a.file.Registry, a.config.Output),
		builder, a.config.Output,
	).Register(a.router)

	db := a.file.Resources.Database
	if err := a.sup.Start(ctx, supervisor.RoleDatabase, a.handle(db), runtime.Shell(commands.DatabaseRunScript())); err != nil {
		return err
	}
	if a.config.ProbeDatabase {
		probeCtx, cancel := context.WithCancel(ctx)
		a.probeCancel = cancel
		a.probeWG.Add(1)
		go func() {
			defer a.probeWG.Done()
			cfg := probe.ConfigFromEnv(a.ws.Path("build/var/run/postgresql"), db.Env)
			if err := probe.Wait(probeCtx, cfg); err != nil && probeCtx.Err() == nil {
				slog.Warn("app: database readiness probe failed", "err", err)
			}
		}()
	}
	return nil
}

// setup runs the resource's setup steps whose artifact is missing.
func (a *App) setup(ctx context.Context, r config.Resource) error {
	pending, err := a.ws.PendingSetup(r.Setup)
	if err != nil {
		return err
	}
	h := a.handle(r)
	for _, step := range pending {
		slog.Info("app: setup", "resource", r.Name, "creates", step.Creates)
		for _, script := range step.Run {
			code, err := a.rt.Exec(ctx, h.ContainerID, runtime.ExecRequest{
				Cmd:    runtime.Shell(script),
				Stdout: a.config.Output,
				Stderr: a.config.Output,
			})
			if err != nil {
				return fmt.Errorf("setup %s: %w", step.Creates, err)
			}
			if code != 0 {
				return fmt.Errorf("setup %s: %q exited with code %d", step.Creates, script, code)
			}
		}
	}
	return nil
}

func (a *App) handle(r config.Resource) runtime.Handle {
	return a.handles[r.Name]
}

// loop reads and dispatches commands until quit, end of input, or ctx is
// done.
func (a *App) loop(ctx context.Context) {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.config.Input)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		if err := sc.Err(); err != nil {
			slog.Error("app: read input", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("app: interrupted")
			return
		case line, ok := <-lines:
			if !ok {
				slog.Info("app: end of input")
				return
			}
			// Errors are logged by the router; the loop always continues.
			if res := a.router.Handle(ctx, line); res.Outcome == commands.Quit {
				return
			}
		}
	}
}

// shutdown stops every role, then every container concurrently.
func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if a.probeCancel != nil {
		a.probeCancel()
	}
	a.probeWG.Wait()
	if err := a.sup.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(a.handles), 1))
	for _, r := range a.file.Resources.All() {
		h := a.handle(r)
		g.Go(func() error {
			slog.Info("app: stopping container", "name", h.Name, "container", runtime.ShortID(h.ContainerID))
			if err := a.rt.Stop(gctx, h.ContainerID); err != nil {
				return fmt.Errorf("stop %s: %w", h.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() {
	if a.store == nil {
		return
	}
	if a.sessionID != "" {
		if err := a.store.EndSession(context.Background(), a.sessionID); err != nil {
			slog.Warn("app: end session", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("app: close ledger", "err", err)
	}
	a.store = nil
}

// SessionID returns the ledger id of the running session.
func (a *App) SessionID() string {
	return a.sessionID
}
