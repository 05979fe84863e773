// Package supervisor runs one long-lived command per role inside a container
// and stops it with an escalating signal protocol.
//
// Start launches the command asynchronously and returns at once. Stop sends
// SIGINT to the role's process, waits GraceTimeout for the command to exit,
// then repeats SIGKILL followed by a KillTimeout wait until it does. The kill
// loop is unbounded unless KillAttempts is set; a process that never dies
// keeps Stop blocked. Once Stop returns nil the role's slot is empty and Start
// may be called again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/devorch/common/retry"
	"github.com/bdobrica/devorch/common/trace"
	"github.com/bdobrica/devorch/internal/devorch/observability"
	"github.com/bdobrica/devorch/internal/devorch/runtime"
)

const (
	DefaultGraceTimeout = 5 * time.Second
	DefaultKillTimeout  = 2 * time.Second
)

var (
	// ErrRoleBusy is returned by Start when the role already has an
	// execution. Callers must Stop it first.
	ErrRoleBusy = errors.New("role already running")
	// ErrTerminationTimeout is returned by Stop when KillAttempts forceful
	// signals did not end the execution.
	ErrTerminationTimeout = errors.New("process survived forceful termination")

	errStillRunning = errors.New("still running")
)

// Ledger records executions. Implementations must be safe for concurrent use.
type Ledger interface {
	ExecutionStarted(ctx context.Context, role, containerID string, argv []string, traceID string) (int64, error)
	ExecutionFinished(ctx context.Context, id int64, exitCode int, runErr error) error
}

// Config configures a Supervisor.
type Config struct {
	GraceTimeout time.Duration
	KillTimeout  time.Duration
	// KillAttempts bounds the forceful phase. Zero or retry.Unlimited keeps
	// signalling until the process exits.
	KillAttempts int
	// Specs overrides DefaultSpecs.
	Specs map[Role]RoleSpec
	// Output receives the output of every execution. Nil discards it.
	Output io.Writer
	// Ledger is optional.
	Ledger Ledger
}

// Execution is one background command run for a role.
type Execution struct {
	Role      Role
	Handle    runtime.Handle
	Cmd       []string
	TraceID   string
	StartedAt time.Time

	done     chan struct{}
	exitCode int
	err      error
}

// Done is closed when the command has exited.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Result returns the exit code and transport error. Valid only after Done
// is closed.
func (e *Execution) Result() (int, error) {
	return e.exitCode, e.err
}

// Supervisor owns the role slots.
type Supervisor struct {
	rt  runtime.Runtime
	cfg Config

	mu    sync.Mutex
	slots map[Role]*Execution
}

// New creates a Supervisor.
func New(rt runtime.Runtime, cfg Config) *Supervisor {
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = DefaultGraceTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.KillAttempts <= 0 {
		cfg.KillAttempts = retry.Unlimited
	}
	if cfg.Specs == nil {
		cfg.Specs = DefaultSpecs()
	}
	return &Supervisor{
		rt:    rt,
		cfg:   cfg,
		slots: make(map[Role]*Execution),
	}
}

// Start launches cmd inside h's container for role and returns immediately.
func (s *Supervisor) Start(ctx context.Context, role Role, h runtime.Handle, cmd []string) error {
	logger := observability.WithTrace(ctx)
	if _, ok := s.cfg.Specs[role]; !ok {
		return fmt.Errorf("start %s: no process spec for role", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.slots[role]; busy {
		logger.Warn("supervisor: role already running, stop it first", "role", role)
		return fmt.Errorf("start %s: %w", role, ErrRoleBusy)
	}

	exec := &Execution{
		Role:      role,
		Handle:    h,
		Cmd:       cmd,
		TraceID:   trace.FromContext(ctx),
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.slots[role] = exec

	logger.Info("supervisor: starting",
		"role", role, "container", h.Name, "cmd", cmd)
	go s.run(context.WithoutCancel(ctx), exec)
	return nil
}

// run executes the command and reports completion. It never touches the
// slot map.
func (s *Supervisor) run(ctx context.Context, exec *Execution) {
	defer close(exec.done)
	logger := observability.WithTrace(ctx)

	var recordID int64
	if s.cfg.Ledger != nil {
		id, err := s.cfg.Ledger.ExecutionStarted(ctx, string(exec.Role), exec.Handle.ContainerID, exec.Cmd, exec.TraceID)
		if err != nil {
			logger.Warn("supervisor: ledger write failed", "role", exec.Role, "err", err)
		}
		recordID = id
	}

	exec.exitCode, exec.err = s.rt.Exec(ctx, exec.Handle.ContainerID, runtime.ExecRequest{
		Cmd:    exec.Cmd,
		Stdout: s.cfg.Output,
		Stderr: s.cfg.Output,
	})

	if exec.err != nil {
		logger.Error("supervisor: execution failed",
			"role", exec.Role, "err", exec.err, "duration", time.Since(exec.StartedAt))
	} else {
		logger.Info("supervisor: execution exited",
			"role", exec.Role, "exit_code", exec.exitCode, "duration", time.Since(exec.StartedAt))
	}

	if s.cfg.Ledger != nil && recordID != 0 {
		if err := s.cfg.Ledger.ExecutionFinished(ctx, recordID, exec.exitCode, exec.err); err != nil {
			logger.Warn("supervisor: ledger write failed", "role", exec.Role, "err", err)
		}
	}
}

// Stop terminates role's execution and clears its slot. It is a no-op when
// nothing is running.
func (s *Supervisor) Stop(ctx context.Context, role Role) error {
	exec := s.execution(role)
	if exec == nil {
		return nil
	}
	spec := s.cfg.Specs[role]
	logger := observability.WithTrace(ctx).With("role", role, "container", exec.Handle.Name)

	select {
	case <-exec.done:
		// Already exited on its own.
	default:
		if err := s.terminate(ctx, exec, spec, logger); err != nil {
			return fmt.Errorf("stop %s: %w", role, err)
		}
	}

	s.mu.Lock()
	if s.slots[role] == exec {
		delete(s.slots, role)
	}
	s.mu.Unlock()

	code, err := exec.Result()
	logger.Info("supervisor: stopped", "exit_code", code, "err", err)
	return nil
}

func (s *Supervisor) terminate(ctx context.Context, exec *Execution, spec RoleSpec, logger *slog.Logger) error {
	logger.Info("supervisor: sending SIGINT", "process", spec.Process)
	s.signal(ctx, exec, spec, syscall.SIGINT, logger)

	if !spec.NoKill {
		if waitDone(ctx, exec.done, s.cfg.GraceTimeout) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	} else {
		select {
		case <-exec.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempts := 0
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: s.cfg.KillAttempts,
		Name:        "kill " + string(exec.Role),
		ShouldRetry: func(err error) bool { return errors.Is(err, errStillRunning) },
	}, func() error {
		attempts++
		logger.Warn("supervisor: still running, sending SIGKILL",
			"process", spec.Process, "attempt", attempts)
		s.signal(ctx, exec, spec, syscall.SIGKILL, logger)
		if waitDone(ctx, exec.done, s.cfg.KillTimeout) {
			return nil
		}
		return errStillRunning
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		logger.Error("supervisor: process did not terminate", "attempts", attempts)
		return fmt.Errorf("%w after %d attempts", ErrTerminationTimeout, attempts)
	}
}

// signal delivers sig to the role's process. Delivery failures are logged
// and otherwise ignored; the wait that follows decides the outcome.
func (s *Supervisor) signal(ctx context.Context, exec *Execution, spec RoleSpec, sig syscall.Signal, logger *slog.Logger) {
	err := s.rt.Signal(ctx, exec.Handle.ContainerID, runtime.SignalRequest{
		Process:    spec.Process,
		Signal:     sig,
		OldestOnly: spec.OldestOnly && sig != syscall.SIGKILL,
	})
	if err != nil {
		logger.Warn("supervisor: signal failed", "signal", sig, "err", err)
	}
}

// StopAll stops every role in shutdown order. It keeps going after a
// failure and returns all errors joined.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for _, role := range Roles() {
		if err := s.Stop(ctx, role); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Running reports whether role has an execution that has not been stopped.
// An execution that exited on its own still occupies the slot until Stop.
func (s *Supervisor) Running(role Role) bool {
	return s.execution(role) != nil
}

// Execution returns the execution occupying role's slot, or nil.
func (s *Supervisor) Execution(role Role) *Execution {
	return s.execution(role)
}

func (s *Supervisor) execution(role Role) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[role]
}

// waitDone waits up to d for done. It reports whether done closed.
func waitDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
