package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/bdobrica/devorch/common/trace"
	"github.com/bdobrica/devorch/internal/devorch/observability"
)

// Outcome tells the control loop what to do next.
type Outcome int

const (
	Continue Outcome = iota
	Quit
)

// Result is the outcome of handling one input line. Err, when set, is a
// *ParseError or an *ExecError; either way the loop continues.
type Result struct {
	Outcome Outcome
	Err     error
}

// ExecError reports a command that parsed but failed while running.
type ExecError struct {
	Command *Command
	TraceID string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Command, e.TraceID, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Handler performs one verb.
type Handler func(ctx context.Context, cmd *Command) error

// Router maps verbs to handlers.
type Router struct {
	handlers map[Verb]Handler
}

// NewRouter creates an empty router. Quit needs no handler.
func NewRouter() *Router {
	return &Router{handlers: make(map[Verb]Handler)}
}

// Register sets the handler for verb.
func (r *Router) Register(verb Verb, h Handler) {
	r.handlers[verb] = h
}

// Handle parses line and dispatches it. Blank lines yield Continue with no
// error.
func (r *Router) Handle(ctx context.Context, line string) Result {
	cmd, err := Parse(line)
	if errors.Is(err, ErrEmptyCommand) {
		return Result{Outcome: Continue}
	}
	if err != nil {
		observability.WithTrace(ctx).Warn("commands: parse error", "err", err)
		return Result{Outcome: Continue, Err: err}
	}
	return r.Dispatch(ctx, cmd)
}

// Dispatch runs cmd's handler under a fresh trace ID. Handler errors and
// panics are returned as *ExecError; they never escape.
func (r *Router) Dispatch(ctx context.Context, cmd *Command) (res Result) {
	if cmd.Verb == VerbQuit {
		return Result{Outcome: Quit}
	}

	ctx, traceID := trace.WithNewTraceID(ctx)
	logger := observability.WithTrace(ctx)

	h, ok := r.handlers[cmd.Verb]
	if !ok {
		err := &ExecError{Command: cmd, TraceID: traceID, Err: fmt.Errorf("%w: no handler for %s", ErrUnknownCommand, cmd.Verb)}
		logger.Error("commands: dispatch failed", "err", err)
		return Result{Outcome: Continue, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			err := &ExecError{Command: cmd, TraceID: traceID, Err: fmt.Errorf("panic: %v", p)}
			logger.Error("commands: handler panicked",
				"command", cmd.String(), "panic", p, "stack", string(debug.Stack()))
			res = Result{Outcome: Continue, Err: err}
		}
	}()

	logger.Info("commands: dispatch", "command", cmd.String())
	if err := h(ctx, cmd); err != nil {
		execErr := &ExecError{Command: cmd, TraceID: traceID, Err: err}
		logger.Error("commands: command failed", "command", cmd.String(), "err", err)
		return Result{Outcome: Continue, Err: execErr}
	}
	return Result{Outcome: Continue}
}
