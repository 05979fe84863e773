// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bdobrica/devorch/internal/devorch/runtime"
)

// Call is one recorded Runtime invocation.
type Call struct {
	Method string
	Target string // container id, image reference or tag
	Args   []string
}

func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Method + " " + c.Target
	}
	return c.Method + " " + c.Target + " " + strings.Join(c.Args, " ")
}

// Fake is a scriptable runtime.Runtime. Every method records a Call and then
// delegates to the matching function field; a nil field succeeds with zero
// values. It is safe for concurrent use.
type Fake struct {
	FindImagesFn       func(ctx context.Context, reference string) ([]string, error)
	BuildImageFn       func(ctx context.Context, req runtime.BuildRequest) error
	PullImageFn        func(ctx context.Context, reference string) error
	FindContainersFn   func(ctx context.Context, imageID, name string) ([]string, error)
	CreateContainerFn  func(ctx context.Context, req runtime.CreateRequest) error
	ExecFn             func(ctx context.Context, container string, req runtime.ExecRequest) (int, error)
	SignalFn           func(ctx context.Context, container string, req runtime.SignalRequest) error
	RestartFn          func(ctx context.Context, container string) error
	StopFn             func(ctx context.Context, container string) error
	RemoveFn           func(ctx context.Context, container string) error
	ListDependenciesFn func(ctx context.Context, container, executable string) ([]runtime.Dependency, error)
	CopyFromFn         func(ctx context.Context, container, src, dst string) error

	mu    sync.Mutex
	calls []Call
}

var _ runtime.Runtime = (*Fake)(nil)

func (f *Fake) record(method, target string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, Target: target, Args: args})
}

// Calls returns a copy of every recorded call, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns the recorded calls to method.
func (f *Fake) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) FindImages(ctx context.Context, reference string) ([]string, error) {
	f.record("FindImages", reference)
	if f.FindImagesFn == nil {
		return nil, nil
	}
	return f.FindImagesFn(ctx, reference)
}

func (f *Fake) BuildImage(ctx context.Context, req runtime.BuildRequest) error {
	args := []string{req.ContextDir}
	for k, v := range req.BuildArgs {
		args = append(args, fmt.Sprintf("%s=%s", k, v))
	}
	f.record("BuildImage", req.Tag, args...)
	if f.BuildImageFn == nil {
		return nil
	}
	return f.BuildImageFn(ctx, req)
}

func (f *Fake) PullImage(ctx context.Context, reference string) error {
	f.record("PullImage", reference)
	if f.PullImageFn == nil {
		return nil
	}
	return f.PullImageFn(ctx, reference)
}

func (f *Fake) FindContainers(ctx context.Context, imageID, name string) ([]string, error) {
	f.record("FindContainers", imageID, name)
	if f.FindContainersFn == nil {
		return nil, nil
	}
	return f.FindContainersFn(ctx, imageID, name)
}

func (f *Fake) CreateContainer(ctx context.Context, req runtime.CreateRequest) error {
	f.record("CreateContainer", req.Name, req.ImageID)
	if f.CreateContainerFn == nil {
		return nil
	}
	return f.CreateContainerFn(ctx, req)
}

func (f *Fake) Exec(ctx context.Context, container string, req runtime.ExecRequest) (int, error) {
	f.record("Exec", container, req.Cmd...)
	if f.ExecFn == nil {
		return 0, nil
	}
	return f.ExecFn(ctx, container, req)
}

func (f *Fake) Signal(ctx context.Context, container string, req runtime.SignalRequest) error {
	f.record("Signal", container, req.Process, fmt.Sprintf("%d", int(req.Signal)))
	if f.SignalFn == nil {
		return nil
	}
	return f.SignalFn(ctx, container, req)
}

func (f *Fake) Restart(ctx context.Context, container string) error {
	f.record("Restart", container)
	if f.RestartFn == nil {
		return nil
	}
	return f.RestartFn(ctx, container)
}

func (f *Fake) Stop(ctx context.Context, container string) error {
	f.record("Stop", container)
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx, container)
}

func (f *Fake) Remove(ctx context.Context, container string) error {
	f.record("Remove", container)
	if f.RemoveFn == nil {
		return nil
	}
	return f.RemoveFn(ctx, container)
}

func (f *Fake) ListDependencies(ctx context.Context, container, executable string) ([]runtime.Dependency, error) {
	f.record("ListDependencies", container, executable)
	if f.ListDependenciesFn == nil {
		return nil, nil
	}
	return f.ListDependenciesFn(ctx, container, executable)
}

func (f *Fake) CopyFrom(ctx context.Context, container, src, dst string) error {
	f.record("CopyFrom", container, src, dst)
	if f.CopyFromFn == nil {
		return nil
	}
	return f.CopyFromFn(ctx, container, src, dst)
}
