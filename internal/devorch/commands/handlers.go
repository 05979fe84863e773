package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/bdobrica/devorch/internal/devorch/observability"
	"github.com/bdobrica/devorch/internal/devorch/runtime"
	"github.com/bdobrica/devorch/internal/devorch/supervisor"
)

// Supervisor is the subset of *supervisor.Supervisor the handlers drive.
type Supervisor interface {
	Start(ctx context.Context, role supervisor.Role, h runtime.Handle, cmd []string) error
	Stop(ctx context.Context, role supervisor.Role) error
}

// Packager builds the deployable images.
type Packager interface {
	BuildAPIImage(ctx context.Context, variant string) error
	BuildNginxImage(ctx context.Context, documentRoot string) error
}

// Handlers holds every command handler and its dependencies.
type Handlers struct {
	rt       runtime.Runtime
	sup      Supervisor
	packager Packager
	builder  runtime.Handle
	output   io.Writer
}

// NewHandlers creates the handlers. builder is the container every build and
// UI command runs in; output receives synchronous command output.
func NewHandlers(rt runtime.Runtime, sup Supervisor, packager Packager, builder runtime.Handle, output io.Writer) *Handlers {
	return &Handlers{rt: rt, sup: sup, packager: packager, builder: builder, output: output}
}

// Register installs every handler on r.
func (h *Handlers) Register(r *Router) {
	r.Register(VerbAPI, h.HandleAPI)
	r.Register(VerbKill, h.HandleKill)
	r.Register(VerbAPIClean, h.HandleAPIClean)
	r.Register(VerbAPIBuildImage, h.HandleAPIBuildImage)
	r.Register(VerbNginxBuildImage, h.HandleNginxBuildImage)
	r.Register(VerbUINodeInstall, h.HandleUINodeInstall)
	r.Register(VerbUIGenProto, h.HandleUIGenProto)
	r.Register(VerbUIWatch, h.HandleUIWatch)
}

// HandleAPI restarts the API under the requested variant.
func (h *Handlers) HandleAPI(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleAPI); err != nil {
		return err
	}
	return h.sup.Start(ctx, supervisor.RoleAPI, h.builder, runtime.Shell(APIRunScript(cmd.Arg(0))))
}

// HandleKill stops one role.
func (h *Handlers) HandleKill(ctx context.Context, cmd *Command) error {
	role, err := supervisor.ParseRole(cmd.Arg(0))
	if err != nil {
		return err
	}
	return h.sup.Stop(ctx, role)
}

// HandleAPIClean stops the API, then wipes and reconfigures a build variant.
func (h *Handlers) HandleAPIClean(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleAPI); err != nil {
		return err
	}
	return h.run(ctx, APICleanScript(cmd.Arg(0)))
}

// HandleAPIBuildImage packages the API binary into a deployable image.
func (h *Handlers) HandleAPIBuildImage(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleAPI); err != nil {
		return err
	}
	return h.packager.BuildAPIImage(ctx, cmd.Arg(0))
}

// HandleNginxBuildImage packages the production UI into an nginx image.
func (h *Handlers) HandleNginxBuildImage(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleWatcher); err != nil {
		return err
	}
	return h.packager.BuildNginxImage(ctx, cmd.Arg(0))
}

// HandleUINodeInstall reinstalls the UI's node modules.
func (h *Handlers) HandleUINodeInstall(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleWatcher); err != nil {
		return err
	}
	return h.run(ctx, UINodeInstallScript())
}

// HandleUIGenProto regenerates the UI's protocol bindings.
func (h *Handlers) HandleUIGenProto(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleWatcher); err != nil {
		return err
	}
	return h.run(ctx, UIGenProtoScript())
}

// HandleUIWatch restarts the bundler in watch mode, detached.
func (h *Handlers) HandleUIWatch(ctx context.Context, cmd *Command) error {
	if err := h.sup.Stop(ctx, supervisor.RoleWatcher); err != nil {
		return err
	}
	return h.sup.Start(ctx, supervisor.RoleWatcher, h.builder, runtime.Shell(UIWatchScript()))
}

// run executes script in the builder and waits for it.
func (h *Handlers) run(ctx context.Context, script string) error {
	observability.WithTrace(ctx).Debug("commands: exec", "container", h.builder.Name, "script", script)
	code, err := h.rt.Exec(ctx, h.builder.ContainerID, runtime.ExecRequest{
		Cmd:    runtime.Shell(script),
		Stdout: h.output,
		Stderr: h.output,
	})
	if err != nil {
		return fmt.Errorf("exec in %s: %w", h.builder.Name, err)
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d", script, code)
	}
	return nil
}
