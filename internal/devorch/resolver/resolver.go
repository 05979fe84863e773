// Package resolver makes sure every configured resource has an image and a
// freshly (re)started container.
//
// Resolution is idempotent: an existing container is always restarted, a
// missing one is created and bootstrapped. Images and containers are located
// by query, so two resolutions of the same resource in one session return the
// same container.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/devorch/internal/devorch/config"
	"github.com/bdobrica/devorch/internal/devorch/runtime"
)

var (
	// ErrImageNotFound means no image matched even after a build or pull.
	ErrImageNotFound = errors.New("image not found after build")
	// ErrContainerNotFound means the container could not be located right
	// after it was created.
	ErrContainerNotFound = errors.New("container not found after create")
	// ErrBootstrapFailed means a first-time bootstrap command failed. The
	// container is left tainted and is recreated on the next resolution.
	// A container created without reaching the end of its bootstrap, for any
	// reason, is tainted the same way.
	ErrBootstrapFailed = errors.New("bootstrap failed")
)

// TaintStore remembers containers whose bootstrap did not complete. A taint
// recorded with an empty container ID matches any container of that name.
type TaintStore interface {
	Taint(ctx context.Context, containerName, containerID, reason string) error
	IsTainted(ctx context.Context, containerName, containerID string) (bool, error)
	ClearTaint(ctx context.Context, containerName string) error
}

// Options configures a Resolver.
type Options struct {
	// Registry prefixes the tag of locally built images.
	Registry string
	// Taints is optional. Without it a failed bootstrap is reported but the
	// container is restarted as-is next time.
	Taints TaintStore
	// Output receives bootstrap command output. Nil discards it.
	Output io.Writer
}

// Resolver resolves resources against a container runtime.
type Resolver struct {
	rt       runtime.Runtime
	registry string
	taints   TaintStore
	output   io.Writer
	uid      int
}

// New creates a Resolver.
func New(rt runtime.Runtime, opts Options) *Resolver {
	return &Resolver{
		rt:       rt,
		registry: config.RegistryPrefix(opts.Registry),
		taints:   opts.Taints,
		output:   opts.Output,
		uid:      os.Getuid(),
	}
}

// ResolveImage returns the ID of the image tagged tag, building it from build
// (or pulling it when build is runtime.RemoteBuild) if none exists.
func (r *Resolver) ResolveImage(ctx context.Context, tag, build string, needsUID bool) (string, error) {
	remote := build == runtime.RemoteBuild

	// Built images carry the registry prefix; match any registry.
	reference := tag
	if !remote {
		reference = "*/" + tag
	}

	ids, err := r.rt.FindImages(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("find image %s: %w", tag, err)
	}

	if len(ids) == 0 {
		if remote {
			slog.Info("resolver: pulling image", "image", tag)
			if err := r.rt.PullImage(ctx, tag); err != nil {
				return "", fmt.Errorf("pull image %s: %w", tag, err)
			}
		} else {
			req := runtime.BuildRequest{ContextDir: build, Tag: r.registry + tag}
			if needsUID {
				req.BuildArgs = map[string]string{"uid": strconv.Itoa(r.uid)}
			}
			slog.Info("resolver: building image", "image", req.Tag, "context", build)
			if err := r.rt.BuildImage(ctx, req); err != nil {
				return "", fmt.Errorf("build image %s: %w", req.Tag, err)
			}
		}

		ids, err = r.rt.FindImages(ctx, reference)
		if err != nil {
			return "", fmt.Errorf("find image %s: %w", tag, err)
		}
		if len(ids) == 0 {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, tag)
		}
	}

	id := pickFirst("image", tag, ids)
	slog.Info("resolver: using image", "image", tag, "id", runtime.ShortID(id))
	return id, nil
}

// ResolveContainer resolves res's image, then restarts its container or
// creates and bootstraps a new one.
func (r *Resolver) ResolveContainer(ctx context.Context, res config.Resource) (runtime.Handle, error) {
	imageID, err := r.ResolveImage(ctx, res.Image, res.Build, res.SupplyUID)
	if err != nil {
		return runtime.Handle{}, err
	}
	h := runtime.Handle{Name: res.Name, ImageID: imageID}

	ids, err := r.rt.FindContainers(ctx, imageID, res.Name)
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("find container %s: %w", res.Name, err)
	}

	if len(ids) > 0 {
		h.ContainerID = pickFirst("container", res.Name, ids)

		tainted, err := r.isTainted(ctx, res.Name, h.ContainerID)
		if err != nil {
			return runtime.Handle{}, err
		}
		if !tainted {
			slog.Info("resolver: restarting container",
				"name", res.Name, "container", runtime.ShortID(h.ContainerID))
			if err := r.rt.Restart(ctx, h.ContainerID); err != nil {
				return runtime.Handle{}, fmt.Errorf("restart container %s: %w", res.Name, err)
			}
			return h, nil
		}

		slog.Warn("resolver: recreating tainted container",
			"name", res.Name, "container", runtime.ShortID(h.ContainerID))
		if err := r.rt.Remove(ctx, h.ContainerID); err != nil {
			return runtime.Handle{}, fmt.Errorf("remove tainted container %s: %w", res.Name, err)
		}
	}

	if h.ContainerID, err = r.create(ctx, res, imageID); err != nil {
		return runtime.Handle{}, err
	}
	if err := r.bootstrap(ctx, res, h); err != nil {
		return runtime.Handle{}, err
	}
	return h, nil
}

// ResolveAll resolves every resource concurrently. The returned handles are
// in the same order as resources. Any failure cancels the rest and is
// returned.
func (r *Resolver) ResolveAll(ctx context.Context, resources []config.Resource) ([]runtime.Handle, error) {
	handles := make([]runtime.Handle, len(resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(len(resources), 1))
	for i, res := range resources {
		i, res := i, res
		g.Go(func() error {
			h, err := r.ResolveContainer(gctx, res)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", res.Name, err)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return handles, nil
}

func (r *Resolver) create(ctx context.Context, res config.Resource, imageID string) (string, error) {
	slog.Info("resolver: creating container",
		"name", res.Name, "image", runtime.ShortID(imageID))
	req := runtime.CreateRequest{
		Name:    res.Name,
		ImageID: imageID,
		Cmd:     res.Command,
		Env:     res.Env,
		Volumes: res.Volumes,
		Ports:   res.Ports,
	}
	if err := r.rt.CreateContainer(ctx, req); err != nil {
		return "", fmt.Errorf("create container %s: %w", res.Name, err)
	}
	// Tainted by name until bootstrap completes; the ID is not known yet.
	r.taint(ctx, runtime.Handle{Name: res.Name}, "created, bootstrap pending")

	ids, err := r.rt.FindContainers(ctx, imageID, res.Name)
	if err != nil {
		return "", fmt.Errorf("find container %s: %w", res.Name, err)
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("%w: %s", ErrContainerNotFound, res.Name)
	}
	return pickFirst("container", res.Name, ids), nil
}

// bootstrap runs res.Bootstrap in order. The first failure taints the
// container and stops the sequence.
func (r *Resolver) bootstrap(ctx context.Context, res config.Resource, h runtime.Handle) error {
	for i, script := range res.Bootstrap {
		slog.Info("resolver: bootstrap",
			"name", res.Name, "step", i+1, "of", len(res.Bootstrap), "cmd", script)
		code, err := r.rt.Exec(ctx, h.ContainerID, runtime.ExecRequest{
			Cmd:    runtime.Shell(script),
			Stdout: r.output,
			Stderr: r.output,
		})
		if err == nil && code != 0 {
			err = fmt.Errorf("exited with code %d", code)
		}
		if err != nil {
			reason := fmt.Sprintf("step %d (%s): %v", i+1, script, err)
			r.taint(ctx, h, reason)
			return fmt.Errorf("%w: %s: %s", ErrBootstrapFailed, res.Name, reason)
		}
	}
	if r.taints != nil {
		if err := r.taints.ClearTaint(ctx, h.Name); err != nil {
			return fmt.Errorf("clear taint %s: %w", h.Name, err)
		}
	}
	return nil
}

func (r *Resolver) isTainted(ctx context.Context, name, containerID string) (bool, error) {
	if r.taints == nil {
		return false, nil
	}
	tainted, err := r.taints.IsTainted(ctx, name, containerID)
	if err != nil {
		return false, fmt.Errorf("check taint %s: %w", name, err)
	}
	return tainted, nil
}

func (r *Resolver) taint(ctx context.Context, h runtime.Handle, reason string) {
	if r.taints == nil {
		return
	}
	if err := r.taints.Taint(context.WithoutCancel(ctx), h.Name, h.ContainerID, reason); err != nil {
		slog.Error("resolver: failed to record taint", "name", h.Name, "err", err)
	}
}

// pickFirst returns ids[0], warning when the query was ambiguous.
func pickFirst(kind, name string, ids []string) string {
	if len(ids) > 1 {
		slog.Warn("resolver: ambiguous match, using the first",
			"kind", kind, "name", name,
			"matches", runtime.ShortIDs(ids), "chosen", runtime.ShortID(ids[0]))
	}
	return ids[0]
}
