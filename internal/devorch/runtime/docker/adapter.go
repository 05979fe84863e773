// Package docker provides a Docker Engine runtime adapter for devorch resources.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/bdobrica/devorch/common/redact"
	"github.com/bdobrica/devorch/common/retry"
	"github.com/bdobrica/devorch/internal/devorch/runtime"
)

// Adapter implements runtime.Runtime using the Docker Engine API.
type Adapter struct {
	client *dockerclient.Client
	// progress receives build and pull progress.
	progress io.Writer
}

var _ runtime.Runtime = (*Adapter)(nil)

// New creates a Docker runtime adapter. Uses the DOCKER_HOST env var or the
// default socket path. Build and pull progress is written to progress
// (nil discards it).
func New(progress io.Writer) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Adapter{client: cli, progress: progress}, nil
}

// Close releases the underlying client transport.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping waits for the daemon to answer, retrying per cfg.
func (a *Adapter) Ping(ctx context.Context, cfg retry.Config) error {
	cfg.Name = "docker ping"
	err := retry.Do(ctx, cfg, func() error {
		_, err := a.client.Ping(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// FindImages lists images matching reference.
func (a *Adapter) FindImages(ctx context.Context, reference string) ([]string, error) {
	images, err := a.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", reference)),
	})
	if err != nil {
		return nil, fmt.Errorf("list images %q: %w", reference, err)
	}
	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, strings.TrimPrefix(img.ID, "sha256:"))
	}
	return ids, nil
}

// BuildImage tars ContextDir and builds it.
func (a *Adapter) BuildImage(ctx context.Context, req runtime.BuildRequest) error {
	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context %s: %w", req.ContextDir, err)
	}
	defer buildCtx.Close()

	resp, err := a.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		BuildArgs:   buildArgs(req.BuildArgs),
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", req.Tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, a.progress, 0, false, nil); err != nil {
		return fmt.Errorf("build image %s: %w", req.Tag, err)
	}
	return nil
}

// PullImage pulls reference from its registry.
func (a *Adapter) PullImage(ctx context.Context, reference string) error {
	body, err := a.client.ImagePull(ctx, reference, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", reference, err)
	}
	defer body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(body, a.progress, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %s: %w", reference, err)
	}
	return nil
}

// FindContainers lists containers by ancestor image and name.
func (a *Adapter) FindContainers(ctx context.Context, imageID, name string) ([]string, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("ancestor", imageID),
			filters.Arg("name", name),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers %q: %w", name, err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// CreateContainer creates and starts a detached, tty-attached container.
func (a *Adapter) CreateContainer(ctx context.Context, req runtime.CreateRequest) error {
	containerCfg, hostCfg, err := createConfig(req)
	if err != nil {
		return err
	}

	slog.Debug("docker: creating container",
		"name", req.Name, "image", runtime.ShortID(req.ImageID),
		"env", redact.EnvList(req.Env), "volumes", req.Volumes, "ports", req.Ports)

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", req.Name, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("docker: create warning", "name", req.Name, "warning", w)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", req.Name, err)
	}
	return nil
}

// Exec runs req.Cmd inside c and returns its exit code.
func (a *Adapter) Exec(ctx context.Context, c string, req runtime.ExecRequest) (int, error) {
	created, err := a.client.ContainerExecCreate(ctx, c, container.ExecOptions{
		Cmd:          req.Cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create in %s: %w", runtime.ShortID(c), err)
	}

	attached, err := a.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach in %s: %w", runtime.ShortID(c), err)
	}
	defer attached.Close()

	// The hijacked connection ignores ctx; close it so StdCopy returns.
	stop := context.AfterFunc(ctx, attached.Close)
	defer stop()

	stdout, stderr := orDiscard(req.Stdout), orDiscard(req.Stderr)
	if _, err := stdcopy.StdCopy(stdout, stderr, attached.Reader); err != nil && ctx.Err() == nil {
		return -1, fmt.Errorf("exec output in %s: %w", runtime.ShortID(c), err)
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	inspect, err := a.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect in %s: %w", runtime.ShortID(c), err)
	}
	return inspect.ExitCode, nil
}

// Signal runs pkill inside c. pkill exits 1 when nothing matched, which is
// the normal outcome once a process is already gone.
func (a *Adapter) Signal(ctx context.Context, c string, req runtime.SignalRequest) error {
	code, err := a.Exec(ctx, c, runtime.ExecRequest{Cmd: pkillArgs(req)})
	if err != nil {
		return err
	}
	if code > 1 {
		return fmt.Errorf("pkill %s in %s exited with code %d", req.Process, runtime.ShortID(c), code)
	}
	return nil
}

// Restart restarts c with the daemon's default stop timeout.
func (a *Adapter) Restart(ctx context.Context, c string) error {
	if err := a.client.ContainerRestart(ctx, c, container.StopOptions{}); err != nil {
		return fmt.Errorf("restart container %s: %w", runtime.ShortID(c), err)
	}
	return nil
}

// Stop stops c with the daemon's default stop timeout.
func (a *Adapter) Stop(ctx context.Context, c string) error {
	if err := a.client.ContainerStop(ctx, c, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %s: %w", runtime.ShortID(c), err)
	}
	return nil
}

// Remove force-removes c. A container that is already gone is not an error.
func (a *Adapter) Remove(ctx context.Context, c string) error {
	err := a.client.ContainerRemove(ctx, c, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", runtime.ShortID(c), err)
	}
	return nil
}

// ListDependencies runs ldd on executable inside c.
func (a *Adapter) ListDependencies(ctx context.Context, c, executable string) ([]runtime.Dependency, error) {
	var out, errOut bytes.Buffer
	code, err := a.Exec(ctx, c, runtime.ExecRequest{
		Cmd:    []string{"ldd", executable},
		Stdout: &out,
		Stderr: &errOut,
	})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("ldd %s exited with code %d: %s", executable, code, strings.TrimSpace(errOut.String()))
	}
	return runtime.ParseLDD(out.Bytes())
}

// CopyFrom resolves src with readlink -f inside c, then extracts the single
// file from the engine's tar stream to dst.
func (a *Adapter) CopyFrom(ctx context.Context, c, src, dst string) error {
	var resolved bytes.Buffer
	code, err := a.Exec(ctx, c, runtime.ExecRequest{
		Cmd:    []string{"readlink", "-f", src},
		Stdout: &resolved,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("resolve %s in %s: readlink exited with code %d", src, runtime.ShortID(c), code)
	}
	target := strings.TrimSpace(resolved.String())

	rc, _, err := a.client.CopyFromContainer(ctx, c, target)
	if err != nil {
		return fmt.Errorf("copy %s from %s: %w", target, runtime.ShortID(c), err)
	}
	defer rc.Close()

	return extractSingleFile(rc, dst)
}

// --- helpers ---

func buildArgs(in map[string]string) map[string]*string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]*string, len(in))
	for k, v := range in {
		v := v
		out[k] = &v
	}
	return out
}

func createConfig(req runtime.CreateRequest) (*container.Config, *container.HostConfig, error) {
	exposed, bindings, err := nat.ParsePortSpecs(req.Ports)
	if err != nil {
		return nil, nil, fmt.Errorf("container %s: parse ports: %w", req.Name, err)
	}
	containerCfg := &container.Config{
		Image:        req.ImageID,
		Cmd:          req.Cmd,
		Env:          req.Env,
		Tty:          true,
		OpenStdin:    true,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:        req.Volumes,
		PortBindings: bindings,
	}
	return containerCfg, hostCfg, nil
}

func pkillArgs(req runtime.SignalRequest) []string {
	args := []string{"pkill", "-" + strconv.Itoa(int(req.Signal))}
	if req.OldestOnly {
		args = append(args, "-o")
	}
	return append(args, req.Process)
}

func extractSingleFile(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("copy to %s: archive contains no regular file", dst)
		}
		if err != nil {
			return fmt.Errorf("copy to %s: read archive: %w", dst, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("copy to %s: %w", dst, err)
		}
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
		if err != nil {
			return fmt.Errorf("copy to %s: %w", dst, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("copy to %s: %w", dst, err)
		}
		return f.Close()
	}
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
