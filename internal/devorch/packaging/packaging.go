// Package packaging turns the development build into deployable images.
//
// The API image holds only the KEGE binary, the dynamic loader and the shared
// libraries ldd reports, copied out of the builder container. The nginx image
// holds the production UI bundle merged with the static assets.
package packaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/bdobrica/devorch/internal/devorch/config"
	"github.com/bdobrica/devorch/internal/devorch/runtime"
	"github.com/bdobrica/devorch/internal/devorch/workspace"
)

const (
	APIImage   = "kege-by-danshaders/api"
	NginxImage = "kege-by-danshaders/nginx"

	apiRootDir   = "build/api-root"
	nginxRootDir = "build/nginx-root"
	loaderPath   = "/lib64/ld-linux-x86-64.so.2"
)

// Packager builds images from artifacts in the builder container.
type Packager struct {
	rt       runtime.Runtime
	ws       *workspace.Workspace
	builder  runtime.Handle
	registry string
	output   io.Writer
}

// New creates a Packager.
func New(rt runtime.Runtime, ws *workspace.Workspace, builder runtime.Handle, registry string, output io.Writer) *Packager {
	return &Packager{rt: rt, ws: ws, builder: builder, registry: config.RegistryPrefix(registry), output: output}
}

// BuildAPIImage compiles variant and packages the binary with its runtime
// dependencies.
func (p *Packager) BuildAPIImage(ctx context.Context, variant string) error {
	binary := path.Join("/kege/build", variant, "KEGE")
	if err := p.exec(ctx, "ninja -C "+path.Dir(binary)); err != nil {
		return err
	}

	root, err := p.ws.Reset(apiRootDir)
	if err != nil {
		return err
	}

	deps, err := p.rt.ListDependencies(ctx, p.builder.ContainerID, binary)
	if err != nil {
		return fmt.Errorf("list dependencies of %s: %w", binary, err)
	}

	files := []string{binary, loaderPath}
	for _, d := range deps {
		files = append(files, d.Path)
	}
	for i, src := range files {
		rel := strings.TrimPrefix(src, "/")
		if i == 0 {
			rel = "KEGE"
		}
		dst, err := within(root, rel)
		if err != nil {
			return err
		}
		slog.Debug("packaging: copy", "src", src, "dst", dst)
		if err := p.rt.CopyFrom(ctx, p.builder.ContainerID, src, dst); err != nil {
			return fmt.Errorf("copy %s: %w", src, err)
		}
	}
	slog.Info("packaging: collected api files", "count", len(files), "dir", root)

	if err := workspace.CopyFile(p.ws.Path("meta/api.dockerfile"), filepath.Join(root, "Dockerfile")); err != nil {
		return fmt.Errorf("copy api dockerfile: %w", err)
	}
	return p.build(ctx, root, APIImage)
}

// BuildNginxImage produces the production UI bundle for documentRoot and
// packages it with the static assets.
func (p *Packager) BuildNginxImage(ctx context.Context, documentRoot string) error {
	script := fmt.Sprintf("cd /kege/src/ui && rm -r /kege/src/ui/build/*; npm run gen-proto && node build.mjs prod %s", documentRoot)
	if err := p.exec(ctx, script); err != nil {
		return err
	}

	root, err := p.ws.Reset(nginxRootDir)
	if err != nil {
		return err
	}
	html := filepath.Join(root, "html")
	if err := workspace.CopyTree(p.ws.Path("build/var/www/html"), html); err != nil {
		return fmt.Errorf("copy ui bundle: %w", err)
	}
	if err := workspace.CopyTree(p.ws.Path("ui/static"), html); err != nil {
		return fmt.Errorf("copy static assets: %w", err)
	}
	if err := workspace.CopyFile(p.ws.Path("meta/nginx.dockerfile"), filepath.Join(root, "Dockerfile")); err != nil {
		return fmt.Errorf("copy nginx dockerfile: %w", err)
	}
	return p.build(ctx, root, NginxImage)
}

func (p *Packager) build(ctx context.Context, contextDir, image string) error {
	tag := p.registry + image
	slog.Info("packaging: building image", "image", tag)
	if err := p.rt.BuildImage(ctx, runtime.BuildRequest{ContextDir: contextDir, Tag: tag}); err != nil {
		return fmt.Errorf("build %s: %w", tag, err)
	}
	return nil
}

func (p *Packager) exec(ctx context.Context, script string) error {
	code, err := p.rt.Exec(ctx, p.builder.ContainerID, runtime.ExecRequest{
		Cmd:    runtime.Shell(script),
		Stdout: p.output,
		Stderr: p.output,
	})
	if err != nil {
		return fmt.Errorf("exec in %s: %w", p.builder.Name, err)
	}
	if code != 0 {
		return fmt.Errorf("%q exited with code %d", script, code)
	}
	return nil
}

// within joins rel onto root and rejects results that escape root.
func within(root, rel string) (string, error) {
	dst := filepath.Join(root, filepath.FromSlash(rel))
	if r, err := filepath.Rel(root, dst); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("refusing to copy %s outside %s", rel, root)
	}
	return dst, nil
}
