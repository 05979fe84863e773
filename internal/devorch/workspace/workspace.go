// Package workspace prepares the host-side build tree the containers mount.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bdobrica/devorch/internal/devorch/config"
)

// Workspace is rooted at the repository devorch was started in.
type Workspace struct {
	Root string
}

// New returns a Workspace for root.
func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Path joins rel onto the root.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

// BuildDir is where every generated artifact lives.
func (w *Workspace) BuildDir() string {
	return w.Path("build")
}

// EnsureTree creates every directory in tree that does not exist yet.
func (w *Workspace) EnsureTree(tree []string) error {
	for _, dir := range tree {
		if err := os.MkdirAll(w.Path(dir), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// CopyDefaults copies each default file into build/ unless the destination
// already exists. Existing files are never overwritten.
func (w *Workspace) CopyDefaults(defaults []config.DefaultFile) error {
	for _, d := range defaults {
		dst := filepath.Join(w.BuildDir(), filepath.FromSlash(d.Dst))
		copied, err := CopyFileIfAbsent(w.Path(d.Src), dst)
		if err != nil {
			return fmt.Errorf("default %s: %w", d.Dst, err)
		}
		if copied {
			slog.Info("workspace: installed default", "src", d.Src, "dst", dst)
		}
	}
	return nil
}

// PendingSetup returns the steps whose artifact is missing on the host.
func (w *Workspace) PendingSetup(steps []config.SetupStep) ([]config.SetupStep, error) {
	var pending []config.SetupStep
	for _, step := range steps {
		_, err := os.Stat(w.Path(step.Creates))
		switch {
		case err == nil:
			continue
		case errors.Is(err, fs.ErrNotExist):
			pending = append(pending, step)
		default:
			return nil, fmt.Errorf("check %s: %w", step.Creates, err)
		}
	}
	return pending, nil
}

// Reset removes dir (relative to the root) and recreates it empty.
func (w *Workspace) Reset(dir string) (string, error) {
	path := w.Path(dir)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return path, nil
}

// CopyFileIfAbsent copies src to dst unless dst exists. It reports whether
// a copy was made.
func CopyFileIfAbsent(src, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := CopyFile(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// CopyFile copies src to dst, creating dst's parent directories and keeping
// src's permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CopyTree copies the directory src into dst, merging with whatever dst
// already holds. Files present in both are overwritten by src.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		// Symlinked files are copied by content.
		return CopyFile(path, target)
	})
}
