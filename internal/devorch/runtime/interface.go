// Package runtime defines the Runtime interface over the container backend.
//
// Every interaction devorch has with images and containers is one of the
// typed actions below. Callers never compose docker command lines; the only
// free-form strings that cross this boundary are the argv slices run inside a
// container.
package runtime

import (
	"context"
	"io"
)

// Runtime abstracts the container engine.
type Runtime interface {
	// FindImages returns the IDs of all images matching reference, in the
	// order reported by the engine. IDs carry no "sha256:" prefix.
	FindImages(ctx context.Context, reference string) ([]string, error)

	// BuildImage builds an image from a local build context.
	BuildImage(ctx context.Context, req BuildRequest) error

	// PullImage fetches reference from its remote registry.
	PullImage(ctx context.Context, reference string) error

	// FindContainers returns the IDs of all containers (running or not)
	// created from imageID whose name matches name.
	FindContainers(ctx context.Context, imageID, name string) ([]string, error)

	// CreateContainer creates and starts a detached container. The new
	// container is located afterwards through FindContainers.
	CreateContainer(ctx context.Context, req CreateRequest) error

	// Exec runs argv inside container, blocks until it exits and returns its
	// exit code. A non-zero exit code is not an error.
	Exec(ctx context.Context, container string, req ExecRequest) (int, error)

	// Signal delivers a signal to every process named req.Process inside
	// container. Finding no such process is not an error.
	Signal(ctx context.Context, container string, req SignalRequest) error

	// Restart stops (if running) and starts container.
	Restart(ctx context.Context, container string) error

	// Stop stops container, leaving it in place for a later restart.
	Stop(ctx context.Context, container string) error

	// Remove force-removes container.
	Remove(ctx context.Context, container string) error

	// ListDependencies enumerates the shared libraries executable links
	// against inside container.
	ListDependencies(ctx context.Context, container, executable string) ([]Dependency, error)

	// CopyFrom copies the file at src inside container to dst on the host,
	// following symbolic links.
	CopyFrom(ctx context.Context, container, src, dst string) error
}

// ExecRequest describes a command run inside a container.
type ExecRequest struct {
	Cmd    []string
	Stdout io.Writer // nil discards
	Stderr io.Writer // nil discards
}
