package runtime

import (
	"strings"
	"syscall"
)

// RemoteBuild is the Resource.Build sentinel meaning "pull the image from its
// registry instead of building it".
const RemoteBuild = "dockerhub"

// Handle is the resolved identity of a resource: the image it was created
// from and the container instance.
type Handle struct {
	// Name is the container name from the resource descriptor.
	Name string
	// ImageID is the identity token of the source image.
	ImageID string
	// ContainerID is the instance token of the container.
	ContainerID string
}

// BuildRequest describes an image build.
type BuildRequest struct {
	// ContextDir is the host directory sent as the build context. It must
	// contain a Dockerfile.
	ContextDir string
	// Tag is the full image reference, registry prefix included.
	Tag string
	// BuildArgs are passed as --build-arg values.
	BuildArgs map[string]string
}

// CreateRequest describes a new container.
type CreateRequest struct {
	Name    string
	ImageID string
	Cmd     []string
	Env     []string // KEY=value
	Volumes []string // host:container[:mode]
	Ports   []string // [ip:]host:container[/proto]
}

// SignalRequest selects processes by name inside a container.
type SignalRequest struct {
	Process string
	Signal  syscall.Signal
	// OldestOnly restricts delivery to the oldest matching process. Postgres
	// wants SIGINT on its postmaster only.
	OldestOnly bool
}

// Dependency is one shared library reported by the dynamic linker.
type Dependency struct {
	Name string // soname, e.g. "libpq.so.5"
	Path string // absolute path inside the container
}

// Shell wraps a shell script into an argv for Exec.
func Shell(script string) []string {
	return []string{"sh", "-c", script}
}

// ShortID truncates an image or container ID to the 12 characters docker
// prints by default.
func ShortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ShortIDs applies ShortID to every element of ids.
func ShortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ShortID(id)
	}
	return out
}
