package supervisor

import (
	"fmt"
)

// Role names one supervised long-running job.
type Role string

const (
	RoleDatabase Role = "db"
	RoleAPI      Role = "api"
	RoleWatcher  Role = "esbuild"
)

// Roles lists every role in shutdown order: the watcher has no dependents
// and the API may still talk to the database while it stops.
func Roles() []Role {
	return []Role{RoleWatcher, RoleAPI, RoleDatabase}
}

// ParseRole maps a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleDatabase, RoleAPI, RoleWatcher:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q (want db, api or esbuild)", s)
}

// RoleSpec describes how a role's process is found and terminated.
type RoleSpec struct {
	// Process is the name matched when signalling inside the container.
	Process string
	// OldestOnly sends the graceful signal to the oldest matching process
	// only. The forceful phase always signals every match.
	OldestOnly bool
	// NoKill skips the forceful phase: after the graceful signal the
	// supervisor waits for exit with no deadline.
	NoKill bool
}

// DefaultSpecs is the process table of the KEGE stack.
func DefaultSpecs() map[Role]RoleSpec {
	return map[Role]RoleSpec{
		RoleDatabase: {Process: "postgres", OldestOnly: true},
		RoleAPI:      {Process: "KEGE"},
		RoleWatcher:  {Process: "node", NoKill: true},
	}
}
