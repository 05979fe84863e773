package app

import (
	"context"

	"github.com/bdobrica/devorch/internal/devorch/store"
)

// sessionLedger binds the store to the current session for the supervisor.
type sessionLedger struct {
	store     *store.Store
	sessionID string
}

func (l sessionLedger) ExecutionStarted(ctx context.Context, role, containerID string, argv []string, traceID string) (int64, error) {
	return l.store.ExecutionStarted(ctx, l.sessionID, role, containerID, argv, traceID)
}

func (l sessionLedger) ExecutionFinished(ctx context.Context, id int64, exitCode int, runErr error) error {
	return l.store.ExecutionFinished(ctx, id, exitCode, runErr)
}
