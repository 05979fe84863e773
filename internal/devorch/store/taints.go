package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Taint marks a container whose bootstrap did not complete.
func (s *Store) Taint(ctx context.Context, containerName, containerID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taints (container_name, container_id, reason, tainted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(container_name) DO UPDATE SET
			container_id = excluded.container_id,
			reason       = excluded.reason,
			tainted_at   = excluded.tainted_at`,
		containerName, containerID, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("taint %s: %w", containerName, err)
	}
	return nil
}

// IsTainted reports whether containerID is the tainted instance recorded for
// containerName. A taint recorded for a different (since replaced) container
// does not match; one recorded without an ID matches any container.
func (s *Store) IsTainted(ctx context.Context, containerName, containerID string) (bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT container_id FROM taints WHERE container_name = ?`, containerName)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check taint %s: %w", containerName, err)
	}
	return id == "" || id == containerID, nil
}

// ClearTaint removes the taint for containerName. No-op when absent.
func (s *Store) ClearTaint(ctx context.Context, containerName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM taints WHERE container_name = ?`, containerName); err != nil {
		return fmt.Errorf("clear taint %s: %w", containerName, err)
	}
	return nil
}
