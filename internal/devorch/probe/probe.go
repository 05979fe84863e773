// Package probe waits for the development database to accept connections.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bdobrica/devorch/common/retry"
)

// Config selects the database reached through the shared socket directory.
type Config struct {
	SocketDir string
	User      string
	Password  string
	Database  string
	// Attempts bounds the number of connection attempts.
	Attempts int
	// Interval is the delay before the second attempt; it doubles up to
	// 5 s.
	Interval    time.Duration
	PingTimeout time.Duration
}

// ConfigFromEnv builds a Config from a postgres container environment
// (POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DB). Missing values fall back to
// the image defaults.
func ConfigFromEnv(socketDir string, env []string) Config {
	cfg := Config{
		SocketDir:   socketDir,
		User:        "postgres",
		Attempts:    20,
		Interval:    250 * time.Millisecond,
		PingTimeout: 2 * time.Second,
	}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "POSTGRES_USER":
			cfg.User = v
		case "POSTGRES_PASSWORD":
			cfg.Password = v
		case "POSTGRES_DB":
			cfg.Database = v
		}
	}
	if cfg.Database == "" {
		cfg.Database = cfg.User
	}
	return cfg
}

// URL returns the connection string for the socket directory.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	q := url.Values{}
	q.Set("host", c.SocketDir)
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// Wait retries connecting until the database answers a ping.
func Wait(ctx context.Context, cfg Config) error {
	connCfg, err := pgx.ParseConfig(cfg.URL())
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
	}

	start := time.Now()
	err = retry.Do(ctx, retry.Config{
		MaxAttempts:  cfg.Attempts,
		InitialDelay: cfg.Interval,
		MaxDelay:     5 * time.Second,
		Name:         "database probe",
	}, func() error {
		return ping(ctx, connCfg, cfg.PingTimeout)
	})
	if err != nil {
		return fmt.Errorf("database at %s not ready: %w", cfg.SocketDir, err)
	}
	slog.Info("probe: database ready", "database", cfg.Database, "after", time.Since(start).Round(time.Millisecond))
	return nil
}

func ping(ctx context.Context, connCfg *pgx.ConnConfig, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return conn.Ping(ctx)
}
