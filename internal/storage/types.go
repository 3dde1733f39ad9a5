package storage

import (
	"context"
	"errors"
	"time"

	"crawlsched/internal/tenant"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
	// ErrLocked means another process holds the file store.
	ErrLocked = errors.New("store locked by another process")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + journal, guarded by a lock file
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL reached through DSN (pgx driver)
//   - "redis": Redis server at RedisAddr, keys under RedisPrefix
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	DSN         string        // postgres only

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Store is the persistence API used by the scheduler.
type Store interface {
	tenant.Source

	UpsertSite(ctx context.Context, s tenant.Site) error
	GetSite(ctx context.Context, id tenant.ID) (tenant.Site, error)

	GetCursor(ctx context.Context, key string) (tenant.ID, bool, error)
	SetCursor(ctx context.Context, key string, id tenant.ID) error

	Close() error
}
