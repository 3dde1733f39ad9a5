// Package storage persists sites, their settings and the rotation cursors.
//
// It currently supports:
//   - "file": JSON snapshot plus an append-only journal
//   - "sqlite": a single SQLite database file
//   - "postgres": a PostgreSQL database
//
// Both SQL drivers share one schema, versioned with goose migrations
// embedded under migrations/<dialect>.
//   - "redis": hashes and sets under a key prefix
package storage
