// Package storage persists scheduler run history.
//
// It records one RunRecord per executed task and keeps the latest record per
// job for quick lookups. Pending tasks are never persisted.
//
// Drivers:
//   - "file": JSON Lines files on an afero filesystem
//   - "sqlite": a SQLite database via modernc.org/sqlite (pure Go)
package storage
