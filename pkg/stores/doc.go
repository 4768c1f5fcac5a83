// Package stores provides the persistence layer for Terrane.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for state snapshots, runs, step results, events,
// and audit logs. Snapshots are append-only with a monotonically
// increasing serial; the latest serial is the authoritative state.
package stores
