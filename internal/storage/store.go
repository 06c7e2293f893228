// Package storage defines the unified Store interface that abstracts all persistence operations.
// Three backends are provided: SQLite (default, zero-config), PostgreSQL (production) and an
// in-memory store for tests and ephemeral runs.
package storage

import (
	"context"
	"log/slog"

	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/security"
)

// Store is the unified persistence interface for Percy.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Executions returns the execution record store.
	Executions() dispatch.ExecutionStore
	// Audit returns the audit event store, or nil when the backend keeps no audit table.
	Audit() security.AuditStore

	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// Storage driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// MemoryStore is the in-memory Store. Nothing survives a restart.
type MemoryStore struct {
	executions *dispatch.InMemoryStore
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	logger.Warn("using in-memory storage; execution records are lost on restart")
	return &MemoryStore{executions: dispatch.NewInMemoryStore()}
}

func (m *MemoryStore) Executions() dispatch.ExecutionStore { return m.executions }
func (m *MemoryStore) Audit() security.AuditStore          { return nil }
func (m *MemoryStore) Ping(context.Context) error          { return nil }
func (m *MemoryStore) Close() error                        { return nil }
func (m *MemoryStore) Driver() string                      { return DriverMemory }

var _ Store = (*MemoryStore)(nil)
