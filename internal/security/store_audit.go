package security

import (
	"context"
	"log/slog"
	"time"
)

// StoreAuditLogger adapts an AuditStore to the Auditor interface.
type StoreAuditLogger struct {
	store  AuditStore
	logger *slog.Logger
}

// NewStoreAuditLogger creates a database-backed audit logger.
func NewStoreAuditLogger(store AuditStore, logger *slog.Logger) *StoreAuditLogger {
	return &StoreAuditLogger{
		store:  store,
		logger: logger,
	}
}

// LogAction appends an audit event to the store.
func (a *StoreAuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to log audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close is a no-op. The database connection is owned by the storage layer.
func (a *StoreAuditLogger) Close() error {
	return nil
}

var _ Auditor = (*StoreAuditLogger)(nil)
