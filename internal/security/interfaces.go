package security

import "context"

// AuditStore is an append-only store for audit events.
// No update or delete methods: immutability is enforced at the interface level.
type AuditStore interface {
	// Append writes a single audit event.
	Append(ctx context.Context, event AuditEvent) error
}
