package postgres

import "gorm.io/gorm"

// CallerScope returns a GORM scope that filters rows to one caller.
// column names the owning column ("caller_id" on executions, "user_id" on audit events).
func CallerScope(column, callerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(column+" = ?", callerID)
	}
}

// Newest orders rows newest first, with the id as a stable tie-breaker.
func Newest(db *gorm.DB) *gorm.DB {
	return db.Order("created_at DESC").Order("id DESC")
}
