package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns.
type JSONB json.RawMessage

// Value implements driver.Valuer. Empty values are stored as NULL.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// ExecutionModel maps to the "executions" table.
// Rows are never deleted. Status changes go through conditional updates.
type ExecutionModel struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID             string    `gorm:"not null;index"`
	CallerID            string    `gorm:"not null;index:idx_executions_caller_created,priority:1"`
	CorrelationID       string    `gorm:"index"`
	Payload             JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Status              string    `gorm:"not null;default:'initiated';index"`
	Mode                string
	WorkflowRef         string
	ExternalExecutionID string `gorm:"index"`
	ResultSummary       string `gorm:"type:text"`
	Result              JSONB  `gorm:"type:jsonb"`
	ErrorMessage        string `gorm:"type:text"`
	CreatedAt           time.Time `gorm:"index:idx_executions_caller_created,priority:2"`
	UpdatedAt           time.Time
}

func (ExecutionModel) TableName() string { return "executions" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	UserID        string    `gorm:"not null;index"`
	Action        string    `gorm:"not null"`
	AgentID       string    `gorm:"not null"`
	ExecutionID   string    `gorm:"index"`
	Parameters    JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Result        string    `gorm:"not null"`
	Error         string
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
