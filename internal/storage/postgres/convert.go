package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/security"
)

// --- Execution ---

func toExecutionModel(id uuid.UUID, rec *domain.ExecutionRecord) ExecutionModel {
	payload := JSONB(rec.Payload)
	if len(payload) == 0 {
		payload = JSONB("{}")
	}
	return ExecutionModel{
		ID:                  id,
		AgentID:             rec.AgentID,
		CallerID:            rec.CallerID,
		CorrelationID:       rec.CorrelationID,
		Payload:             payload,
		Status:              string(rec.Status),
		Mode:                rec.Mode,
		WorkflowRef:         rec.WorkflowRef,
		ExternalExecutionID: rec.ExternalExecutionID,
		ResultSummary:       rec.ResultSummary,
		Result:              JSONB(rec.Result),
		ErrorMessage:        rec.ErrorMessage,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		ID:                  m.ID.String(),
		AgentID:             m.AgentID,
		CallerID:            m.CallerID,
		CorrelationID:       m.CorrelationID,
		Payload:             json.RawMessage(m.Payload),
		Status:              domain.ExecutionStatus(m.Status),
		Mode:                m.Mode,
		WorkflowRef:         m.WorkflowRef,
		ExternalExecutionID: m.ExternalExecutionID,
		ResultSummary:       m.ResultSummary,
		Result:              json.RawMessage(m.Result),
		ErrorMessage:        m.ErrorMessage,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// updateColumns maps the set fields of upd to column values.
func updateColumns(upd domain.ExecutionUpdate, now time.Time) map[string]any {
	cols := map[string]any{"updated_at": now}
	if upd.Status != "" {
		cols["status"] = string(upd.Status)
	}
	if upd.AgentID != nil {
		cols["agent_id"] = *upd.AgentID
	}
	if upd.Mode != nil {
		cols["mode"] = *upd.Mode
	}
	if upd.WorkflowRef != nil {
		cols["workflow_ref"] = *upd.WorkflowRef
	}
	if upd.ExternalExecutionID != nil {
		cols["external_execution_id"] = *upd.ExternalExecutionID
	}
	if upd.ResultSummary != nil {
		cols["result_summary"] = *upd.ResultSummary
	}
	if upd.Result != nil {
		cols["result"] = JSONB(upd.Result)
	}
	if upd.ErrorMessage != nil {
		cols["error_message"] = *upd.ErrorMessage
	}
	return cols
}

// --- Audit ---

func toAuditModel(event security.AuditEvent) AuditEventModel {
	params, _ := json.Marshal(event.Parameters)
	if params == nil || string(params) == "null" {
		params = []byte("{}")
	}
	return AuditEventModel{
		ID:            uuid.New(),
		CorrelationID: event.CorrelationID,
		UserID:        event.UserID,
		Action:        event.Action,
		AgentID:       event.AgentID,
		ExecutionID:   event.ExecutionID,
		Parameters:    JSONB(params),
		Result:        event.Result,
		Error:         event.Error,
		CreatedAt:     event.Timestamp,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	var params map[string]any
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal(m.Parameters, &params)
	}
	return security.AuditEvent{
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		UserID:        m.UserID,
		Action:        m.Action,
		AgentID:       m.AgentID,
		ExecutionID:   m.ExecutionID,
		Parameters:    params,
		Result:        m.Result,
		Error:         m.Error,
	}
}
