package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/percy/internal/domain"
)

// HandlerResult is the output of an agent handler.
type HandlerResult struct {
	Summary string
	Data    json.RawMessage
}

// Handler runs an agent in-process.
type Handler interface {
	Handle(ctx context.Context, agent *domain.Agent, payload json.RawMessage) (*HandlerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, agent *domain.Agent, payload json.RawMessage) (*HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, agent *domain.Agent, payload json.RawMessage) (*HandlerResult, error) {
	return f(ctx, agent, payload)
}

// Handlers maps agent IDs to internal handlers, with a fallback for unregistered agents.
type Handlers struct {
	mu       sync.RWMutex
	byAgent  map[string]Handler
	fallback Handler
}

// NewHandlers creates a handler set. A nil fallback uses AcknowledgeHandler.
func NewHandlers(fallback Handler) *Handlers {
	if fallback == nil {
		fallback = AcknowledgeHandler()
	}
	return &Handlers{
		byAgent:  make(map[string]Handler),
		fallback: fallback,
	}
}

// Register binds h to agentID, replacing any previous binding.
func (h *Handlers) Register(agentID string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byAgent[agentID] = handler
}

// For returns the handler bound to agentID, or the fallback.
func (h *Handlers) For(agentID string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if handler, ok := h.byAgent[agentID]; ok {
		return handler
	}
	return h.fallback
}

// AcknowledgeHandler accepts the request and echoes what will be handed to the workflow engine.
// Workflow-bound agents do their real work in the engine; this is the synchronous half.
func AcknowledgeHandler() Handler {
	return HandlerFunc(func(_ context.Context, agent *domain.Agent, payload json.RawMessage) (*HandlerResult, error) {
		data, err := json.Marshal(map[string]any{
			"agent_id":     agent.ID,
			"workflow_ref": agent.WorkflowRef,
			"accepted_at":  time.Now().UTC().Format(time.RFC3339),
			"input_bytes":  len(payload),
		})
		if err != nil {
			return nil, fmt.Errorf("encoding acknowledgement: %w", err)
		}
		return &HandlerResult{
			Summary: fmt.Sprintf("%s accepted the request", agent.Name),
			Data:    data,
		}, nil
	})
}

// SimulatedHandler produces a canned result for agents without an external workflow.
func SimulatedHandler() Handler {
	return HandlerFunc(func(_ context.Context, agent *domain.Agent, payload json.RawMessage) (*HandlerResult, error) {
		var input map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return nil, fmt.Errorf("decoding payload: %w", err)
			}
		}
		data, err := json.Marshal(map[string]any{
			"mode":         domain.ModeMock,
			"agent_id":     agent.ID,
			"capabilities": agent.Capabilities,
			"input":        input,
			"output":       fmt.Sprintf("Simulated %s run completed. Connect a workflow to get real results.", agent.Name),
		})
		if err != nil {
			return nil, fmt.Errorf("encoding simulated result: %w", err)
		}
		return &HandlerResult{
			Summary: fmt.Sprintf("%s completed (simulated)", agent.Name),
			Data:    data,
		}, nil
	})
}
