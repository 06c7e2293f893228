package httpapi

import (
	"errors"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/percy/internal/dispatch"
	"github.com/jkaninda/percy/internal/domain"
	"github.com/jkaninda/percy/internal/ratelimit"
	"github.com/jkaninda/percy/internal/security"
)

// ErrorBody is the standard error response.
type ErrorBody struct {
	Error           string `json:"error"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	UpgradeRequired bool   `json:"upgrade_required,omitempty"`
	Required        string `json:"required,omitempty"` // Missing role or feature on 403.
}

// errorResponse maps a service error to its HTTP status and body.
// Internal defects never leak their message; the correlation id lets operators find the logs.
func errorResponse(err error, correlationID string) (int, ErrorBody) {
	var denied *security.AccessDeniedError
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, ErrorBody{Error: err.Error(), CorrelationID: correlationID}
	case errors.Is(err, domain.ErrAgentNotFound):
		return http.StatusNotFound, ErrorBody{Error: err.Error(), CorrelationID: correlationID}
	case errors.Is(err, domain.ErrExecutionNotFound):
		return http.StatusNotFound, ErrorBody{Error: "execution not found"}
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"}
	case errors.As(err, &denied):
		return http.StatusForbidden, ErrorBody{
			Error:           "access denied",
			CorrelationID:   correlationID,
			UpgradeRequired: denied.UpgradeRequired(),
			Required:        denied.Required,
		}
	case errors.Is(err, dispatch.ErrExecutionFailed):
		return http.StatusBadGateway, ErrorBody{Error: "agent execution failed", CorrelationID: correlationID}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "internal error", CorrelationID: correlationID}
	}
}

// writeError writes the mapped error response.
func writeError(c *okapi.Context, err error, correlationID string) error {
	code, body := errorResponse(err, correlationID)
	return c.JSON(code, body)
}
