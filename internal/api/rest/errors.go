package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kubilitics/kubilitics-analytics/internal/audit"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes for common scenarios
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeQueueFull      = "QUEUE_FULL"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondJSON(w, status, APIError{
		Error:     message,
		Code:      code,
		RequestID: audit.RequestID(r.Context()),
	})
}

// respondEngineError maps the engine's typed errors onto HTTP statuses.
// Anything untyped is reported as a generic internal error.
func respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, APIError{
			Error:     ve.Error(),
			Code:      ErrCodeInvalidRequest,
			Field:     ve.Field,
			RequestID: audit.RequestID(r.Context()),
		})
	case models.IsUnauthorized(err):
		respondError(w, r, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case models.IsNotFound(err):
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, models.ErrInternal.Error())
	}
}
