package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError maps a service error onto its HTTP status. Internal
// details of 5xx errors are logged, not returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	catErr := apperrors.Categorize(err)
	if catErr == nil {
		respondError(w, status, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}

	logger := logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code)
	switch {
	case apperrors.IsSystemError(err):
		logger.Error("Request failed")
		if catErr.Code == ErrCodeInternalError {
			respondError(w, status, catErr.Code, "An internal error occurred", nil)
			return
		}
	case apperrors.IsUserError(err):
		logger.Debug("Request rejected")
	}
	respondJSON(w, status, ErrorResponse{Error: *catErr.ToServiceError()})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeRequestInFlight    = "REQUEST_IN_FLIGHT"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
