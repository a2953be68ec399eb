package api

import (
	"net/http"
)

// handleEmergencyStop handles PUT /api/admin/emergency-stop
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stopped *bool `json:"stopped"`
	}
	if err := parseJSONBody(r, &req); err != nil || req.Stopped == nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Body must be {\"stopped\": true|false}", nil)
		return
	}

	if err := s.portfolioService.SetEmergencyStop(r.Context(), *req.Stopped); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"stopped": *req.Stopped})
}

// handleIndexerStatus handles GET /api/admin/indexer
func (s *Server) handleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Indexer is disabled", nil)
		return
	}

	respondJSON(w, http.StatusOK, s.indexer.Status())
}
