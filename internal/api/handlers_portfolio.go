package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-rebalancer/internal/service"
)

// handleCreatePortfolio handles POST /api/portfolios
func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePortfolioInput
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}

	portfolio, err := s.portfolioService.CreatePortfolio(r.Context(), &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, portfolio)
}

// handleGetPortfolio handles GET /api/portfolios/{id}
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.portfolioService.GetPortfolio(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleDeposit handles POST /api/portfolios/{id}/deposits
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req service.DepositInput
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}

	portfolio, err := s.portfolioService.Deposit(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, portfolio)
}

// handleTriggerRebalance handles POST /api/portfolios/{id}/rebalance.
// A queued rebalance answers 202; an inline one returns its result, which
// may be a policy block.
func (s *Server) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.portfolioService.TriggerRebalance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if outcome.Queued {
		respondJSON(w, http.StatusAccepted, outcome)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// handleGetHistory handles GET /api/portfolios/{id}/history
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	input := &service.HistoryInput{Source: query.Get("source")}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be an integer", nil)
			return
		}
		input.Limit = limit
	}
	for name, dst := range map[string]**time.Time{"from": &input.From, "to": &input.To} {
		v := query.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, name+" must be an RFC3339 timestamp", nil)
			return
		}
		*dst = &t
	}

	events, err := s.portfolioService.GetHistory(r.Context(), mux.Vars(r)["id"], input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// handleGetRisk handles GET /api/portfolios/{id}/risk
func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	view, err := s.portfolioService.GetRisk(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}
