package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/property-exchange/internal/errors"
)

// handleListUnresolved handles GET /api/admin/reconciliation
func (s *Server) handleListUnresolved(w http.ResponseWriter, r *http.Request) {
	records, err := s.reconciler.Unresolved(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"attempts": records,
		"count":    len(records),
	})
}

// handleRunReconciliation handles POST /api/admin/reconciliation/run
func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.RunOnce(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleCompensate handles POST /api/admin/attempts/{id}/compensate
func (s *Server) handleCompensate(w http.ResponseWriter, r *http.Request) {
	attemptID := mux.Vars(r)["id"]

	var req struct {
		Reason string `json:"reason"`
	}
	if err := parseJSONBody(r, &req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Reason == "" {
		respondServiceError(w, r, errors.NewInvalidParameterError("reason", "must not be empty"))
		return
	}

	result, err := s.trading.Compensate(r.Context(), attemptID, req.Reason)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
