package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/service"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// tradeRequestBody is the JSON body of trade calls. The holder is the caller.
type tradeRequestBody struct {
	PropertyID    string          `json:"propertyId"`
	TokenAmount   int64           `json:"tokenAmount"`
	PricePerToken decimal.Decimal `json:"pricePerToken"`
	Side          types.TradeSide `json:"side"`
	OrderKind     types.OrderKind `json:"orderKind,omitempty"`
	HolderID      string          `json:"holderId,omitempty"`
}

// callerID returns the authenticated caller or writes a 401
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		respondServiceError(w, r, errors.NewUnauthorizedError("missing "+userIDHeader+" header"))
		return "", false
	}
	return userID, true
}

// parseTradeRequest reads a trade body on behalf of the caller
func parseTradeRequest(w http.ResponseWriter, r *http.Request) (*models.TradeRequest, bool) {
	userID, ok := callerID(w, r)
	if !ok {
		return nil, false
	}

	var body tradeRequestBody
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return nil, false
	}
	if body.HolderID != "" && body.HolderID != userID {
		respondServiceError(w, r, errors.NewForbiddenError("trades may only be placed for the caller"))
		return nil, false
	}

	orderKind := body.OrderKind
	if orderKind == "" {
		orderKind = types.OrderMarket
	}
	return &models.TradeRequest{
		PropertyID:    body.PropertyID,
		TokenAmount:   body.TokenAmount,
		PricePerToken: body.PricePerToken,
		Side:          body.Side,
		HolderID:      userID,
		OrderKind:     orderKind,
	}, true
}

// handleValidateTrade handles POST /api/trades/validate
func (s *Server) handleValidateTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := parseTradeRequest(w, r)
	if !ok {
		return
	}

	result, err := s.trading.ValidateTrade(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleExecuteTrade handles POST /api/trades
func (s *Server) handleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	req, ok := parseTradeRequest(w, r)
	if !ok {
		return
	}

	result := s.trading.ExecuteTrade(r.Context(), req)
	respondJSON(w, tradeStatusCode(result), result)
}

// tradeStatusCode maps a trade outcome to its HTTP status
func tradeStatusCode(result *service.TradeResult) int {
	switch result.Status {
	case types.TradeCompleted:
		return http.StatusOK
	case types.TradePending, types.TradeProcessing:
		return http.StatusAccepted
	}
	if result.Err == nil {
		return http.StatusInternalServerError
	}
	return errors.GetHTTPStatusCode(result.Err)
}

// handleGetMarketPrice handles GET /api/properties/{id}/price
func (s *Server) handleGetMarketPrice(w http.ResponseWriter, r *http.Request) {
	propertyID := mux.Vars(r)["id"]

	price, err := s.trading.GetMarketPrice(r.Context(), propertyID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"propertyId":    propertyID,
		"pricePerToken": price,
	})
}

// handleGetTradeHistory handles GET /api/users/{id}/trades
func (s *Server) handleGetTradeHistory(w http.ResponseWriter, r *http.Request) {
	callerUserID, ok := callerID(w, r)
	if !ok {
		return
	}

	userID := mux.Vars(r)["id"]
	if userID != callerUserID {
		respondServiceError(w, r, errors.NewForbiddenError("trade history is only visible to its holder"))
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondServiceError(w, r, errors.NewInvalidParameterError("limit", "must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	records, err := s.trading.GetTradeHistory(r.Context(), userID, limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId": userID,
		"trades": records,
		"count":  len(records),
	})
}
