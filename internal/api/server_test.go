package api

import (
	"bytes"
	"context"
	stderrors "errors"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/service"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock services for testing

type mockTrading struct {
	lastRequest *models.TradeRequest
	lastLimit   int
	validate    func(*models.TradeRequest) (*service.ValidationResult, error)
	execute     func(*models.TradeRequest) *service.TradeResult
	compensate  func(attemptID, reason string) (*service.CompensationResult, error)
	history     []*models.TransactionRecord
}

func (m *mockTrading) ValidateTrade(_ context.Context, req *models.TradeRequest) (*service.ValidationResult, error) {
	m.lastRequest = req
	if m.validate != nil {
		return m.validate(req)
	}
	return &service.ValidationResult{IsValid: true}, nil
}

func (m *mockTrading) ExecuteTrade(_ context.Context, req *models.TradeRequest) *service.TradeResult {
	m.lastRequest = req
	return m.execute(req)
}

func (m *mockTrading) GetMarketPrice(_ context.Context, propertyID string) (decimal.Decimal, error) {
	if propertyID != "prop-1" {
		return decimal.Zero, errors.NewPropertyNotFoundError(propertyID)
	}
	return decimal.RequireFromString("52.5"), nil
}

func (m *mockTrading) GetTradeHistory(_ context.Context, userID string, limit int) ([]*models.TransactionRecord, error) {
	m.lastLimit = limit
	return m.history, nil
}

func (m *mockTrading) Compensate(_ context.Context, attemptID, reason string) (*service.CompensationResult, error) {
	return m.compensate(attemptID, reason)
}

type mockReconciler struct {
	runs int
}

func (m *mockReconciler) Unresolved(context.Context) ([]*models.TransactionRecord, error) {
	return []*models.TransactionRecord{{AttemptID: "a-1", Status: types.StatusPending}}, nil
}

func (m *mockReconciler) RunOnce(context.Context) (*service.ReconciliationReport, error) {
	m.runs++
	return &service.ReconciliationReport{Checked: 2, Confirmed: 1, Failed: 1}, nil
}

const testAdminToken = "s3cret"

func createTestServer(trading *mockTrading, checks map[string]HealthCheck) (*Server, *mockReconciler) {
	reconciler := &mockReconciler{}
	config := &ServerConfig{
		Host:           "localhost",
		Port:           "0",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		AdminToken:     testAdminToken,
		RequestsPerSec: 1000,
		Burst:          1000,
	}
	return NewServer(config, trading, reconciler, checks), reconciler
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func tradeBody() map[string]interface{} {
	return map[string]interface{}{
		"propertyId":    "prop-1",
		"tokenAmount":   100,
		"pricePerToken": "50",
		"side":          "buy",
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s, _ := createTestServer(&mockTrading{}, map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		})
		w := doRequest(t, s, "GET", "/health", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "healthy", decodeBody(t, w)["status"])
	})

	t.Run("degraded", func(t *testing.T) {
		s, _ := createTestServer(&mockTrading{}, map[string]HealthCheck{
			"redis": func(context.Context) error { return stderrors.New("connection refused") },
		})
		w := doRequest(t, s, "GET", "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "unhealthy", body["checks"].(map[string]interface{})["redis"])
	})
}

func TestValidateTradeEndpoint(t *testing.T) {
	trading := &mockTrading{}
	s, _ := createTestServer(trading, nil)

	w := doRequest(t, s, "POST", "/api/trades/validate", "user-1", tradeBody())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["isValid"])
	require.NotNil(t, trading.lastRequest)
	assert.Equal(t, "user-1", trading.lastRequest.HolderID)
	assert.Equal(t, types.OrderMarket, trading.lastRequest.OrderKind)
	assert.True(t, decimal.NewFromInt(50).Equal(trading.lastRequest.PricePerToken))

	trading.validate = func(*models.TradeRequest) (*service.ValidationResult, error) {
		return nil, errors.NewDatabaseError("get wallet", stderrors.New("pool closed"))
	}
	w = doRequest(t, s, "POST", "/api/trades/validate", "user-1", tradeBody())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	errBody := decodeBody(t, w)["error"].(map[string]interface{})
	assert.Equal(t, errors.SupportMessage, errBody["message"])
}

func TestTradeRequestParsing(t *testing.T) {
	s, _ := createTestServer(&mockTrading{}, nil)

	tests := []struct {
		name     string
		userID   string
		body     interface{}
		expected int
	}{
		{"missing caller", "", tradeBody(), http.StatusUnauthorized},
		{"unknown field", "user-1", map[string]interface{}{"propertyId": "p", "leverage": 10}, http.StatusBadRequest},
		{"other holder", "user-1", func() map[string]interface{} {
			b := tradeBody()
			b["holderId"] = "user-2"
			return b
		}(), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, "POST", "/api/trades", tt.userID, tt.body)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestExecuteTradeStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		result   *service.TradeResult
		expected int
	}{
		{"completed", &service.TradeResult{Success: true, Status: types.TradeCompleted, SettlementRef: "ref"}, http.StatusOK},
		{"pending", &service.TradeResult{Status: types.TradePending, Err: errors.NewLedgerTimeoutError("transfer", nil)}, http.StatusAccepted},
		{"processing", &service.TradeResult{Status: types.TradeProcessing, Err: errors.NewReconciliationError("a", "ref", nil)}, http.StatusAccepted},
		{"insufficient tokens", &service.TradeResult{Status: types.TradeRejected, Err: errors.NewInsufficientTokensError(100, 150)}, http.StatusUnprocessableEntity},
		{"invalid request", &service.TradeResult{Status: types.TradeRejected, Err: errors.NewInvalidTradeError("side", "bad")}, http.StatusBadRequest},
		{"ledger rejected", &service.TradeResult{Status: types.TradeFailed, Err: errors.NewLedgerError("transfer", nil)}, http.StatusBadGateway},
		{"internal", &service.TradeResult{Status: types.TradeFailed, Err: errors.NewInternalError("intent", nil)}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trading := &mockTrading{execute: func(*models.TradeRequest) *service.TradeResult { return tt.result }}
			s, _ := createTestServer(trading, nil)

			w := doRequest(t, s, "POST", "/api/trades", "user-1", tradeBody())
			assert.Equal(t, tt.expected, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, string(tt.result.Status), body["status"])
		})
	}
}

func TestGetMarketPriceEndpoint(t *testing.T) {
	s, _ := createTestServer(&mockTrading{}, nil)

	w := doRequest(t, s, "GET", "/api/properties/prop-1/price", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "52.5", decodeBody(t, w)["pricePerToken"])

	w = doRequest(t, s, "GET", "/api/properties/prop-x/price", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTradeHistoryEndpoint(t *testing.T) {
	ref := "ref-1"
	trading := &mockTrading{history: []*models.TransactionRecord{{AttemptID: "a-1", Status: types.StatusConfirmed, SettlementRef: &ref}}}
	s, _ := createTestServer(trading, nil)

	w := doRequest(t, s, "GET", "/api/users/user-1/trades?limit=5", "user-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
	assert.Equal(t, 5, trading.lastLimit)

	w = doRequest(t, s, "GET", "/api/users/user-2/trades", "user-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, "GET", "/api/users/user-1/trades?limit=abc", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, s, "GET", "/api/users/user-1/trades", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	trading := &mockTrading{
		compensate: func(attemptID, reason string) (*service.CompensationResult, error) {
			if attemptID == "done" {
				return nil, errors.NewCompensationRefusedError(attemptID, "attempt is already resolved")
			}
			return &service.CompensationResult{AttemptID: attemptID, CompensationAttemptID: "c-1", SettlementRef: "ref-c"}, nil
		},
	}
	s, reconciler := createTestServer(trading, nil)

	admin := func(method, path, token string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		if token != "" {
			req.Header.Set(adminTokenHeader, token)
		}
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusUnauthorized, admin("GET", "/api/admin/reconciliation", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, admin("GET", "/api/admin/reconciliation", "wrong", nil).Code)

	w := admin("GET", "/api/admin/reconciliation", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = admin("POST", "/api/admin/reconciliation/run", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["confirmed"])
	assert.Equal(t, 1, reconciler.runs)

	w = admin("POST", "/api/admin/attempts/a-1/compensate", testAdminToken, map[string]string{"reason": "ops"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c-1", decodeBody(t, w)["compensationAttemptId"])

	w = admin("POST", "/api/admin/attempts/a-1/compensate", testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	w = admin("POST", "/api/admin/attempts/done/compensate", testAdminToken, map[string]string{"reason": "ops"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	s := NewServer(&ServerConfig{RequestsPerSec: 100, Burst: 100}, &mockTrading{}, &mockReconciler{}, nil)

	req := httptest.NewRequest("POST", "/api/admin/reconciliation/run", nil)
	req.Header.Set(adminTokenHeader, "anything")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	s := NewServer(&ServerConfig{RequestsPerSec: 0.001, Burst: 2}, &mockTrading{}, &mockReconciler{}, nil)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, doRequest(t, s, "GET", "/api/properties/prop-1/price", "user-1", nil).Code)
	}
	w := doRequest(t, s, "GET", "/api/properties/prop-1/price", "user-1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, doRequest(t, s, "GET", "/api/properties/prop-1/price", "user-2", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _ := createTestServer(&mockTrading{}, nil)

	req := httptest.NewRequest("OPTIONS", "/api/trades", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", userIDHeader)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
