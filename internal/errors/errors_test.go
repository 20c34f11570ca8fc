package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/property-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientTokensMessage(t *testing.T) {
	err := NewInsufficientTokensError(100, 150)

	assert.Equal(t, CodeInsufficientTokens, err.Code)
	assert.Contains(t, err.Message, "has 100, requested 150")
	assert.Equal(t, int64(100), err.Details["balance"])
	assert.Equal(t, int64(150), err.Details["requested"])
	assert.True(t, IsValidation(err))
	assert.True(t, IsUserError(err))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		status   int
	}{
		{"nil", nil, "", 0},
		{"categorized", NewLedgerError("transfer", nil), CategoryLedger, http.StatusBadGateway},
		{"wrapped categorized", fmt.Errorf("outer: %w", NewNoWalletError("u1")), CategoryValidation, http.StatusUnprocessableEntity},
		{"service error", &types.ServiceError{Code: CodePropertyNotFound, Message: "x"}, CategoryNotFound, http.StatusNotFound},
		{"plain", stderrors.New("boom"), CategorySystem, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			if tt.err == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.status, got.StatusCode)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"database", NewDatabaseError("insert", stderrors.New("conn reset")), true},
		{"conflict", NewHoldingConflictError("h", "p"), true},
		{"cache", NewCacheError("get", nil), true},
		{"validation", NewPropertyInactiveError("p"), false},
		{"ledger", NewLedgerError("transfer", nil), false},
		{"ledger timeout", NewLedgerTimeoutError("transfer", nil), false},
		{"invariant", NewInvariantViolationError("non_negative_holding", nil), false},
		{"compensation refused", NewCompensationRefusedError("a", "applied"), false},
		{"attempt resolved", NewAttemptResolvedError("a", types.StatusFailed), false},
		{"unavailable", NewServiceUnavailableError("db"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCauseChainHelpers(t *testing.T) {
	invariant := NewInvariantViolationError("supply_exceeded", map[string]interface{}{"propertyId": "p1"})
	partial := NewReconciliationError("a1", "ref-1", invariant)

	assert.True(t, IsReconciliation(partial))
	assert.True(t, IsInvariantViolation(partial))
	assert.True(t, HasCode(partial, CodeInvariantViolation))
	assert.False(t, IsLedgerTimeout(partial))
	assert.Equal(t, "supply_exceeded", invariant.Details["invariant"])
}

func TestPublicMessageHidesInternals(t *testing.T) {
	invariant := NewInvariantViolationError("non_negative_holding", nil)

	assert.Equal(t, SupportMessage, PublicMessage(invariant))
	assert.Equal(t, SupportMessage, PublicMessage(NewDatabaseError("insert", nil)))
	assert.Equal(t, SupportMessage, invariant.ToServiceError().Message)
	assert.Nil(t, invariant.ToServiceError().Details)

	v := NewPropertyInactiveError("p1")
	assert.Equal(t, v.Message, PublicMessage(v))
	assert.Empty(t, PublicMessage(nil))
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("socket closed")
	err := NewLedgerTimeoutError("transfer", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "caused by: socket closed")
	assert.Equal(t, http.StatusAccepted, GetHTTPStatusCode(err))
}
