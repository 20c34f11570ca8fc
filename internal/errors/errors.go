package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/property-exchange/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents business rule rejections (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryLedger represents definitive failures reported by the distributed ledger
	CategoryLedger ErrorCategory = "ledger"
	// CategoryLedgerTimeout represents ledger calls whose outcome is unknown
	CategoryLedgerTimeout ErrorCategory = "ledger_timeout"
	// CategoryReconciliation represents settled trades whose local recording did not complete
	CategoryReconciliation ErrorCategory = "reconciliation"
	// CategoryInvariant represents broken ownership invariants
	CategoryInvariant ErrorCategory = "invariant"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents concurrent modification conflicts
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes surfaced to callers
const (
	CodeInvalidTradeRequest    = "INVALID_TRADE_REQUEST"
	CodeNoWallet               = "NO_WALLET"
	CodeWalletNotReady         = "WALLET_NOT_LEDGER_READY"
	CodePropertyNotFound       = "PROPERTY_NOT_FOUND"
	CodePropertyInactive       = "PROPERTY_INACTIVE"
	CodeInsufficientTokens     = "INSUFFICIENT_TOKENS"
	CodeBelowMinimum           = "BELOW_MINIMUM_INVESTMENT"
	CodeLedgerError            = "LEDGER_ERROR"
	CodeLedgerUnavailable      = "LEDGER_UNAVAILABLE"
	CodeLedgerTimeout          = "LEDGER_TIMEOUT"
	CodeReconciliationRequired = "RECONCILIATION_REQUIRED"
	CodeInvariantViolation     = "INVARIANT_VIOLATION"
	CodeHoldingConflict        = "HOLDING_CONFLICT"
	CodeCompensationRefused    = "COMPENSATION_REFUSED"
	CodeAttemptResolved        = "ATTEMPT_RESOLVED"
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidParameter       = "INVALID_PARAMETER"
	CodeForbidden              = "FORBIDDEN"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeDatabaseError          = "DATABASE_ERROR"
	CodeCacheError             = "CACHE_ERROR"
	CodeInternalError          = "INTERNAL_ERROR"
	CodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
)

// SupportMessage is shown to callers instead of invariant violation details
const SupportMessage = "trade could not be completed, please contact support"

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	if e.Category == CategoryInvariant {
		return &types.ServiceError{Code: e.Code, Message: SupportMessage}
	}
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Validation Errors (4xx)

// NewInvalidTradeError creates an error for a structurally malformed trade request
func NewInvalidTradeError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidTradeRequest,
		Message:    fmt.Sprintf("invalid trade request field '%s': %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewNoWalletError creates an error for a holder without a wallet
func NewNoWalletError(userID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNoWallet,
		Message:    "holder has no wallet",
		Details: map[string]interface{}{
			"userId": userID,
		},
	}
}

// NewWalletNotReadyError creates an error for a wallet not yet provisioned on the ledger
func NewWalletNotReadyError(userID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeWalletNotReady,
		Message:    "holder wallet is not ready on the ledger",
		Details: map[string]interface{}{
			"userId": userID,
		},
	}
}

// NewPropertyNotFoundError creates an error for an unknown property
func NewPropertyNotFoundError(propertyID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusNotFound,
		Code:       CodePropertyNotFound,
		Message:    fmt.Sprintf("property not found: %s", propertyID),
		Details: map[string]interface{}{
			"propertyId": propertyID,
		},
	}
}

// NewPropertyInactiveError creates an error for a property that does not accept trades
func NewPropertyInactiveError(propertyID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusConflict,
		Code:       CodePropertyInactive,
		Message:    fmt.Sprintf("property is not active: %s", propertyID),
		Details: map[string]interface{}{
			"propertyId": propertyID,
		},
	}
}

// NewInsufficientTokensError creates an error for a sell larger than the current holding
func NewInsufficientTokensError(balance, requested int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientTokens,
		Message:    fmt.Sprintf("insufficient tokens: has %d, requested %d", balance, requested),
		Details: map[string]interface{}{
			"balance":   balance,
			"requested": requested,
		},
	}
}

// NewBelowMinimumInvestmentError creates an error for a buy whose total is under the property minimum
func NewBelowMinimumInvestmentError(total, minimum string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeBelowMinimum,
		Message:    fmt.Sprintf("investment %s is below the minimum of %s", total, minimum),
		Details: map[string]interface{}{
			"total":   total,
			"minimum": minimum,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeForbidden,
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewHoldingConflictError creates an error for a lost optimistic concurrency race on a holding
func NewHoldingConflictError(holderID, propertyID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeHoldingConflict,
		Message:    "holding was modified concurrently",
		Details: map[string]interface{}{
			"holderId":   holderID,
			"propertyId": propertyID,
		},
	}
}

// NewCompensationRefusedError creates an error for a compensation that is not allowed
func NewCompensationRefusedError(attemptID, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeCompensationRefused,
		Message:    fmt.Sprintf("attempt %s cannot be compensated: %s", attemptID, reason),
		Details: map[string]interface{}{
			"attemptId": attemptID,
			"reason":    reason,
		},
	}
}

// NewAttemptResolvedError creates an error for work on an attempt that already has a terminal record
func NewAttemptResolvedError(attemptID string, status types.TransactionStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeAttemptResolved,
		Message:    fmt.Sprintf("attempt %s is already %s", attemptID, status),
		Details: map[string]interface{}{
			"attemptId": attemptID,
			"status":    string(status),
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Ledger Errors

// NewLedgerError creates an error for a definitive ledger failure. Nothing moved.
func NewLedgerError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusBadGateway,
		Code:       CodeLedgerError,
		Message:    fmt.Sprintf("ledger rejected %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewLedgerUnavailableError creates an error for a ledger call that was never sent
func NewLedgerUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeLedgerUnavailable,
		Message:    fmt.Sprintf("ledger unavailable for %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewLedgerTimeoutError creates an error for a ledger call whose outcome is unknown
func NewLedgerTimeoutError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedgerTimeout,
		StatusCode: http.StatusAccepted,
		Code:       CodeLedgerTimeout,
		Message:    fmt.Sprintf("ledger %s outcome unknown, awaiting reconciliation", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewReconciliationError creates an error for a trade that settled on the ledger
// but whose holdings or journal entry could not be written
func NewReconciliationError(attemptID, settlementRef string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryReconciliation,
		StatusCode: http.StatusAccepted,
		Code:       CodeReconciliationRequired,
		Message:    "trade settled on the ledger, local records are being reconciled",
		Cause:      cause,
		Details: map[string]interface{}{
			"attemptId":     attemptID,
			"settlementRef": settlementRef,
		},
	}
}

// NewInvariantViolationError creates an error for a broken ownership invariant
func NewInvariantViolationError(invariant string, details map[string]interface{}) *CategorizedError {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["invariant"] = invariant
	return &CategorizedError{
		Category:   CategoryInvariant,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInvariantViolation,
		Message:    fmt.Sprintf("invariant violated: %s", invariant),
		Details:    details,
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCacheError,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	category, status := CategorySystem, http.StatusInternalServerError
	switch err.Code {
	case CodeInvalidTradeRequest, CodeInvalidParameter:
		category, status = CategoryValidation, http.StatusBadRequest
	case CodeNoWallet, CodeWalletNotReady, CodeInsufficientTokens, CodeBelowMinimum:
		category, status = CategoryValidation, http.StatusUnprocessableEntity
	case CodePropertyNotFound, CodeNotFound:
		category, status = CategoryNotFound, http.StatusNotFound
	case CodePropertyInactive, CodeHoldingConflict:
		category, status = CategoryConflict, http.StatusConflict
	case CodeUnauthorized:
		category, status = CategoryAuthorization, http.StatusUnauthorized
	case CodeForbidden:
		category, status = CategoryAuthorization, http.StatusForbidden
	}
	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable without repeating a ledger transfer
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryDatabase, CategoryCache, CategoryConflict:
		return catErr.Code != CodeCompensationRefused && catErr.Code != CodeAttemptResolved
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}

// IsValidation reports whether err is a business rule rejection
func IsValidation(err error) bool {
	return hasCategory(err, CategoryValidation)
}

// IsLedgerError reports whether err is a definitive ledger failure
func IsLedgerError(err error) bool {
	return hasCategory(err, CategoryLedger)
}

// IsLedgerTimeout reports whether err is a ledger call with unknown outcome
func IsLedgerTimeout(err error) bool {
	return hasCategory(err, CategoryLedgerTimeout)
}

// IsInvariantViolation reports whether err reports a broken ownership invariant
func IsInvariantViolation(err error) bool {
	return hasCategory(err, CategoryInvariant)
}

// IsReconciliation reports whether err marks a partially recorded settlement
func IsReconciliation(err error) bool {
	return hasCategory(err, CategoryReconciliation)
}

// HasCode reports whether err or any categorized cause carries the given code
func HasCode(err error, code string) bool {
	return walk(err, func(e *CategorizedError) bool { return e.Code == code })
}

// PublicMessage returns the message safe to show a caller
func PublicMessage(err error) string {
	catErr := Categorize(err)
	if catErr == nil {
		return ""
	}
	if catErr.Category == CategoryInvariant || catErr.Category == CategorySystem ||
		catErr.Category == CategoryDatabase || catErr.Category == CategoryCache {
		return SupportMessage
	}
	return catErr.Message
}

func hasCategory(err error, category ErrorCategory) bool {
	return walk(err, func(e *CategorizedError) bool { return e.Category == category })
}

// walk visits every categorized error in the cause chain until match returns true
func walk(err error, match func(*CategorizedError) bool) bool {
	for err != nil {
		var catErr *CategorizedError
		if !stderrors.As(err, &catErr) {
			return false
		}
		if match(catErr) {
			return true
		}
		err = catErr.Cause
	}
	return false
}
