package core

import (
	"errors"
	"strings"
)

// ErrorCode is the closed enum surfaced to clients and recorded as a
// Request's reason field (spec §4.7, §7).
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrDuplicateRequest   ErrorCode = "DUPLICATE_REQUEST"
	ErrTransportFailure   ErrorCode = "TRANSPORT_FAILURE"
	ErrWouldTake          ErrorCode = "WOULD_TAKE"
	ErrTradingRulesBreach ErrorCode = "TRADING_RULES_BREACH"
	ErrInvalidParameter   ErrorCode = "INVALID_PARAMETER"
	ErrInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	ErrExchangeRejection  ErrorCode = "EXCHANGE_REJECTION"
	ErrOrderNotFound      ErrorCode = "ORDER_NOT_FOUND"
	ErrGasCapExceeded     ErrorCode = "GAS_CAP_EXCEEDED"
	ErrNotSupported       ErrorCode = "NOT_SUPPORTED"
	ErrInternal           ErrorCode = "INTERNAL_SERVER_ERROR"
)

// DomainError pairs an ErrorCode with a human-readable message. It is the
// error type every DEX Core / Request Cache / Nonce Manager operation
// that can fail in a documented way returns.
type DomainError struct {
	Code    ErrorCode
	Message string
}

func (e *DomainError) Error() string { return e.Message }

// NewDomainError builds a DomainError from code and message as given.
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// AsDomainError extracts a *DomainError from err, if any is present in
// its chain.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// classifierEntry is one row of the substring-match table applied in
// declared order by Classify.
type classifierEntry struct {
	substr string
	code   ErrorCode
}

// classifierTable is checked top to bottom; the first matching substring
// wins. Matching is case-insensitive because adapters are free-text and
// inconsistent about casing.
var classifierTable = []classifierEntry{
	{"insufficient funds", ErrInsufficientFunds},
	{"insufficient balance", ErrInsufficientFunds},
	{"would take", ErrWouldTake},
	{"post only", ErrWouldTake},
	{"trading rule", ErrTradingRulesBreach},
	{"min notional", ErrTradingRulesBreach},
	{"tick size", ErrTradingRulesBreach},
	{"lot size", ErrTradingRulesBreach},
	{"invalid parameter", ErrInvalidParameter},
	{"invalid argument", ErrInvalidParameter},
	{"bad request", ErrInvalidParameter},
	{"order not found", ErrOrderNotFound},
	{"unknown order", ErrOrderNotFound},
	{"timeout", ErrTransportFailure},
	{"connection reset", ErrTransportFailure},
	{"rejected", ErrExchangeRejection},
}

// Classify normalises an adapter's free-text error into the closed
// ErrorCode enum (spec §4.7). An empty string maps to TRANSPORT_FAILURE.
// Classification never drives a state transition on its own; callers are
// responsible for applying the resulting code as the Request's reason.
func Classify(adapterErr string) ErrorCode {
	if strings.TrimSpace(adapterErr) == "" {
		return ErrTransportFailure
	}
	lower := strings.ToLower(adapterErr)
	for _, entry := range classifierTable {
		if strings.Contains(lower, entry.substr) {
			return entry.code
		}
	}
	return ErrExchangeRejection
}
