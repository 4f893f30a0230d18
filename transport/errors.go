package transport

import (
	"net/http"

	"dexproxy/core"
)

// statusForCode maps the closed ErrorCode enum to the HTTP status spec
// §7 assigns it.
func statusForCode(code core.ErrorCode) int {
	switch code {
	case core.ErrInvalidRequest, core.ErrDuplicateRequest, core.ErrInvalidParameter:
		return http.StatusBadRequest
	case core.ErrOrderNotFound:
		return http.StatusNotFound
	case core.ErrNotSupported:
		return http.StatusConflict
	case core.ErrGasCapExceeded, core.ErrTradingRulesBreach, core.ErrWouldTake,
		core.ErrInsufficientFunds, core.ErrExchangeRejection, core.ErrTransportFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeErr renders err as the appropriate response body: a DomainError
// as the closed-enum body, anything else as the low-level shape and a
// 500 (spec §7 "Internal programming errors surface as HTTP 500").
//
// ErrDuplicateRequest is a documented exception: every adapter's
// duplicate-client_request_id path returns the low-level
// {"error":{"message":...}} shape rather than the flat domain-error
// body, and callers match on that message rather than error_code, so
// this one code is rendered through writeLowLevelError instead.
func writeErr(w http.ResponseWriter, err error) {
	if de, ok := core.AsDomainError(err); ok {
		if de.Code == core.ErrDuplicateRequest {
			writeLowLevelError(w, statusForCode(de.Code), de.Message)
			return
		}
		writeDomainError(w, statusForCode(de.Code), string(de.Code), de.Message)
		return
	}
	writeLowLevelError(w, http.StatusInternalServerError, err.Error())
}
