package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/order"
	"github.com/talerforge/merchantd/internal/pay"
	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/internal/tip"
	"github.com/talerforge/merchantd/internal/track"
)

// Stable numeric error codes. Clients match on these, never on hints;
// published codes are never renumbered.
const (
	CodeInternal       = 1000
	CodeBadRequest     = 1100
	CodeNotFound       = 1101
	CodeServerBusy     = 1102
	CodeGatewayTimeout = 1103

	CodeOrderIDExists    = 2001
	CodeAlreadyClaimed   = 2002
	CodeOrderInvalid     = 2003
	CodeInvalidNonce     = 2004
	CodeNoActiveAccount  = 2005

	CodePayDeadlineExpired   = 2101
	CodeInsufficientCoverage = 2102
	CodeCoinAmountMismatch   = 2103
	CodeFeesTooHigh          = 2104
	CodeCoinInvalid          = 2105
	CodePaymentFailed        = 2106
	CodeExchangeUnavailable  = 2107
	CodeAbortAfterCompletion = 2108
	CodeReplayMismatch       = 2109

	CodeRefundExceedsAmount = 2201
	CodeContractNotPaid     = 2202

	CodeTrackNotPaid      = 2301
	CodeTrackInconsistent = 2302

	CodeInstanceDoesNotTip   = 2401
	CodeReserveUnknown       = 2402
	CodeReserveExpired       = 2403
	CodeTipInsufficientFunds = 2404
	CodeTipExhausted         = 2405
	CodeTipExpired           = 2406
)

// errorBody is the JSON shape of every error answer.
type errorBody struct {
	Code          int             `json:"code"`
	Hint          string          `json:"hint"`
	Detail        string          `json:"detail,omitempty"`
	CoinErrors    []pay.CoinError `json:"coin_errors,omitempty"`
	ExchangeProof json.RawMessage `json:"exchange_proof,omitempty"`
}

// mapError classifies a domain error into (HTTP status, code, hint).
func mapError(err error) (int, int, string) {
	switch {
	// Order lifecycle
	case errors.Is(err, order.ErrOrderIDExists):
		return http.StatusConflict, CodeOrderIDExists, "order id already exists"
	case errors.Is(err, order.ErrAlreadyClaimed):
		return http.StatusConflict, CodeAlreadyClaimed, "order claimed with a different nonce"
	case errors.Is(err, order.ErrInvalidNonce):
		return http.StatusBadRequest, CodeInvalidNonce, "claim nonce is not a valid public key"
	case errors.Is(err, order.ErrInvalidAmount),
		errors.Is(err, order.ErrDeadlineInPast):
		return http.StatusBadRequest, CodeOrderInvalid, "order template rejected"
	case errors.Is(err, order.ErrNoActiveAccount):
		return http.StatusConflict, CodeNoActiveAccount, "instance has no active bank account"

	// Payment
	case errors.Is(err, pay.ErrPayDeadlineExpired):
		return http.StatusConflict, CodePayDeadlineExpired, "pay deadline expired"
	case errors.Is(err, pay.ErrInsufficientCoverage):
		return http.StatusBadRequest, CodeInsufficientCoverage, "coins do not cover the contract amount"
	case errors.Is(err, pay.ErrCoinAmountMismatch):
		return http.StatusBadRequest, CodeCoinAmountMismatch, "coin fee arithmetic is inconsistent"
	case errors.Is(err, pay.ErrFeesTooHigh):
		return http.StatusBadRequest, CodeFeesTooHigh, "fees exceed the contract maximum"
	case errors.Is(err, pay.ErrInvalidCoin):
		return http.StatusBadRequest, CodeCoinInvalid, "coin rejected"
	case errors.Is(err, pay.ErrAbortAfterCompletion):
		return http.StatusConflict, CodeAbortAfterCompletion, "payment already completed"
	case errors.Is(err, pay.ErrReplayMismatch):
		return http.StatusConflict, CodeReplayMismatch, "paid contract resubmitted with different coins"
	case errors.Is(err, pay.ErrExchangesUnavailable):
		return http.StatusServiceUnavailable, CodeExchangeUnavailable, "exchange unreachable, retry"
	case errors.Is(err, pay.ErrPaymentFailed):
		return http.StatusFailedDependency, CodePaymentFailed, "payment failed"

	// Refunds
	case errors.Is(err, refund.ErrExceedsContractAmount):
		return http.StatusConflict, CodeRefundExceedsAmount, "refund exceeds contract amount"
	case errors.Is(err, refund.ErrContractNotPaid):
		return http.StatusConflict, CodeContractNotPaid, "contract not paid"

	// Tracking
	case errors.Is(err, track.ErrOrderNotPaid):
		return http.StatusConflict, CodeTrackNotPaid, "order not paid"
	case errors.Is(err, track.ErrUnknownDeposit),
		errors.Is(err, track.ErrAmountMismatch),
		errors.Is(err, track.ErrAccountMismatch):
		return http.StatusFailedDependency, CodeTrackInconsistent, "exchange answer contradicts local records"

	// Tips
	case errors.Is(err, tip.ErrInstanceDoesNotTip):
		return http.StatusPreconditionFailed, CodeInstanceDoesNotTip, "instance does not tip"
	case errors.Is(err, tip.ErrReserveUnknown):
		return http.StatusPreconditionFailed, CodeReserveUnknown, "tip reserve unknown to exchange"
	case errors.Is(err, tip.ErrReserveExpired):
		return http.StatusPreconditionFailed, CodeReserveExpired, "tip reserve expired"
	case errors.Is(err, tip.ErrInsufficientFunds):
		return http.StatusPreconditionFailed, CodeTipInsufficientFunds, "tip reserve balance too low"
	case errors.Is(err, tip.ErrTipExhausted):
		return http.StatusConflict, CodeTipExhausted, "tip already fully picked up"
	case errors.Is(err, tip.ErrTipExpired):
		return http.StatusConflict, CodeTipExpired, "tip expired"
	case errors.Is(err, tip.ErrNoPlanchets):
		return http.StatusBadRequest, CodeBadRequest, "pickup carries no planchets"

	// Lookups
	case errors.Is(err, storage.ErrOrderNotFound),
		errors.Is(err, storage.ErrContractNotFound),
		errors.Is(err, storage.ErrInstanceNotFound),
		errors.Is(err, storage.ErrTipNotFound),
		errors.Is(err, storage.ErrProofNotFound):
		return http.StatusNotFound, CodeNotFound, "not found"

	// Infrastructure
	case errors.Is(err, storage.ErrStoreBusy):
		return http.StatusServiceUnavailable, CodeServerBusy, "server busy, retry"
	case errors.Is(err, exchange.ErrExchangeUnavailable):
		return http.StatusServiceUnavailable, CodeExchangeUnavailable, "exchange unreachable, retry"
	case errors.Is(err, exchange.ErrExchangeProtocol):
		return http.StatusFailedDependency, CodeTrackInconsistent, "exchange gave an invalid answer"

	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

// writeError renders a classified domain error.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code, hint := mapError(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Code: code, Hint: hint, Detail: err.Error()})
}

// writeJSON renders any body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
