package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/talerforge/merchantd/internal/pay"
)

type payRequest struct {
	Coins []pay.Coin `json:"coins"`
	Mode  string     `json:"mode"`
}

// handlePay processes a wallet's coin set. Mode "pay" (default)
// deposits and finalizes; "abort-refund" converts partial deposits of
// an unpaid contract into refund permissions.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	orderID := r.PathValue("order")

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "malformed pay request"})
		return
	}

	var mode pay.Mode
	switch req.Mode {
	case "", "pay":
		mode = pay.ModePay
	case "abort-refund":
		mode = pay.ModeAbortRefund
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "unknown mode"})
		return
	}

	result, err := s.payments.Pay(r.Context(), instance, orderID, req.Coins, mode)
	if err != nil {
		// Per-coin failures ship the evidence alongside the code.
		if result != nil && len(result.CoinErrors) > 0 {
			status, code, hint := mapError(err)
			paymentsFailed.Inc()
			writeJSON(w, status, errorBody{Code: code, Hint: hint, CoinErrors: result.CoinErrors})
			return
		}
		if !errors.Is(err, pay.ErrPayDeadlineExpired) && !errors.Is(err, pay.ErrAbortAfterCompletion) {
			paymentsFailed.Inc()
		}
		s.writeError(w, err)
		return
	}

	if mode == pay.ModeAbortRefund {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"refund_permissions": result.RefundPermissions,
		})
		return
	}

	paymentsCompleted.Inc()
	s.wsHub.Broadcast(EventOrderPaid, map[string]string{"instance": instance, "order_id": orderID})
	writeJSON(w, http.StatusOK, map[string]string{
		"merchant_pub": result.MerchantPub,
		"merchant_sig": result.MerchantSig,
	})
}
