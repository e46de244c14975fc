package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/pkg/amount"
)

type refundRequest struct {
	Refund string `json:"refund"`
	Reason string `json:"reason"`
}

// handleRefundIncrease raises the order's authorized refund total. The
// total is monotone; requests at or below the current total are no-ops.
func (s *Server) handleRefundIncrease(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	orderID := r.PathValue("order")

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "malformed refund request"})
		return
	}
	requested, err := amount.Parse(req.Refund)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "bad refund amount"})
		return
	}

	total, err := s.refunds.Increase(instance, orderID, requested, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}

	refundsGranted.Inc()
	s.wsHub.Broadcast(EventRefundGranted, map[string]string{
		"instance": instance, "order_id": orderID, "refund_amount": total.String(),
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"refund_amount":    total.String(),
		"taler_refund_uri": "taler://refund/" + r.Host + "/" + instance + "/" + orderID,
	})
}

// handleRefundPickup hands the wallet signed refund permissions for the
// current refund total. Without any refund the permission list is
// empty, not an error.
func (s *Server) handleRefundPickup(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	orderID := r.PathValue("order")

	contract, err := s.store.GetContract(instance, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	permissions, err := s.refunds.Pickup(contract.HContract)
	if errors.Is(err, refund.ErrNothingRefunded) {
		permissions = []refund.Permission{}
	} else if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"h_contract_terms":   contract.HContract,
		"refund_permissions": permissions,
	})
}
