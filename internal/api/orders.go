package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/talerforge/merchantd/internal/longpoll"
	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/pkg/amount"
)

// maxLongPoll caps client-requested long-poll timeouts.
const maxLongPoll = 10 * time.Minute

type createOrderRequest struct {
	Order json.RawMessage `json:"order"`
}

// handleCreateOrder creates an order from a partial contract template.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Order) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "body must carry an order template"})
		return
	}

	orderID, err := s.orders.Create(instance, req.Order)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ordersCreated.Inc()
	s.wsHub.Broadcast(EventOrderCreated, map[string]string{"instance": instance, "order_id": orderID})
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID})
}

type claimRequest struct {
	Nonce string `json:"nonce"`
}

// handleClaimOrder binds an unclaimed order to a wallet nonce and
// returns the signed contract. Replays with the same nonce get the
// stored contract back.
func (s *Server) handleClaimOrder(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	orderID := r.PathValue("order")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Nonce == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "body must carry a nonce"})
		return
	}

	contract, err := s.orders.Claim(instance, orderID, req.Nonce)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract_terms": contract.ContractTerms,
		"sig":            contract.MerchantSig,
		"h_contract":     contract.HContract,
	})
}

type orderStatus struct {
	Paid         bool   `json:"paid"`
	Refunded     bool   `json:"refunded"`
	RefundAmount string `json:"refund_amount,omitempty"`
}

// handleOrderStatus reports the payment and refund state of an order.
// With timeout_ms the request suspends until the order is paid, its
// refund total grows past the refund query parameter, or the timeout
// expires (504).
func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	orderID := r.PathValue("order")

	status, err := s.orderStatus(instance, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	timeout := longPollTimeout(r)
	if timeout <= 0 || s.eventAlreadyHappened(r, status) {
		writeJSON(w, http.StatusOK, status)
		return
	}

	var minRefund *amount.Amount
	if v := r.URL.Query().Get("refund"); v != "" {
		a, err := amount.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "bad refund amount"})
			return
		}
		minRefund = &a
	}

	waiter := s.lp.Wait(instance, orderID, time.Now().Add(timeout), minRefund)
	select {
	case answer := <-waiter.C:
		switch answer.Outcome {
		case longpoll.OutcomePaid:
			status, err := s.orderStatus(instance, orderID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status)
		case longpoll.OutcomeRefund:
			writeJSON(w, http.StatusOK, orderStatus{
				Paid:         status.Paid,
				Refunded:     true,
				RefundAmount: answer.RefundTotal.String(),
			})
		default:
			writeJSON(w, http.StatusGatewayTimeout, errorBody{Code: CodeGatewayTimeout, Hint: "no event before timeout"})
		}
	case <-r.Context().Done():
		// Client went away; the waiter times out on its own.
	}
}

// orderStatus assembles the current payment/refund snapshot.
func (s *Server) orderStatus(instance, orderID string) (orderStatus, error) {
	contract, err := s.store.GetContract(instance, orderID)
	if err != nil {
		return orderStatus{}, err
	}

	status := orderStatus{Paid: contract.Paid}
	total, err := s.refunds.Total(instance, orderID)
	if err != nil && !errors.Is(err, refund.ErrNothingRefunded) {
		return orderStatus{}, err
	}
	if err == nil && !total.IsZero() {
		status.Refunded = true
		status.RefundAmount = total.String()
	}
	return status, nil
}

// eventAlreadyHappened short-circuits a long poll whose condition is
// already met.
func (s *Server) eventAlreadyHappened(r *http.Request, status orderStatus) bool {
	if r.URL.Query().Get("refund") != "" {
		// Refund watches always suspend; the registry applies the
		// threshold on resume.
		return false
	}
	return status.Paid
}

// longPollTimeout parses timeout_ms, capped at maxLongPoll.
func longPollTimeout(r *http.Request) time.Duration {
	v := r.URL.Query().Get("timeout_ms")
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxLongPoll {
		d = maxLongPoll
	}
	return d
}
