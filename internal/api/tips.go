package api

import (
	"encoding/json"
	"net/http"

	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/tip"
	"github.com/talerforge/merchantd/pkg/amount"
)

type tipAuthorizeRequest struct {
	Amount        string `json:"amount"`
	Justification string `json:"justification"`
	Extra         string `json:"extra,omitempty"`
}

// handleTipAuthorize reserves part of the instance's tip reserve for a
// new tip and returns the wallet-redeemable URI.
func (s *Server) handleTipAuthorize(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")

	var req tipAuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "malformed tip request"})
		return
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "bad tip amount"})
		return
	}

	auth, err := s.tips.Authorize(r.Context(), instance, amt, req.Justification, req.Extra)
	if err != nil {
		s.writeError(w, err)
		return
	}

	tipsAuthorized.Inc()
	s.wsHub.Broadcast(EventTipAuthorized, map[string]string{
		"instance": instance, "tip_id": auth.TipID, "amount": amt.String(),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tip_id":        auth.TipID,
		"taler_tip_uri": auth.TipURI,
		"expiration":    exchange.At(auth.Expiration),
	})
}

type tipPickupRequest struct {
	Planchets []tip.Planchet `json:"planchets"`
}

// handleTipPickup withdraws a batch of planchets against a tip and
// returns the exchange's blind signatures in planchet order.
func (s *Server) handleTipPickup(w http.ResponseWriter, r *http.Request) {
	tipID := r.PathValue("tip")

	var req tipPickupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "malformed pickup request"})
		return
	}

	sigs, err := s.tips.Pickup(r.Context(), tipID, req.Planchets)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"blind_sigs": sigs})
}

type tipInfo struct {
	TipID         string `json:"tip_id"`
	Amount        string `json:"amount"`
	PickedUp      string `json:"picked_up"`
	Justification string `json:"justification"`
}

// handleTipStatus reports the reserve counters and the instance's tips.
func (s *Server) handleTipStatus(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")

	status, err := s.tips.Query(instance)
	if err != nil {
		s.writeError(w, err)
		return
	}

	tips := make([]tipInfo, 0, len(status.Tips))
	for _, t := range status.Tips {
		tips = append(tips, tipInfo{
			TipID:         t.TipID,
			Amount:        t.Amount,
			PickedUp:      t.PickedUp,
			Justification: t.Justification,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reserve_pub":       status.ReservePub,
		"amount_available":  status.Available,
		"amount_authorized": status.Authorized,
		"amount_picked_up":  status.PickedUp,
		"expiration":        exchange.At(status.Expiration),
		"tips":              tips,
	})
}
