package api

import (
	"net/http"
)

// handleTrackOrder resolves the wire transfers settling an order's
// coins. 202 while at least one deposit is still unaggregated.
func (s *Server) handleTrackOrder(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	orderID := r.PathValue("order")

	result, err := s.tracker.ByOrder(r.Context(), instance, orderID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// handleTrackTransfer fetches and verifies the signed aggregate of one
// wire transfer, identified by ?wtid= and ?exchange=.
func (s *Server) handleTrackTransfer(w http.ResponseWriter, r *http.Request) {
	instance := r.PathValue("instance")
	wtid := r.URL.Query().Get("wtid")
	exchangeURL := r.URL.Query().Get("exchange")
	if wtid == "" || exchangeURL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: CodeBadRequest, Hint: "wtid and exchange are required"})
		return
	}

	proof, err := s.tracker.ByTransfer(r.Context(), instance, exchangeURL, wtid)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wtid":         proof.WTID,
		"exchange_url": proof.ExchangeURL,
		"total":        proof.Total,
		"wire_fee":     proof.WireFee,
		"h_wire":       proof.HWire,
		"exchange_pub": proof.ExchangePub,
		"exchange_sig": proof.ExchangeSig,
	})
}
