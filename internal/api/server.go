// Package api exposes the merchant backend over HTTP/JSON: order
// lifecycle, payment, refunds, settlement tracking and tips, plus a
// WebSocket event feed and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talerforge/merchantd/internal/longpoll"
	"github.com/talerforge/merchantd/internal/order"
	"github.com/talerforge/merchantd/internal/pay"
	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/internal/tip"
	"github.com/talerforge/merchantd/internal/track"
	"github.com/talerforge/merchantd/pkg/logging"
)

// Server is the merchant HTTP API server.
type Server struct {
	store    *storage.Storage
	orders   *order.Manager
	payments *pay.Coordinator
	refunds  *refund.Ledger
	tracker  *track.Reconciler
	tips     *tip.Manager
	lp       *longpoll.Registry
	log      *logging.Logger
	wsHub    *WSHub

	server   *http.Server
	listener net.Listener
}

// NewServer wires the API server to the domain services.
func NewServer(store *storage.Storage, orders *order.Manager, payments *pay.Coordinator,
	refunds *refund.Ledger, tracker *track.Reconciler, tips *tip.Manager, lp *longpoll.Registry) *Server {
	return &Server{
		store:    store,
		orders:   orders,
		payments: payments,
		refunds:  refunds,
		tracker:  tracker,
		tips:     tips,
		lp:       lp,
		log:      logging.Component("api"),
		wsHub:    NewWSHub(),
	}
}

// Handler builds the routed handler with CORS and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /instances/{instance}/orders", s.handleCreateOrder)
	mux.HandleFunc("POST /instances/{instance}/orders/{order}/claim", s.handleClaimOrder)
	mux.HandleFunc("POST /instances/{instance}/orders/{order}/pay", s.handlePay)
	mux.HandleFunc("GET /instances/{instance}/orders/{order}", s.handleOrderStatus)
	mux.HandleFunc("POST /instances/{instance}/orders/{order}/refund", s.handleRefundIncrease)
	mux.HandleFunc("GET /instances/{instance}/orders/{order}/refund", s.handleRefundPickup)
	mux.HandleFunc("GET /instances/{instance}/orders/{order}/track", s.handleTrackOrder)
	mux.HandleFunc("GET /instances/{instance}/transfers", s.handleTrackTransfer)
	mux.HandleFunc("POST /instances/{instance}/tips/authorize", s.handleTipAuthorize)
	mux.HandleFunc("POST /instances/{instance}/tips/{tip}/pickup", s.handleTipPickup)
	mux.HandleFunc("GET /instances/{instance}/tips", s.handleTipStatus)

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(metricsMiddleware(mux))
}

// Start serves the API on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: long-poll responses outlive any fixed bound.
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains and shuts the server down. Long-poll waiters are timed
// out first so in-flight status requests complete.
func (s *Server) Stop() error {
	s.lp.Close()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket event hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// corsMiddleware adds CORS headers and answers preflights.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
