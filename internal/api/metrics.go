package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchantd_orders_created_total",
		Help: "Orders created.",
	})
	paymentsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchantd_payments_completed_total",
		Help: "Payments fully deposited and finalized.",
	})
	paymentsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchantd_payments_failed_total",
		Help: "Payment attempts rejected or failed at the exchange.",
	})
	refundsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchantd_refunds_granted_total",
		Help: "Refund increases granted.",
	})
	tipsAuthorized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchantd_tips_authorized_total",
		Help: "Tips authorized.",
	})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "merchantd_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware records per-route request latency.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the
		// ResponseWriter would break them.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
