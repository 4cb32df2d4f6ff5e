/**
 * @description
 * This file sets up the HTTP router for BankCore. Public payment and account
 * routes sit behind bearer authentication; /internal routes serve the remote
 * ledger contract used by pkg/accountclient and are guarded by the internal
 * API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Routing and standard middleware.
 * - github.com/go-chi/cors: Cross-origin policy.
 * - github.com/prometheus/client_golang/prometheus/promhttp: /metrics.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the security settings of the HTTP surface.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	CORSOrigins    []string
}

// NewRouter creates the chi router and registers all routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(TraceIDMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TraceIDHeader, InternalAPIKeyHeader},
		ExposedHeaders:   []string{TraceIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.SubmitPaymentHandler)
			r.Get("/", h.ListPaymentsHandler)
			r.Post("/batch/process", h.ProcessBatchHandler)
			r.Get("/requests/{requestId}", h.GetPaymentRequestHandler)
			r.Get("/{id}", h.GetPaymentHandler)
			r.Post("/{id}/process", h.ProcessPaymentHandler)
			r.Post("/{id}/risk-approve", h.RiskApproveHandler)
			r.Post("/{id}/post", h.PostPaymentHandler)
			r.Post("/{id}/fail", h.FailPaymentHandler)
		})

		if h.accounts == nil {
			return
		}
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccountHandler)
			r.Get("/", h.ListAccountsHandler)
			r.Get("/{id}", h.GetAccountHandler)
			r.Get("/{id}/ledger", h.ListLedgerHandler)
			r.Post("/{id}/close", h.CloseAccountHandler)
			r.Post("/{id}/status", h.SetAccountStatusHandler)
			r.Post("/{id}/{op}", h.AccountOperationHandler)
		})
		r.Get("/ledger/{requestId}", h.GetLedgerEntryHandler)
	})

	if h.accounts != nil {
		r.Route("/internal", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
			r.Get("/accounts/{id}", h.GetAccountHandler)
			r.Post("/accounts/{id}/close", h.CloseAccountHandler)
			r.Post("/accounts/{id}/{op}", h.AccountOperationHandler)
			r.Get("/ledger/{requestId}", h.GetLedgerEntryHandler)
		})
	}

	return r
}
