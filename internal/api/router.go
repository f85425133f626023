/**
 * @description
 * This file sets up the HTTP router for the credit-service using the go-chi/chi router.
 * It defines three route groups: caller-facing endpoints behind JWT authentication,
 * the public recharge submission endpoint, and administrative endpoints behind
 * shared-secret admin authentication with per-route capability checks.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/velora/credit-service/internal/app"
	"github.com/velora/credit-service/internal/domain"
)

// NewRouter creates a new Chi router and registers the credit-service routes.
func NewRouter(h *CreditHandlers, service *app.Service, auth AuthOptions) *chi.Mux {
	r := chi.NewRouter()

	// Setup middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Admin-Id", "X-Admin-Secret"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Credit service is healthy"))
	})

	// Public endpoint: recharge submissions come from users who may be
	// locked out of the product, so no JWT is required here.
	r.Post("/recharge-requests", h.SubmitRechargeRequestHandler)

	// Caller-facing routes that require authentication
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(auth))

		r.Post("/credits/charge", h.ChargeHandler)
		r.Get("/credits/balance", h.BalanceHandler)
		r.Get("/credits/transactions", h.TransactionsHandler)
	})

	// Administrative routes behind the admin credential check
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(service))

		r.With(RequireCapability(domain.CapabilityReadPending)).
			Get("/recharge-requests", h.ListPendingRechargeRequestsHandler)
		r.With(RequireCapability(domain.CapabilityReadPending)).
			Get("/recharge-requests/{id}", h.GetRechargeRequestHandler)
		r.With(RequireCapability(domain.CapabilityApprove)).
			Post("/adjust", h.AdminAdjustHandler)
		r.With(RequireCapability(domain.CapabilityReject)).
			Post("/recharge-requests/{id}/reject", h.RejectRechargeRequestHandler)
	})

	return r
}
