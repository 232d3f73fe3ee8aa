package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rockola/backend/internal/broker"
	"github.com/rockola/backend/internal/config"
	"github.com/rockola/backend/internal/handlers"
	"github.com/rockola/backend/internal/middleware"
	"github.com/rockola/backend/internal/services"
)

// Services bundles the constructed service layer handed to the router.
type Services struct {
	Auth     *services.AuthService
	Sessions *services.SessionService
	Queue    *services.QueueService
	Ledger   *services.LedgerService
	Hub      *broker.Hub
}

func New(cfg *config.Config, svc Services) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	realIP := middleware.NewRealIPMiddleware(cfg.TrustedProxies)
	r.Use(realIP.Handler)
	r.Use(middleware.RequestContextMiddleware)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))

	// Handlers
	sessionHandler := handlers.NewSessionHandler(svc.Sessions, svc.Auth, cfg)
	requestHandler := handlers.NewRequestHandler(svc.Queue)
	paymentHandler := handlers.NewPaymentHandler(svc.Queue, cfg.PaymentWebhookToken)
	walletHandler := handlers.NewWalletHandler(svc.Ledger)
	sseHandler := handlers.NewSSEHandler(svc.Hub, svc.Sessions)

	// Rate limiter for the unauthenticated and customer-facing endpoints
	publicRateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	auth := middleware.AuthMiddleware(svc.Auth)

	// Routes
	r.Route("/api", func(r chi.Router) {
		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Session management
		r.Route("/sessions", func(r chi.Router) {
			// Start session (portal password verified in the handler)
			r.With(publicRateLimiter.Middleware).Post("/", sessionHandler.Start)

			// Join session with venue code (no auth)
			r.With(publicRateLimiter.Middleware).Post("/join", sessionHandler.Join)

			// Protected session routes
			r.Route("/{id}", func(r chi.Router) {
				r.Use(auth)
				r.Use(middleware.UpdateRequestContextMiddleware)
				r.Use(middleware.SessionScopeMiddleware(svc.Sessions))

				r.Get("/", sessionHandler.Get)
				r.Get("/stream", sseHandler.Stream)
				r.With(middleware.HostOnlyMiddleware).Delete("/", sessionHandler.End)
				r.With(middleware.HostOnlyMiddleware).Post("/promote", requestHandler.Promote)

				// Song requests
				r.Route("/requests", func(r chi.Router) {
					r.Get("/", requestHandler.List)
					r.With(publicRateLimiter.Middleware).Post("/", requestHandler.Submit)

					// Host-only actions
					r.Route("/{rid}", func(r chi.Router) {
						r.Use(middleware.HostOnlyMiddleware)
						r.Post("/reject", requestHandler.Reject)
						r.Post("/complete", requestHandler.Complete)
					})
				})
			})
		})

		// Payment collaborator webhooks (shared-token auth)
		r.Route("/payments", func(r chi.Router) {
			r.Post("/confirmed", paymentHandler.Confirmed)
			r.Post("/failed", paymentHandler.Failed)
		})

		// Host wallet
		r.Route("/wallet", func(r chi.Router) {
			r.Use(auth)
			r.Use(middleware.UpdateRequestContextMiddleware)
			r.Use(middleware.HostOnlyMiddleware)

			r.Get("/", walletHandler.Balance)
			r.Get("/movements", walletHandler.Movements)
			r.Post("/withdraw", walletHandler.Withdraw)
		})
	})

	return r
}
