/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/scenarios/*      Demo scenarios (no token required)
  /api/users/*          Accounts, transfers, redemption requests
  /api/transactions/*   Purchases, adjustments, processing
  /api/events/*         Events, membership, awards
  /api/promotions/*     Promotion management

  Everything except scenarios runs behind Authenticator.Authenticate.
  Static /me routes are registered next to /{utorid}; chi matches static
  segments first.

SEE ALSO:
  - handlers.go, events.go, promotions.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate)

			// User routes
			r.Route("/users", func(r chi.Router) {
				r.Post("/", h.CreateUser)
				r.Get("/me", h.GetMe)
				r.Get("/me/transactions", h.ListMyTransactions)
				r.Post("/me/transactions", h.RequestRedemption)
				r.Get("/{utorid}", h.GetUser)
				r.Patch("/{utorid}", h.UpdateUser)
				r.Post("/{utorid}/transactions", h.Transfer)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Post("/", h.CreateTransaction)
				r.Get("/", h.ListTransactions)
				r.Get("/{id}", h.GetTransaction)
				r.Patch("/{id}/suspicious", h.SetSuspicious)
				r.Patch("/{id}/processed", h.ProcessRedemption)
				r.Delete("/{id}", h.CancelRedemption)
			})

			// Event routes
			r.Route("/events", func(r chi.Router) {
				r.Post("/", h.CreateEvent)
				r.Get("/", h.ListEvents)
				r.Get("/{id}", h.GetEvent)
				r.Patch("/{id}", h.UpdateEvent)
				r.Delete("/{id}", h.DeleteEvent)
				r.Post("/{id}/organizers", h.AddOrganizer)
				r.Delete("/{id}/organizers/{utorid}", h.RemoveOrganizer)
				r.Post("/{id}/guests", h.AddGuest)
				r.Post("/{id}/guests/me", h.AddSelfAsGuest)
				r.Delete("/{id}/guests/me", h.RemoveSelfAsGuest)
				r.Delete("/{id}/guests/{utorid}", h.RemoveGuest)
				r.Post("/{id}/transactions", h.AwardEventPoints)
			})

			// Promotion routes
			r.Route("/promotions", func(r chi.Router) {
				r.Post("/", h.CreatePromotion)
				r.Get("/", h.ListPromotions)
				r.Get("/{id}", h.GetPromotion)
				r.Patch("/{id}", h.UpdatePromotion)
				r.Delete("/{id}", h.DeletePromotion)
			})
		})
	})

	return r
}

// requestLogger logs one line per request with zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
