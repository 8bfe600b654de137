package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"realtime-service/internal/config"
)

// NewRouter assembles the HTTP surface: health, the websocket endpoint, and
// the versioned REST API.
func NewRouter(cfg *config.Config, h *UserHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Gateway.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: cfg.Gateway.AllowedOrigin != "*",
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/ws", h.gateway.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.Login)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/active", h.GetActiveUsers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetUser)
				r.Patch("/", h.UpdateUser)
				r.Put("/preferences", h.UpdatePreferences)
				r.Post("/lock", h.LockUser)
				r.Post("/unlock", h.UnlockUser)
				r.Get("/sessions", h.GetUserSessions)
				r.Delete("/sessions", h.InvalidateAllSessions)
			})
		})

		r.Delete("/sessions/{id}", h.InvalidateSession)
		r.Get("/stats/users", h.GetUserStats)
		r.Get("/audit", h.GetAuditEvents)
		r.Get("/connections", h.GetConnections)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
