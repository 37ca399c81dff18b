// Package server assembles the HTTP router and the gRPC server.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"fidc-session-auth/backend/internal/server/interceptors"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	AllowLocalhost bool
	// AdminSecret signs operator tokens. Empty rejects every operator request.
	AdminSecret string
	Logger      *slog.Logger
}

// Routes mounts a public route group on the router.
type Routes interface {
	Routes(r chi.Router)
}

// AdminRoutes mounts operator routes. They are served only to session-admin tokens.
type AdminRoutes interface {
	AdminRoutes(r chi.Router)
}

// NewRouter returns the HTTP handler. /health is served outside the client-IP gate; every route group
// sits behind it, and admin groups additionally behind RequireAdmin.
func NewRouter(cfg RouterConfig, readiness http.Handler, public []Routes, admin []AdminRoutes) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(interceptors.Recover(cfg.Logger))
	r.Use(interceptors.CorrelationID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "partner", "channel", "fingerprint",
			"relationshipId", "latitude", "longitude", "location-accuracy", "location-timestamp",
			interceptors.CorrelationHeader,
		},
		ExposedHeaders: []string{interceptors.CorrelationHeader},
		MaxAge:         300,
	}))
	r.Use(chimw.StripSlashes)

	if readiness != nil {
		r.Method(http.MethodGet, "/health", readiness)
	}
	r.Group(func(r chi.Router) {
		r.Use(interceptors.ClientIP(cfg.AllowLocalhost, cfg.Logger))
		r.Use(interceptors.RequestLog(cfg.Logger))
		for _, g := range public {
			g.Routes(r)
		}
		r.Group(func(r chi.Router) {
			r.Use(interceptors.RequireAdmin(cfg.AdminSecret, cfg.Logger))
			for _, g := range admin {
				g.AdminRoutes(r)
			}
		})
	})
	return r
}
