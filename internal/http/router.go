package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/signalix/keyserver/internal/http/handlers"
	"github.com/signalix/keyserver/internal/middleware"
	"go.uber.org/zap"
)

// RouterDeps are the handlers and collaborators mounted by NewRouter
type RouterDeps struct {
	Register *handlers.RegisterHandler
	Keys     *handlers.KeysHandler
	Messages *handlers.MessagesHandler
	Tokens   middleware.TokenValidator
	// RegisterLimiter is the per-IP limit on POST /v1/register. Nil disables it.
	RegisterLimiter *middleware.RateLimiter
	CORSOrigins     []string
	Log             *zap.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Log))
	r.Use(middleware.Recoverer(d.Log))
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", handlers.NewHealthHandler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if d.RegisterLimiter != nil {
				r.Use(middleware.RateLimitMiddleware(d.RegisterLimiter, middleware.GetIPKey))
			}
			r.Post("/register", d.Register.HandleRegister)
		})
		r.Post("/register/confirm", d.Register.HandleConfirm)

		// Protected routes (require valid session token)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.Tokens))
			r.Post("/keys", d.Keys.HandleUpload)
			r.Post("/keys/prekeys", d.Keys.HandleAddPrekeys)
			r.Get("/keys/prekeys/count", d.Keys.HandlePrekeyCount)
			r.Get("/devices", d.Keys.HandleListDevices)
			r.Get("/devices/{deviceID}/bundle", d.Keys.HandleBundle)
			r.Get("/messages", d.Messages.HandleList)
		})
	})

	return r
}
