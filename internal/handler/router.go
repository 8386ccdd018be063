/*
Package handler provides the HTTP handlers and routing setup for the meetmesh server.

This file defines the main Router, applying necessary middleware like logging, CORS,
and IP-based rate limiting before delegating requests to specific handlers (API and WebSocket).
*/
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"meetmesh/internal/pkg/auth/jwt"
	"meetmesh/internal/pkg/limiter"
	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/pow"
	"meetmesh/internal/pkg/resp"
)

const (
	CreateRate  = 0.05
	CreateBurst = 2
	JoinRate    = 1
	JoinBurst   = 10
	PowRate     = 0.5
	PowBurst    = 5
)

// Router sets up the main HTTP routing table (chi.Router) for the application.
// It initializes IP-based rate limiters, configures CORS, and applies global and per-route middleware.
// The limiters' cleanup loops stop when ctx is done.
func Router(ctx context.Context, deps *AppDeps) http.Handler {
	createLimiter := limiter.NewIPRateLimiter(ctx, "create", rate.Limit(CreateRate), CreateBurst)
	joinLimiter := limiter.NewIPRateLimiter(ctx, "join", rate.Limit(JoinRate), JoinBurst)
	powLimiter := limiter.NewIPRateLimiter(ctx, "pow", rate.Limit(PowRate), PowBurst)

	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	var wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser peers send no Origin
				return true
			}
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", pow.TokenHeaderKey},
		ExposedHeaders:   []string{},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		connections, rooms := deps.Registry.Stats()

		resp.RespondSuccess(w, r, map[string]any{
			"status":      "ok",
			"service":     "meetmesh",
			"connections": connections,
			"rooms":       rooms,
		})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(jwt.IdentityExtractorMiddleware(deps.Config.JWTSecret))

		api.Route("/pow", func(p chi.Router) {
			p.Use(powLimiter.Middleware)
			p.Get("/challenge", HandlePowChallenge(deps))
			p.Post("/verify", HandlePowVerify(deps))
		})

		api.Route("/meetings", func(m chi.Router) {
			m.With(createLimiter.Middleware).Post("/create", HandleCreateMeeting(deps))
			m.With(joinLimiter.Middleware).Post("/join", HandleJoinMeeting(deps))
			m.Post("/leave", HandleLeaveMeeting(deps))
			m.Get("/{code}", HandleGetMeeting(deps))
		})
	})

	r.Get("/ws/{code}", HandleWebSocket(wsUpgrader, joinLimiter, deps))

	return r
}
