package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/roomlink-server/roomlink-server-pro/internal/auth"
	"github.com/roomlink-server/roomlink-server-pro/internal/channel"
	"github.com/roomlink-server/roomlink-server-pro/internal/command"
	"github.com/roomlink-server/roomlink-server-pro/internal/config"
	"github.com/roomlink-server/roomlink-server-pro/internal/enrollment"
	"github.com/roomlink-server/roomlink-server-pro/internal/registry"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
	"github.com/roomlink-server/roomlink-server-pro/internal/telemetry"
	"github.com/roomlink-server/roomlink-server-pro/internal/validation"
)

// Deps carries the control-plane components the API exposes
type Deps struct {
	Registry      *registry.Registry
	Issuer        *enrollment.Issuer
	Channels      *channel.Manager
	Dispatcher    *command.Dispatcher
	Reconstructor *telemetry.Reconstructor
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
	upgrader  websocket.Upgrader

	registry      *registry.Registry
	issuer        *enrollment.Issuer
	channels      *channel.Manager
	dispatcher    *command.Dispatcher
	reconstructor *telemetry.Reconstructor
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, deps Deps) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices connect from local networks, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},

		registry:      deps.Registry,
		issuer:        deps.Issuer,
		channels:      deps.Channels,
		dispatcher:    deps.Dispatcher,
		reconstructor: deps.Reconstructor,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Router exposes the router for tests
func (s *RESTServer) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// claimsKey is the request context key for JWT claims
type claimsKey struct{}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
