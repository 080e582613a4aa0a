package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-sentinel/internal/audit"
	"github.com/raaihank/pii-sentinel/internal/cache"
	"github.com/raaihank/pii-sentinel/internal/config"
	"github.com/raaihank/pii-sentinel/internal/logger"
	"github.com/raaihank/pii-sentinel/internal/middleware"
	"github.com/raaihank/pii-sentinel/internal/security"
	"github.com/raaihank/pii-sentinel/internal/web"
	"github.com/raaihank/pii-sentinel/internal/websocket"
)

const version = "0.2.0"

// Server exposes the tokenization middleware over HTTP
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	pii     *middleware.Middleware
	store   cache.Store
	history audit.History
	limiter *security.RateLimiter
	router  *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub
	started time.Time
}

// Options carries the optional collaborators of a Server
type Options struct {
	// Hub enables /ws and the dashboard
	Hub *websocket.Hub
	// History enables GET /v1/conversations/{id}/audit
	History audit.History
}

// New creates a new server instance
func New(cfg *config.Config, pii *middleware.Middleware, store cache.Store, opts Options, log *logger.Logger) *Server {
	rl := cfg.Server.RateLimit

	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("proxy"),
		pii:     pii,
		store:   store,
		history: opts.History,
		limiter: security.NewRateLimiter(rl.Enabled, rl.RequestsPerMin, rl.Burst),
		router:  mux.NewRouter(),
		wsHub:   opts.Hub,
		started: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.wsHub != nil {
		s.router.HandleFunc("/", web.ServeDashboard).Methods("GET")
		s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods("GET")
		s.router.HandleFunc("/ws", s.wsHub.HandleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.recoverMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/serialize", s.handleSerialize).Methods("POST")
	api.HandleFunc("/deserialize", s.handleDeserialize).Methods("POST")
	api.HandleFunc("/validate", s.handleValidate).Methods("POST")
	api.HandleFunc("/conversations/{id}/extend", s.handleExtend).Methods("POST")
	api.HandleFunc("/conversations/{id}/cache", s.handleClear).Methods("DELETE")
	api.HandleFunc("/conversations/{id}/audit", s.handleHistory).Methods("GET")
	api.HandleFunc("/cleanup", s.handleCleanup).Methods("POST")
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and prunes idle rate limit clients until ctx ends
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting PII Sentinel server",
		zap.Int("port", s.config.Server.Port),
		zap.String("cache_backend", s.config.Cache.Backend),
		zap.Bool("rate_limit", s.config.Server.RateLimit.Enabled),
		zap.Bool("websocket", s.wsHub != nil),
	)

	s.limiter.StartCleanupRoutine(ctx, 30*time.Minute)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII Sentinel server")
	return s.server.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type infoResponse struct {
	Name                 string              `json:"name"`
	Version              string              `json:"version"`
	Uptime               string              `json:"uptime"`
	Enabled              bool                `json:"enabled"`
	SerializationEnabled bool                `json:"serialization_enabled"`
	ProtectedModes       []string            `json:"protected_modes"`
	Middleware           middleware.Stats    `json:"middleware"`
	Cache                *cache.Stats        `json:"cache,omitempty"`
	WebSocket            *websocket.HubStats `json:"websocket,omitempty"`
}

// handleInfo reports configuration switches and runtime counters
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.pii.Config()

	info := infoResponse{
		Name:                 "pii-sentinel",
		Version:              version,
		Uptime:               time.Since(s.started).Round(time.Second).String(),
		Enabled:              cfg.Enabled,
		SerializationEnabled: cfg.Serialization.Enabled,
		ProtectedModes:       []string{},
		Middleware:           s.pii.Stats(),
	}

	for name := range cfg.Modes {
		if cfg.ProtectionEnabled(name) {
			info.ProtectedModes = append(info.ProtectedModes, name)
		}
	}
	sort.Strings(info.ProtectedModes)

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if stats, err := s.store.Stats(ctx); err == nil {
		info.Cache = &stats
	} else {
		s.logger.Warn("Failed to read cache stats", zap.Error(err))
	}

	if s.wsHub != nil {
		hubStats := s.wsHub.GetStats()
		info.WebSocket = &hubStats
	}

	writeJSON(w, http.StatusOK, info)
}
