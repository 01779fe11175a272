// Package api provides the HTTP surface of the VOD service: HLS delivery,
// upload registration and operational endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/delivery"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/storage"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer    *http.Server
	cfg           *config.Config
	log           *slog.Logger
	rateLimiter   *auth.RateLimiter
	healthChecker *health.Checker
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         storage.Store
	Delivery      *delivery.Service
	Enqueuer      queue.Enqueuer
	Resubmitter   Resubmitter
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService == nil || cfg.RateLimiter == nil {
		return nil, errors.New("api: JWT service and rate limiter are required")
	}
	if cfg.Store == nil || cfg.Delivery == nil || cfg.Enqueuer == nil {
		return nil, errors.New("api: store, delivery service and enqueuer are required")
	}

	handlers := NewHandlers(&HandlersConfig{
		Logger:      cfg.Logger,
		Store:       cfg.Store,
		Delivery:    cfg.Delivery,
		Enqueuer:    cfg.Enqueuer,
		Resubmitter: cfg.Resubmitter,
	})

	router := NewRouter(cfg, handlers)
	handler := CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(router)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           handler,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:    httpServer,
		cfg:           cfg.Config,
		log:           cfg.Logger,
		rateLimiter:   cfg.RateLimiter,
		healthChecker: cfg.HealthChecker,
	}, nil
}

// NewRouter wires every route onto a gorilla/mux router.
func NewRouter(cfg *ServerConfig, h *Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.writeError(req.Context(), w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h.writeError(req.Context(), w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// Public endpoints
	if cfg.HealthChecker != nil {
		r.HandleFunc("/health", cfg.HealthChecker.Handler()).Methods(http.MethodGet)
		r.HandleFunc("/health/deep", cfg.HealthChecker.DeepHandler()).Methods(http.MethodGet)
	}

	// Metrics endpoint (internal only)
	r.Handle("/metrics", internalOnlyMiddleware(promhttp.Handler())).Methods(http.MethodGet)

	authMiddleware := cfg.JWTService.Middleware(cfg.RateLimiter)

	// HLS delivery. The literal index.m3u8 route must precede the segment route.
	video := r.PathPrefix("/video/{id}").Subrouter()
	if cfg.Config.API.ServeMaster {
		video.HandleFunc("/master.m3u8", authMiddleware(h.MasterHandler)).Methods(http.MethodGet, http.MethodHead)
	}
	video.HandleFunc("/{resolution}/index.m3u8", authMiddleware(h.ManifestHandler)).Methods(http.MethodGet, http.MethodHead)
	video.HandleFunc("/{resolution}/{segment}", authMiddleware(h.SegmentHandler)).Methods(http.MethodGet, http.MethodHead)

	// Upload collaborator and operator endpoints
	internal := r.PathPrefix("/internal/videos").Subrouter()
	internal.HandleFunc("", authMiddleware(h.RegisterVideoHandler)).Methods(http.MethodPost)
	internal.HandleFunc("/{id}", authMiddleware(h.VideoStatusHandler)).Methods(http.MethodGet)
	internal.HandleFunc("/{id}/reprocess", authMiddleware(h.ReprocessHandler)).Methods(http.MethodPost)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
