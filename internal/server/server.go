package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygatehq/keygate/internal/config"
	"github.com/keygatehq/keygate/internal/handler"
	"github.com/keygatehq/keygate/internal/metrics"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/sweeper"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// LoginRateLimit is per client IP; ValidateRateLimit is per presented
	// key. Zero disables the limit.
	LoginRateLimit    int
	ValidateRateLimit int
	// TrustedProxies are the peers whose forwarding headers RealIP honours.
	TrustedProxies []netip.Prefix
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		ShutdownTimeout:   30 * time.Second,
		CORSOrigins:       []string{"*"},
		LoginRateLimit:    30,
		ValidateRateLimit: 600,
	}
}

// ConfigFrom converts the file configuration into a server Config. c is
// expected to have passed config validation.
func ConfigFrom(c config.ServerConfig) Config {
	proxies, _ := c.Proxies()
	return Config{
		Host:              c.Host,
		Port:              c.Port,
		ShutdownTimeout:   c.Shutdown(),
		CORSOrigins:       c.CORSOrigins,
		LoginRateLimit:    c.RateLimitPerMinute,
		ValidateRateLimit: c.ValidateRateLimitPerMinute,
		TrustedProxies:    proxies,
	}
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the server routes to. Sweeper is optional; when set
// it is shut down with the server.
type Deps struct {
	Store   Pinger
	Admins  *service.AdminService
	Keys    *service.KeyService
	Auditor *service.Auditor
	Metrics *metrics.Metrics
	Sweeper *sweeper.Sweeper
}

// Server is the top-level HTTP server for keygate. It owns the Chi router
// and the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.RealIP(s.cfg.TrustedProxies))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handler.AccessKeyHeader, "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Probes and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	sysHandler := handler.NewSystemHandler(s.deps.Admins, s.deps.Auditor)
	keyHandler := handler.NewKeyHandler(s.deps.Keys, s.deps.Auditor)
	logHandler := handler.NewLogHandler(s.deps.Auditor)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		// Login and key validation authenticate themselves.
		r.With(middleware.RateLimit(s.cfg.LoginRateLimit)).Post("/admin/session", sysHandler.Login)
		r.Delete("/admin/session", sysHandler.Logout)
		r.With(middleware.RateLimitByKey(handler.AccessKeyHeader, s.cfg.ValidateRateLimit)).
			Post("/keys/validate", keyHandler.ValidateKey)

		// Everything else requires an admin session and is audited.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.deps.Admins))
			r.Use(middleware.AuditAccess(s.deps.Auditor))

			r.Get("/admin/session", sysHandler.Session)

			// Admin management
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePermission(model.PermUserManagement))
				r.Get("/admin", sysHandler.ListAdmins)
				r.Post("/admin", sysHandler.CreateAdmin)
			})

			// Temporary keys
			keyGen := middleware.RequirePermission(model.PermKeyGeneration, model.PermLimitedKeyGeneration)
			r.With(keyGen).Get("/keys", keyHandler.ListKeys)
			r.With(keyGen).Post("/keys", keyHandler.CreateKey)
			r.With(middleware.RequirePermission(model.PermSystemConfig)).Post("/keys/sweep", keyHandler.SweepKeys)
			r.With(middleware.RequirePermission(model.PermKeyGeneration)).Delete("/keys/{keyHash}", keyHandler.RevokeKey)

			// Access log
			r.With(middleware.RequirePermission(model.PermViewLogs)).Get("/logs", logHandler.ListLogs)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the credential store
// answers a ping, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["store"] = "error: " + err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before stopping the expiry sweeper.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopSweeper()
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.stopSweeper()
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) stopSweeper() {
	if s.deps.Sweeper != nil {
		s.deps.Sweeper.Shutdown()
	}
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
