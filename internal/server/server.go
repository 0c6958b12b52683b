// Package server wires the session core, transport, and HTTP surface.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/lazysuperheroes/hedera-multisig/internal/chain"
	"github.com/lazysuperheroes/hedera-multisig/internal/config"
	"github.com/lazysuperheroes/hedera-multisig/internal/health"
	"github.com/lazysuperheroes/hedera-multisig/internal/logging"
	"github.com/lazysuperheroes/hedera-multisig/internal/metrics"
	"github.com/lazysuperheroes/hedera-multisig/internal/ratelimit"
	"github.com/lazysuperheroes/hedera-multisig/internal/security"
	"github.com/lazysuperheroes/hedera-multisig/internal/session"
	"github.com/lazysuperheroes/hedera-multisig/internal/sigverify"
	"github.com/lazysuperheroes/hedera-multisig/internal/traces"
	"github.com/lazysuperheroes/hedera-multisig/internal/transport"
	"github.com/lazysuperheroes/hedera-multisig/internal/tunnel"
	"github.com/lazysuperheroes/hedera-multisig/internal/validation"
)

// Server owns every long-lived component and the HTTP listener.
type Server struct {
	cfg         *config.Config
	store       session.Store
	manager     *session.Manager
	hub         *transport.Hub
	timer       *session.Timer
	adapter     chain.Adapter
	tun         tunnel.Tunnel
	rateLimiter *ratelimit.Limiter
	healthReg   *health.Registry
	db          *sql.DB // nil when using the in-memory store
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	tracerShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	publicURL atomic.Value // string; rewritten when the tunnel comes up

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAdapter injects a chain adapter (for testing).
func WithAdapter(a chain.Adapter) Option {
	return func(s *Server) {
		s.adapter = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize distributed tracing (no-op if endpoint not configured)
	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracerShutdown = func(context.Context) error { return nil }
	}
	s.tracerShutdown = tracerShutdown

	// Session store: Postgres if DATABASE_URL is set, otherwise in-memory.
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		pgStore := session.NewPostgresStore(db, cfg.GracePeriod)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		s.store = pgStore
		s.logger.Info("using PostgreSQL session store", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = session.NewMemoryStore(cfg.GracePeriod)
		s.logger.Info("using in-memory session store (sessions will not survive restarts)")
	}

	// Chain adapter, unless a test injected one.
	if s.adapter == nil {
		adapter, err := chain.NewHederaAdapter(cfg.Network, cfg.OperatorID, cfg.OperatorKey, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create chain adapter: %w", err)
		}
		s.adapter = adapter
		s.logger.Info("chain adapter ready", "network", cfg.Network, "operator", cfg.OperatorID != "")
	}

	verifier := sigverify.New(s.adapter, cfg.VerifyTimeout)

	s.manager = session.NewManager(s.store, verifier, s.adapter, s.logger).
		WithDefaultTimeout(cfg.SessionTimeout).
		WithServerURL(s.PublicURL)

	s.hub = transport.NewHub(s.manager, transport.Options{
		MaxFrameBytes: cfg.MaxFrameBytes,
		MsgRatePerSec: cfg.MsgRatePerSec,
		MsgBurst:      cfg.MsgBurst,
		PingInterval:  cfg.PingInterval,
		SendQueueSize: cfg.SendQueueSize,
	}, s.logger)
	s.manager.WithBroadcaster(s.hub)

	s.timer = session.NewTimer(s.manager, s.store, cfg.SweepInterval, s.logger)

	// Tunnel collaborator; Noop falls back to the local URL.
	if cfg.TunnelCommand != "" {
		s.tun = tunnel.NewCommand(cfg.TunnelCommand, s.logger)
	} else {
		s.tun = tunnel.Noop{}
	}
	if cfg.PublicURL != "" {
		s.publicURL.Store(cfg.PublicURL)
	} else {
		s.publicURL.Store("ws://localhost:" + cfg.Port)
	}

	s.healthReg.Register("store", func(ctx context.Context) health.Status {
		if _, err := s.store.ListActive(ctx); err != nil {
			return health.Fail("store", err.Error())
		}
		return health.OK("store")
	})
	s.healthReg.Register("sweeper", func(ctx context.Context) health.Status {
		if !s.timer.Running() {
			return health.Fail("sweeper", "expiry sweep loop not running")
		}
		return health.OK("sweeper")
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// PublicURL returns the externally reachable base URL used in
// connection strings.
func (s *Server) PublicURL() string {
	v, _ := s.publicURL.Load().(string)
	return v
}

// Manager exposes the session manager (tests, embedded use).
func (s *Server) Manager() *session.Manager { return s.manager }

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.connIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) connIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// The WebSocket endpoint logs its own lifecycle.
		if path == "/ws" {
			return
		}

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
			)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// The message channel: coordinator and participant roles share it.
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Read-only operational views. PINs, keys, and frozen bytes never
	// appear here.
	v1 := s.router.Group("/v1")
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
}

// Run starts the listener and blocks until signal or fatal error.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	go s.timer.Start(ctx)

	// The tunnel is best-effort: a failure leaves the local URL in place.
	if tunnelURL, err := s.tun.Start(ctx, s.cfg.Port); err != nil {
		s.logger.Warn("tunnel unavailable, using local URL", "error", err)
	} else if tunnelURL != "" {
		s.publicURL.Store(wsURL(tunnelURL))
		s.logger.Info("public URL ready", "url", s.PublicURL())
	}

	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}
	// WebSocket connections outlive any write timeout.
	s.httpSrv.WriteTimeout = 0

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpSrv.Addr, "public_url", s.PublicURL())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.ready.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", "context cancelled")
	}

	return s.Shutdown()
}

// Shutdown releases every resource: listener, hub, timer, tunnel, store.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}
	s.hub.Shutdown()
	s.timer.Stop()
	s.tun.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := s.store.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("store shutdown", "error", err)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if err := s.tracerShutdown(shutdownCtx); err != nil {
		s.logger.Warn("tracer shutdown", "error", err)
	}
	s.logger.Info("shutdown complete")
	return nil
}

// wsURL rewrites an http(s) tunnel URL to its ws(s) equivalent.
func wsURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return raw
}
