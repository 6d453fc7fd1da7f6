// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/chioma/escrowd/internal/agreements"
	"github.com/chioma/escrowd/internal/config"
	"github.com/chioma/escrowd/internal/dispute"
	"github.com/chioma/escrowd/internal/escrow"
	"github.com/chioma/escrowd/internal/health"
	"github.com/chioma/escrowd/internal/logging"
	"github.com/chioma/escrowd/internal/metrics"
	"github.com/chioma/escrowd/internal/ratelimit"
	"github.com/chioma/escrowd/internal/realtime"
	"github.com/chioma/escrowd/internal/security"
	"github.com/chioma/escrowd/internal/sigverify"
	"github.com/chioma/escrowd/internal/traces"
	"github.com/chioma/escrowd/internal/validation"
	"github.com/chioma/escrowd/internal/vault"
	"github.com/chioma/escrowd/internal/watcher"
	"github.com/chioma/escrowd/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	engine         *escrow.Engine
	escrowTimer    *escrow.Timer
	disputes       *dispute.Service
	agreements     *agreements.Service
	vault          *vault.Vault
	submitter      escrow.LedgerSubmitter
	fundingWatcher *watcher.Watcher
	realtimeHub    *realtime.Hub
	webhooks       *webhooks.Dispatcher
	webhookStore   webhooks.Store
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error

	// Health state
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

// WithSubmitter sets a custom ledger submitter (for testing)
func WithSubmitter(sub escrow.LedgerSubmitter) Option {
	return func(s *Server) {
		s.submitter = sub
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set submitter/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
	var disputeStore dispute.Store
	var agreementStore agreements.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		agreementStore = agreements.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthChecks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		agreementStore = agreements.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create the payout vault if a submitter wasn't injected
	if s.submitter == nil {
		v, err := vault.New(vault.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create vault: %w", err)
		}
		s.vault = v
		s.submitter = v
		s.logger.Info("payout vault ready", "address", v.Address(), "chainId", cfg.ChainID)

		s.healthChecks.Register("rpc", func(ctx context.Context) health.Status {
			if err := v.Health(ctx); err != nil {
				return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "rpc", Healthy: true}
		})
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Webhook delivery
	s.webhooks = webhooks.NewDispatcher(s.webhookStore)
	emitter := webhooks.NewEmitter(s.webhooks, s.logger)

	// Escrow engine: state machine + dispute gate + event fan-out
	s.engine = escrow.NewEngine(escrowStore, s.submitter, sigverify.Verifier{}).
		WithGate(dispute.NewGate(disputeStore)).
		WithNotifier(escrowNotifiers{s.realtimeHub, emitter}).
		WithLogger(s.logger)

	s.escrowTimer = escrow.NewTimer(s.engine, escrowStore, s.logger).
		WithInterval(cfg.SweepInterval)

	// Disputes re-evaluate linked escrows on every state change
	s.disputes = dispute.NewService(disputeStore).
		WithEscrows(s.engine).
		WithNotifier(disputeNotifiers{s.realtimeHub, emitter}).
		WithLogger(s.logger)

	s.agreements = agreements.NewService(agreementStore).WithLogger(s.logger)

	// Funding watcher (auto-confirms escrows when deposits land on-chain)
	if cfg.WatcherEnabled {
		watcherCfg := watcher.DefaultConfig()
		watcherCfg.RPCURL = cfg.RPCURL
		watcherCfg.PollInterval = cfg.WatcherPollInterval

		w, err := watcher.New(watcherCfg, s.engine, escrowStore, s.logger)
		if err != nil {
			s.logger.Warn("failed to create funding watcher", "error", err)
		} else {
			s.fundingWatcher = w
			s.logger.Info("funding watcher configured", "pollInterval", watcherCfg.PollInterval)
		}
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

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

// -----------------------------------------------------------------------------
// Event fan-out
// -----------------------------------------------------------------------------

// escrowNotifiers broadcasts one escrow event to multiple sinks.
type escrowNotifiers []escrow.Notifier

func (n escrowNotifiers) EscrowEvent(event string, e *escrow.Escrow) {
	for _, sink := range n {
		sink.EscrowEvent(event, e)
	}
}

// disputeNotifiers broadcasts one dispute event to multiple sinks.
type disputeNotifiers []dispute.Notifier

func (n disputeNotifiers) DisputeEvent(event string, d *dispute.Dispute) {
	for _, sink := range n {
		sink.DisputeEvent(event, d)
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware guards arbiter endpoints with the shared admin secret.
// With no secret configured (local development) the check is skipped.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin endpoints require ADMIN_SECRET to be configured",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	v1.GET("/platform", s.platformHandler)

	// Escrow lifecycle
	escrow.NewHandler(s.engine).RegisterRoutes(v1)

	// Disputes: parties open and evidence, the arbiter decides
	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)
	admin := v1.Group("")
	admin.Use(s.adminMiddleware())
	disputeHandler.RegisterAdminRoutes(admin)

	// Rent agreements
	agreements.NewHandler(s.agreements).RegisterRoutes(v1)

	// Webhook subscriptions
	webhooks.NewHandler(s.webhookStore, s.webhooks).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow lifecycle service for rental agreements",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
	})
}

// platformHandler returns the escrow account info parties fund
func (s *Server) platformHandler(c *gin.Context) {
	depositAddress := ""
	if s.vault != nil {
		depositAddress = s.vault.Address()
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "escrowd",
			"version":        "0.1.0",
			"depositAddress": depositAddress,
			"chainId":        s.cfg.ChainID,
		},
		"instructions": gin.H{
			"fund":    "Send the escrow amount to the escrow's deposit address, or POST /v1/escrows/{id}/fund with a ledger proof",
			"release": "Release happens automatically once conditions are satisfied; POST /v1/escrows/{id}/release for a manual request",
			"dispute": "POST /v1/disputes with the agreementId to freeze linked escrows",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing (no-op when endpoint unset)
	shutdownTrace, err := traces.Init(runCtx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start funding watcher
	if s.fundingWatcher != nil {
		if err := s.fundingWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start funding watcher", "error", err)
		}
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start escrow expiration/retry timer
	go s.escrowTimer.Start(runCtx)

	// Export connection pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop escrow timer
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("escrow timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop funding watcher
	if s.fundingWatcher != nil {
		s.fundingWatcher.Stop()
		s.logger.Info("funding watcher stopped")
	}

	// Flush pending trace spans
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close vault RPC connection
	if s.vault != nil {
		if err := s.vault.Close(); err != nil {
			s.logger.Error("vault close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
