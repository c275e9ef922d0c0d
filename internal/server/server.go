// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/gigescrow/internal/circuitbreaker"
	"github.com/mbd888/gigescrow/internal/config"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/health"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/payments"
	"github.com/mbd888/gigescrow/internal/ratelimit"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/security"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/webhooks"
)

// Provider operations guarded by the circuit breaker.
var breakerKeys = []string{"stripe.transfer", "stripe.refund"}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB // nil if using in-memory
	escrowStore    escrow.Store
	escrowService  *escrow.Service
	ledger         *ledger.Ledger
	gateway        payments.Gateway
	breaker        *circuitbreaker.Breaker
	health         *health.Registry
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithEscrowStore sets a custom escrow store (for testing)
func WithEscrowStore(store escrow.Store) Option {
	return func(s *Server) {
		s.escrowStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var ledgerStore ledger.Store
	switch {
	case s.escrowStore != nil:
		ledgerStore = ledger.NewMemoryStore()
	case cfg.DatabaseURL != "":
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.escrowStore = escrow.NewPostgresStore(db).WithLockTimeout(cfg.LockTimeout)
		ledgerStore = ledger.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	default:
		s.escrowStore = escrow.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}
	s.ledger = ledger.New(ledgerStore)

	// Payment provider behind a per-operation circuit breaker
	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state changed",
			"key", key,
			"from", from.String(),
			"to", to.String(),
		)
	})
	if s.gateway == nil {
		gw, err := payments.NewStripeGateway(payments.StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			Currency:  cfg.PaymentCurrency,
			APIURL:    cfg.StripeAPIURL,
			Timeout:   cfg.ProviderTimeout,
			Breaker:   s.breaker,
			Logger:    s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create payment gateway: %w", err)
		}
		s.gateway = gw
	}

	s.escrowService = escrow.NewService(s.escrowStore).
		WithGateway(s.gateway).
		WithWallet(s.ledger)
	s.logger.Info("escrow enabled")

	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}
	for _, key := range breakerKeys {
		s.health.Register(key, health.Breaker(s.breaker, key))
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

// openDB connects to PostgreSQL, retrying the first ping while the database
// comes up.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, 5, 500*time.Millisecond, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Security headers and CORS
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
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

	// Provider webhooks are only accepted with a signing secret configured.
	if s.cfg.StripeWebhookSecret != "" {
		processor := webhooks.NewProcessor(s.escrowService)
		webhooks.NewHandler(processor, s.cfg.StripeWebhookSecret).RegisterRoutes(s.router.Group(""))
	} else {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook endpoint disabled")
	}

	v1 := s.router.Group("/v1")
	if s.cfg.RateLimitRPM > 0 {
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
		})
		v1.Use(limiter.Middleware())
	}
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// EscrowService returns the escrow state machine, for in-process callers.
func (s *Server) EscrowService() *escrow.Service {
	return s.escrowService
}
