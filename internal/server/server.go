// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/jplaza/payguard/internal/audit"
	"github.com/jplaza/payguard/internal/auth"
	"github.com/jplaza/payguard/internal/batch"
	"github.com/jplaza/payguard/internal/catalog"
	"github.com/jplaza/payguard/internal/config"
	"github.com/jplaza/payguard/internal/deadline"
	"github.com/jplaza/payguard/internal/directory"
	"github.com/jplaza/payguard/internal/fraud"
	"github.com/jplaza/payguard/internal/health"
	"github.com/jplaza/payguard/internal/logging"
	"github.com/jplaza/payguard/internal/metrics"
	"github.com/jplaza/payguard/internal/notify"
	"github.com/jplaza/payguard/internal/presence"
	"github.com/jplaza/payguard/internal/ratelimit"
	"github.com/jplaza/payguard/internal/realtime"
	"github.com/jplaza/payguard/internal/security"
	"github.com/jplaza/payguard/internal/session"
	"github.com/jplaza/payguard/internal/stream"
	"github.com/jplaza/payguard/internal/traces"
	"github.com/jplaza/payguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	directory    directory.Store
	trail        *audit.Trail
	catalog      *catalog.Catalog
	engine       *fraud.Engine
	batches      *batch.Lifecycle
	sessions     *session.Service
	scheduler    *deadline.Scheduler
	coordinator  *presence.Coordinator
	dispatcher   *notify.Dispatcher
	notifyStore  notify.Store
	fraudStore   fraud.Store
	authMgr      *auth.Manager
	hub          *realtime.Hub
	publisher    *stream.Publisher // nil unless KAFKA_BROKERS is set
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTraces   func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		batchStore   batch.Store
		sessionStore session.Store
		fraudStore   fraud.Store
		auditStore   audit.Store
		notifyStore  notify.Store
		catalogStore catalog.Store
		authStore    auth.Store
	)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		batchStore = batch.NewPostgresStore(db)
		sessionStore = session.NewPostgresStore(db)
		fraudStore = fraud.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		catalogStore = catalog.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.directory = directory.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		batchStore = batch.NewMemoryStore()
		sessionStore = session.NewMemoryStore()
		fraudStore = fraud.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		catalogStore = catalog.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.directory = directory.NewMemoryStore()
	}

	s.notifyStore = notifyStore
	s.fraudStore = fraudStore

	// Audit trail underpins every state transition, so it comes first
	s.trail = audit.NewTrail(auditStore)

	// Fraud indicator catalog with persisted confidence adjustments
	s.catalog = catalog.New(ctx, catalog.Defaults(), catalogStore, s.logger)
	s.engine = fraud.NewEngine(s.catalog, fraud.WithStore(fraudStore))
	s.logger.Info("fraud engine enabled", "indicators", len(s.catalog.All()))

	// API keys for verifiers and admins
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Webhook notifications
	s.dispatcher = notify.NewDispatcher(notifyStore, s.logger)
	s.logger.Info("webhook notifications enabled")

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Kafka event stream (optional)
	var emitter eventSink = s.hub
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = stream.NewPublisher(cfg.KafkaBrokers, s.logger)
		emitter = &fanoutEmitter{sinks: []eventSink{s.hub, s.publisher}}
		s.logger.Info("kafka event stream enabled", "brokers", cfg.KafkaBrokers)
	}

	// Batch lifecycle and verification sessions
	s.batches = batch.NewLifecycle(batchStore, s.directory, s.trail,
		batch.WithDefaultDeadline(cfg.DefaultDeadlineDays),
		batch.WithEvents(emitter),
		batch.WithNotifier(s.dispatcher),
	)
	s.sessions = session.NewService(sessionStore, s.batches, s.engine, s.directory, s.trail,
		session.WithThreshold(cfg.AutoApprovalThreshold),
		session.WithEvents(emitter),
		session.WithNotifier(s.dispatcher),
	)
	s.batches.SetSessions(s.sessions)

	// Deadline scheduler (warnings and auto-resolution)
	s.scheduler = deadline.NewScheduler(s.sessions, s.trail, s.logger,
		deadline.WithInterval(cfg.SchedulerInterval),
		deadline.WithNotifier(s.dispatcher),
		deadline.WithEvents(emitter),
	)
	s.logger.Info("deadline scheduler enabled", "interval", cfg.SchedulerInterval)

	// Presence coordinator (advisory, in-memory only)
	s.coordinator = presence.NewCoordinator(
		presence.WithBroadcaster(s.hub),
		presence.WithIdleTimeout(cfg.PresenceIdleTimeout),
	)

	// Tracing (no-op unless OTLP endpoint is configured)
	stopTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
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
// Event fanout
// -----------------------------------------------------------------------------

// eventSink receives session and batch lifecycle events. Both the
// realtime hub and the Kafka publisher implement it.
type eventSink interface {
	EmitSession(eventType, sessionID, batchID string, data map[string]any)
	EmitBatch(eventType, batchID, businessID string, data map[string]any)
}

// fanoutEmitter delivers each event to every sink. Delivery is
// best-effort in each sink, so fanout never blocks the caller.
type fanoutEmitter struct {
	sinks []eventSink
}

func (f *fanoutEmitter) EmitSession(eventType, sessionID, batchID string, data map[string]any) {
	for _, sink := range f.sinks {
		sink.EmitSession(eventType, sessionID, batchID, data)
	}
}

func (f *fanoutEmitter) EmitBatch(eventType, batchID, businessID string, data map[string]any) {
	for _, sink := range f.sinks {
		sink.EmitBatch(eventType, batchID, businessID, data)
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
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	batchHandler := batch.NewHandler(s.batches)
	sessionHandler := session.NewHandler(s.sessions)
	presenceHandler := presence.NewHandler(s.coordinator)
	notifyHandler := notify.NewHandler(s.notifyStore)
	auditHandler := audit.NewHandler(s.trail)
	fraudHandler := fraud.NewHandler(s.fraudStore)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	// Read-only views of batches, assessments and the audit trail
	batchHandler.RegisterRoutes(v1)
	auditHandler.RegisterRoutes(v1)
	fraudHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)
	v1.GET("/realtime/stats", s.realtimeStatsHandler)

	// VERIFIER ROUTES (require API key)
	// Session work, presence and notification subscriptions
	verifier := v1.Group("")
	verifier.Use(auth.Middleware(s.authMgr), auth.RequireAuth())
	{
		sessionHandler.RegisterRoutes(verifier)
		presenceHandler.RegisterRoutes(verifier)
		notifyHandler.RegisterRoutes(verifier)

		// API key management
		verifier.GET("/auth/keys", authHandler.ListKeys)
		verifier.POST("/auth/keys", authHandler.CreateKey)
		verifier.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		verifier.GET("/auth/me", authHandler.Whoami)
	}

	// ADMIN ROUTES (require admin credential or X-Admin-Secret)
	// Batch lifecycle control, decision overrides and actor onboarding
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin(s.cfg.AdminSecret))
	{
		batchHandler.RegisterAdminRoutes(admin)
		sessionHandler.RegisterAdminRoutes(admin)
		admin.POST("/actors", authHandler.RegisterActor)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

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
		"name":        "Payguard",
		"description": "Payment verification and fraud-risk engine",
		"version":     "0.1.0",
	})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start deadline scheduler
	go s.scheduler.Start(runCtx)

	// Start presence idle sweeper
	s.coordinator.Start()

	// Collect database pool stats
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

	// Cancel the context for all background goroutines (hub, scheduler)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}

	// Stop deadline scheduler
	s.scheduler.Stop()
	s.logger.Info("deadline scheduler stopped")

	// Stop presence sweeper
	s.coordinator.Stop()
	s.logger.Info("presence coordinator stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush Kafka writers
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("event stream close error", "error", err)
		} else {
			s.logger.Info("event stream closed")
		}
	}

	// Flush traces
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
