// Package server wires the deal coordinator together and serves its HTTP API.
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

	"github.com/dealpact/dealpact/internal/arbiters"
	"github.com/dealpact/dealpact/internal/audit"
	"github.com/dealpact/dealpact/internal/auth"
	"github.com/dealpact/dealpact/internal/circuitbreaker"
	"github.com/dealpact/dealpact/internal/config"
	"github.com/dealpact/dealpact/internal/deals"
	"github.com/dealpact/dealpact/internal/health"
	"github.com/dealpact/dealpact/internal/ledger"
	"github.com/dealpact/dealpact/internal/logging"
	"github.com/dealpact/dealpact/internal/metrics"
	"github.com/dealpact/dealpact/internal/notify"
	"github.com/dealpact/dealpact/internal/ratelimit"
	"github.com/dealpact/dealpact/internal/realtime"
	"github.com/dealpact/dealpact/internal/reconciliation"
	"github.com/dealpact/dealpact/internal/reputation"
	"github.com/dealpact/dealpact/internal/security"
	"github.com/dealpact/dealpact/internal/usdc"
	"github.com/dealpact/dealpact/internal/users"
	"github.com/dealpact/dealpact/internal/validation"
)

// Version is reported by /health and attached to traces.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	dealStore   deals.Store
	evidence    deals.EvidenceStore
	userStore   users.Store
	roster      arbiters.Store
	auditStore  audit.Store
	ledger      ledger.Client
	contract    *ledger.Contract // nil unless LEDGER_MODE=chain
	notifier    notify.Notifier
	dispatcher  *notify.Dispatcher
	realtimeHub *realtime.Hub
	dealService *deals.Service
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(c ledger.Client) Option {
	return func(s *Server) {
		s.ledger = c
	}
}

// WithNotifier sets a custom notification transport (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}

	// Apply options first (may set ledger/notifier/logger)
	for _, opt := range opts {
		opt(s)
	}

	minAmount, ok := usdc.Parse(cfg.MinAmount)
	if !ok {
		return nil, fmt.Errorf("invalid MIN_AMOUNT %q", cfg.MinAmount)
	}
	maxAmount, ok := usdc.Parse(cfg.MaxAmount)
	if !ok || maxAmount.Cmp(minAmount) < 0 {
		return nil, fmt.Errorf("invalid MAX_AMOUNT %q", cfg.MaxAmount)
	}

	if err := s.setupStorage(); err != nil {
		return nil, err
	}
	if err := s.setupLedger(); err != nil {
		s.closeDB()
		return nil, err
	}

	// Notifications go to the chat bridge when configured, to the log otherwise
	if s.notifier == nil {
		if cfg.NotifyURL != "" {
			s.notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifySecret)
			s.logger.Info("notifications enabled", "url", maskURL(cfg.NotifyURL))
		} else {
			s.notifier = notify.NewLogNotifier(s.logger)
			s.logger.Warn("NOTIFY_URL not set, notifications are only logged")
		}
	}
	s.dispatcher = notify.NewDispatcher(s.notifier, s.logger)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(cfg.FrontendURL))

	s.dealService = deals.NewService(deals.Config{
		MinAmount:     minAmount,
		MaxAmount:     maxAmount,
		FeeBps:        cfg.FeeBps,
		ReleaseWindow: cfg.ReleaseWindow,
		LedgerTimeout: cfg.LedgerTimeout,
		FrontendURL:   cfg.FrontendURL,
	}, deals.Deps{
		Store:     s.dealStore,
		Evidence:  s.evidence,
		Ledger:    s.ledger,
		Users:     s.userStore,
		Roles:     arbiters.NewRoles(cfg.SuperuserIDs, s.roster),
		Roster:    s.roster,
		Audit:     audit.NewLog(s.auditStore, s.logger),
		Notifier:  s.dispatcher,
		Publisher: s.realtimeHub,
	}, s.logger)

	s.reconciler = reconciliation.NewRunner(s.dealService, s.ledger, cfg.LedgerTimeout, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.logger.Info("reconciliation enabled", "interval", cfg.ReconcileInterval)

	if s.db != nil {
		s.health.Register("database", health.PingChecker("database", s.db))
	}
	s.health.Register("ledger", health.FuncChecker("ledger", s.ledger.Ping))

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

// setupStorage picks Postgres if DATABASE_URL is set, in-memory otherwise.
func (s *Server) setupStorage() error {
	if s.cfg.DatabaseURL == "" {
		s.dealStore = deals.NewMemoryStore()
		s.evidence = deals.NewMemoryEvidenceStore()
		s.userStore = users.NewMemoryStore()
		s.roster = arbiters.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.db = db
	s.dealStore = deals.NewPostgresStore(db)
	s.evidence = deals.NewPostgresEvidenceStore(db)
	s.userStore = users.NewPostgresStore(db)
	s.roster = arbiters.NewPostgresStore(db)
	s.auditStore = audit.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskURL(s.cfg.DatabaseURL))
	return nil
}

// setupLedger connects the escrow contract unless a client was injected, and
// wraps it with timeouts, metrics and a circuit breaker.
func (s *Server) setupLedger() error {
	if s.ledger == nil {
		switch s.cfg.LedgerMode {
		case "memory":
			s.ledger = ledger.NewMemory()
			s.logger.Warn("using in-memory ledger, no funds move")
		default:
			c, err := ledger.NewContract(ledger.Config{
				RPCURL:     s.cfg.RPCURL,
				PrivateKey: s.cfg.PrivateKey,
				ChainID:    s.cfg.ChainID,
				Contract:   s.cfg.EscrowContract,
			})
			if err != nil {
				return fmt.Errorf("failed to connect escrow contract: %w", err)
			}
			s.contract = c
			s.ledger = c
			s.logger.Info("escrow contract connected",
				"contract", s.cfg.EscrowContract,
				"operator", c.Operator(),
				"chainId", s.cfg.ChainID,
			)
		}
	}
	// Trip after consecutive outages so a sweep does not wait out the
	// timeout once per deal while the RPC endpoint is down.
	s.ledger = ledger.NewInstrumented(s.ledger, s.cfg.LedgerTimeout, s.logger,
		ledger.WithBreaker(circuitbreaker.New("ledger", 5, 30*time.Second)))
	return nil
}

// maskURL hides credentials in a URL for logging
func maskURL(raw string) string {
	u, err := url.Parse(raw)
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the deposit frontend only
	s.router.Use(security.CORSMiddleware([]string{s.cfg.FrontendURL}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from the bridge, load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
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

	bridge := auth.Middleware(s.cfg.BridgeSecret)

	// WebSocket for deal events; only the bridge may subscribe
	s.router.GET("/ws", bridge, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})

	// V1 API group: every route acts for an authenticated chat identity
	v1 := s.router.Group("/v1")
	v1.Use(bridge, s.rateLimiter.Middleware())

	users.NewHandler(s.userStore).RegisterRoutes(v1)

	dealHandler := deals.NewHandler(s.dealService)
	dealHandler.RegisterRoutes(v1)
	dealHandler.RegisterAdminRoutes(v1)

	reputation.NewHandler(reputation.NewCalculator(s.dealStore)).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status       string          `json:"status"`
	Version      string          `json:"version"`
	Checks       []health.Status `json:"checks,omitempty"`
	Reconciler   bool            `json:"reconcilerRunning"`
	Realtime     int             `json:"realtimeClients"`
	Notification int             `json:"notificationQueue"`
	Timestamp    string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := HealthResponse{
		Status:       status,
		Version:      Version,
		Checks:       checks,
		Reconciler:   s.reconTimer.Running(),
		Notification: s.dispatcher.Pending(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if n, ok := s.realtimeHub.Stats()["connectedClients"].(int); ok {
		resp.Realtime = n
	}
	c.JSON(httpStatus, resp)
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

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation or a listener error.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"ledgerMode", s.cfg.LedgerMode,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	s.dispatcher.Start()
	go s.reconTimer.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.reconTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush queued notifications before the process exits
	s.dispatcher.Stop(ctx)
	s.logger.Info("notification dispatcher drained")

	if s.contract != nil {
		s.contract.Close()
		s.contract = nil
	}

	s.closeDB()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	} else {
		s.logger.Info("database connection closed")
	}
	s.db = nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Deals exposes the deal service for tests and embedding.
func (s *Server) Deals() *deals.Service {
	return s.dealService
}

// Reconciler exposes the sweep runner, e.g. to trigger a sweep in tests.
func (s *Server) Reconciler() *reconciliation.Runner {
	return s.reconciler
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
