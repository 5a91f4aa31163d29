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

	"github.com/mbd888/walletguard/internal/auth"
	"github.com/mbd888/walletguard/internal/circuitbreaker"
	"github.com/mbd888/walletguard/internal/config"
	"github.com/mbd888/walletguard/internal/exchange"
	"github.com/mbd888/walletguard/internal/health"
	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/logging"
	"github.com/mbd888/walletguard/internal/metrics"
	"github.com/mbd888/walletguard/internal/notify"
	"github.com/mbd888/walletguard/internal/ratelimit"
	"github.com/mbd888/walletguard/internal/realtime"
	"github.com/mbd888/walletguard/internal/reconciliation"
	"github.com/mbd888/walletguard/internal/risk"
	"github.com/mbd888/walletguard/internal/security"
	"github.com/mbd888/walletguard/internal/traces"
	"github.com/mbd888/walletguard/internal/transfer"
	"github.com/mbd888/walletguard/internal/validation"
	"github.com/mbd888/walletguard/migrations"
)

const (
	retrainCheckInterval = time.Minute
	notifyBuffer         = 1024
	notifyTimeout        = 10 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db          *sql.DB // nil if using in-memory
	store       ledger.Store
	ledger      *ledger.Ledger
	riskStore   risk.Store
	screener    *risk.Screener
	riskTimer   *risk.Timer
	rates       exchange.Provider
	breaker     *circuitbreaker.Breaker
	coordinator *transfer.Coordinator
	dispatcher  *notify.Dispatcher
	realtimeHub *realtime.Hub
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error
	drainDelay    time.Duration

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

// WithRates sets the exchange rate provider instead of building one from
// config (for testing)
func WithRates(p exchange.Provider) Option {
	return func(s *Server) {
		s.rates = p
	}
}

// WithVersion sets the version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if err := s.initStorage(); err != nil {
		return nil, err
	}
	s.ledger = ledger.New(s.store)

	s.screener = risk.NewScreener(risk.Config{
		Model: risk.NewModel(risk.Options{
			Trees:         cfg.RiskTrees,
			SampleSize:    cfg.RiskSampleSize,
			Contamination: cfg.RiskContamination,
			Seed:          cfg.RiskSeed,
		}),
		Scheduler:      risk.NewScheduler(cfg.RiskRetrainInterval, cfg.RiskRetrainMinBatch),
		Cache:          risk.NewCache(cfg.RiskCacheSize),
		Source:         risk.NewLedgerSource(s.store),
		Store:          s.riskStore,
		FailOpen:       cfg.RiskFailOpen,
		TrainingWindow: cfg.RiskTrainingWindow,
		FitTimeout:     cfg.FitTimeout,
		Logger:         s.logger,
	})
	s.riskTimer = risk.NewTimer(s.screener, retrainCheckInterval, s.logger)
	if !cfg.RiskFailOpen {
		s.logger.Warn("risk screening fails closed: transfers are flagged for review until the model is trained")
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	if s.rates == nil {
		s.rates = buildRates(cfg, s.breaker, s.logger)
	}

	// Notification fan-out: log, websocket feed, optional webhook
	s.dispatcher = notify.NewDispatcher(s.logger, notifyBuffer, notifyTimeout)
	s.dispatcher.Add("log", notify.NewLogSink(s.logger))
	s.realtimeHub = realtime.NewHub(s.logger,
		realtime.WithMaxClients(cfg.MaxWSClients),
		realtime.WithAllowedOrigins(cfg.CORSOrigins),
	)
	s.dispatcher.Add("websocket", s.realtimeHub)
	if cfg.WebhookURL != "" {
		s.dispatcher.Add("webhook", notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, notify.WithWebhookBreaker(s.breaker)))
		s.logger.Info("webhook notifications enabled")
	}

	s.coordinator = transfer.NewCoordinator(transfer.Config{
		Ledger:      s.ledger,
		Screener:    s.screener,
		Rates:       s.rates,
		Notifier:    s.dispatcher,
		RateTimeout: cfg.ExchangeRateTimeout,
		Logger:      s.logger,
	})

	s.reconciler = reconciliation.NewRunner(s.store, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry()
	s.health.Register("ledger_store", health.PingChecker("ledger_store", s.store))
	s.health.Register("risk_model", health.ModelChecker("risk_model", s.screener.Model(), cfg.RiskFailOpen))
	s.health.Register("reconciliation", health.ReconciliationChecker("reconciliation", s.reconciler))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
	})

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

// initStorage opens Postgres when DATABASE_URL is set and falls back to
// in-memory stores otherwise.
func (s *Server) initStorage() error {
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.riskStore = risk.NewMemoryStore()
		s.logger.Warn("using in-memory storage; balances are lost on restart")
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
	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db, s.logger); err != nil {
			_ = db.Close()
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.riskStore = risk.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// buildRates returns the configured exchange rate provider, or nil when
// cross-currency transfers are disabled.
func buildRates(cfg *config.Config, breaker *circuitbreaker.Breaker, logger *slog.Logger) exchange.Provider {
	if cfg.ExchangeRateURL == "" && cfg.ExchangeRateAPIKey == "" {
		logger.Warn("no exchange rate provider configured; cross-currency transfers will be rejected")
		return nil
	}

	var p exchange.Provider = exchange.NewHTTPProvider(
		cfg.ExchangeRateURL,
		cfg.ExchangeRateAPIKey,
		cfg.ExchangeRateTimeout,
		exchange.WithBreaker(breaker),
	)
	if rate, ok := cfg.FallbackRate(); ok {
		logger.Warn("exchange fallback rate enabled", "rate", rate.String())
		p = exchange.NewFallback(p, rate, logger)
	}
	return p
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", health.Handler(s.health, s.version))
	s.router.GET("/health/live", health.FlagHandler(&s.healthy, "alive", "unhealthy"))
	s.router.GET("/health/ready", health.FlagHandler(&s.ready, "ready", "not_ready"))
	s.router.GET("/metrics", metrics.Handler())

	// Operator event feed
	s.router.GET("/ws", auth.RequireGateway(s.cfg.GatewayToken), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.store, s.cfg.GatewayToken))
	v1.Use(s.rateLimiter.Middleware())

	transferHandler := transfer.NewHandler(s.coordinator)
	transferHandler.RegisterRoutes(v1)

	riskHandler := risk.NewHandler(s.screener, s.riskStore)

	protected := v1.Group("")
	protected.Use(auth.RequireActor())
	transferHandler.RegisterProtectedRoutes(protected)
	riskHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireGateway(s.cfg.GatewayToken))
	riskHandler.RegisterAdminRoutes(admin)
	admin.GET("/reconciliation", s.reconciliationHandler)
	admin.POST("/reconciliation/run", s.runReconciliationHandler)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
	admin.GET("/upstreams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"upstreams": s.breaker.Snapshot()})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) reconciliationHandler(c *gin.Context) {
	rep := s.reconciler.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (s *Server) runReconciliationHandler(c *gin.Context) {
	rep, err := s.reconciler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
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

	shutdownTrace, err := traces.Init(runCtx, traces.Options{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Error("tracing init failed, continuing without traces", "error", err)
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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
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
	go s.dispatcher.Run(ctx)
	go s.realtimeHub.Run(ctx)
	go s.riskTimer.Start(ctx)
	go s.reconTimer.Start(ctx)

	metrics.SetBuildInfo(s.version)
	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
	}

	// Warm the model so the first transfers are not screened fail-open.
	go func() {
		if err := s.screener.RetrainIfStale(ctx); err != nil && !errors.Is(err, risk.ErrEmptyTrainingSet) {
			s.logger.Warn("initial risk model fit failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	// In-flight requests are done; stop background workers (hub, timers,
	// dispatcher) and let the dispatcher drain queued notifications.
	s.riskTimer.Stop()
	s.reconTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		select {
		case <-s.dispatcher.Done():
			s.logger.Info("notification queue drained")
		case <-ctx.Done():
			s.logger.Warn("notification queue not drained before deadline")
		}
	}

	s.rateLimiter.Stop()

	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace provider shutdown error", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
