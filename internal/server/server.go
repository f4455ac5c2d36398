// Package server assembles the facilitator HTTP service: the x402
// verify/settle API, health and metrics endpoints, the settlement
// reconciler, and an optional paywalled demo resource.
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

	"github.com/Dream-Voyage/v402/internal/config"
	"github.com/Dream-Voyage/v402/internal/facilitator"
	"github.com/Dream-Voyage/v402/internal/health"
	"github.com/Dream-Voyage/v402/internal/logging"
	"github.com/Dream-Voyage/v402/internal/metrics"
	"github.com/Dream-Voyage/v402/internal/paywall"
	"github.com/Dream-Voyage/v402/internal/ratelimit"
	"github.com/Dream-Voyage/v402/internal/security"
	"github.com/Dream-Voyage/v402/internal/settlement"
	"github.com/Dream-Voyage/v402/internal/traces"
	"github.com/Dream-Voyage/v402/internal/transactions"
	"github.com/Dream-Voyage/v402/internal/validation"
	"github.com/Dream-Voyage/v402/internal/verifier"
	"github.com/Dream-Voyage/v402/pkg/x402"
)

// Version is reported by GET / and /health.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg         *config.Config
	engine      *settlement.Engine
	reconciler  *settlement.Reconciler
	verifier    *verifier.Verifier
	store       transactions.Store
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	ethClient     settlement.EthClient
	drainDelay    time.Duration
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithEthClient injects the chain client instead of dialing RPC_URL (tests).
func WithEthClient(c settlement.EthClient) Option {
	return func(s *Server) {
		s.ethClient = c
	}
}

// WithStore sets the transaction store, overriding DATABASE_URL.
func WithStore(store transactions.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners. Default 5s.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a server. It connects to Postgres when DATABASE_URL is set
// and dials the RPC node unless a client is injected.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if s.store == nil && cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.store = transactions.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}
	if s.store == nil {
		s.store = transactions.NewMemoryStore()
		s.logger.Warn("using in-memory storage; settled nonces are lost on restart")
	}

	engineOpts := []settlement.Option{
		settlement.WithStore(s.store),
		settlement.WithLogger(s.logger.With("component", "settlement")),
	}
	if s.ethClient != nil {
		engineOpts = append(engineOpts, settlement.WithClient(s.ethClient))
	}
	engine, err := settlement.New(settlement.Config{
		RPCURL:         cfg.RPCURL,
		PrivateKey:     cfg.PrivateKey,
		ChainID:        cfg.ChainID,
		Network:        cfg.Network,
		ConfirmTimeout: cfg.SettlementTimeout,
		PollInterval:   cfg.ReceiptPollInterval,
	}, engineOpts...)
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to create settlement engine: %w", err)
	}
	s.engine = engine
	s.reconciler = settlement.NewReconciler(engine, settlement.WithInterval(cfg.ReconcileInterval))
	s.verifier = verifier.New(
		verifier.WithLogger(s.logger.With("component", "verifier")),
		verifier.WithSchemes(cfg.SupportedSchemes...),
	)

	s.health = health.NewRegistry(0)
	s.health.Register("rpc", engine.CheckChain)
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}

	if err := validation.RegisterBindingTags(); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	s.logger.Info("facilitator initialized",
		"address", engine.Address(),
		"network", cfg.Network,
		"chain_id", cfg.ChainID,
		"schemes", cfg.SupportedSchemes,
	)
	return s, nil
}

func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// key=value DSNs are not masked piecemeal.
		return "***"
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	return strings.Replace(u.Redacted(), ":xxxxx@", ":***@", 1)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(logging.RequestIDMiddleware(s.logger))

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

	s.router.Use(logging.AccessLog("/health/live", "/health/ready", "/metrics"))
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Facilitator API, rate limited per client
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPM))
	api := s.router.Group("", s.rateLimiter.Middleware(), validation.TxHashParamMiddleware())
	handler := facilitator.NewHandler(s.verifier, s.engine, s.store, s.cfg.Network, s.cfg.SupportedSchemes)
	handler.RegisterRoutes(api)

	if s.cfg.DemoPrice != "" {
		s.setupDemoRoutes()
	}
}

// setupDemoRoutes serves a paid resource settled by this facilitator
// in-process, so a client can exercise the full 402 flow against one
// binary.
func (s *Server) setupDemoRoutes() {
	pw := paywall.Config{
		Facilitator:       &facilitator.Local{Verifier: s.verifier, Settler: s.engine},
		PayTo:             s.cfg.PayTo,
		Asset:             s.cfg.USDCContract,
		Network:           s.cfg.Network,
		DefaultPrice:      s.cfg.DemoPrice,
		MaxTimeoutSeconds: int64(s.cfg.SettlementTimeout / time.Second),
		Extra:             &x402.DomainExtra{Name: s.cfg.TokenName, Version: s.cfg.TokenVersion},
		MimeType:          "application/json",
		Logger:            s.logger.With("component", "paywall"),
		OnPaymentSettled: func(c *gin.Context, st *x402.SettlementResponse) {
			logging.L(c.Request.Context()).Info("demo payment settled", "payer", st.Payer, "tx_hash", st.Transaction)
		},
	}
	s.router.GET("/demo/premium", paywall.MiddlewareWithPrice(pw, s.cfg.DemoPrice, "Premium demo content"), s.premiumHandler)
	s.logger.Info("demo paywall enabled", "price", s.cfg.DemoPrice, "pay_to", s.cfg.PayTo)
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
		Version:   Version,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "v402 facilitator",
		"version":     Version,
		"x402Version": x402.Version,
		"network":     s.cfg.Network,
		"chainId":     s.cfg.ChainID,
		"address":     s.engine.Address(),
		"asset":       s.cfg.USDCContract,
		"schemes":     s.cfg.SupportedSchemes,
		"endpoints": gin.H{
			"verify":    "POST /verify",
			"settle":    "POST /settle",
			"supported": "GET /supported",
		},
	})
}

func (s *Server) premiumHandler(c *gin.Context) {
	st := paywall.GetSettlement(c)
	c.JSON(http.StatusOK, gin.H{
		"content":     "This is premium content.",
		"paid":        true,
		"payer":       paywall.GetPayer(c),
		"transaction": st.Transaction,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation or a listener error, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if err := s.engine.CheckChain(ctx); err != nil {
		if errors.Is(err, settlement.ErrInvalidConfig) {
			cancel()
			return err
		}
		s.logger.Warn("RPC node unreachable at startup", "error", err)
	}

	shutdown, err := traces.Init(ctx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Settlement waits up to SettlementTimeout for a receipt.
		WriteTimeout: s.cfg.SettlementTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"address", s.engine.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconciler.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown drains in-flight requests, then stops workers and closes the RPC
// and database connections. Settlements still waiting on a receipt remain
// pending and are resolved by the reconciler on the next start.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var firstErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	s.reconciler.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.engine.Close(); err != nil {
		s.logger.Error("rpc client close error", "error", err)
	}

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
		cancel()
	}

	s.closeDB()
	s.logger.Info("server stopped")
	return firstErr
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
