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
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/holdfast/internal/admin"
	"github.com/mbd888/holdfast/internal/auth"
	"github.com/mbd888/holdfast/internal/circuitbreaker"
	"github.com/mbd888/holdfast/internal/config"
	"github.com/mbd888/holdfast/internal/custody"
	"github.com/mbd888/holdfast/internal/dispute"
	"github.com/mbd888/holdfast/internal/escrow"
	"github.com/mbd888/holdfast/internal/fees"
	"github.com/mbd888/holdfast/internal/health"
	"github.com/mbd888/holdfast/internal/idgen"
	"github.com/mbd888/holdfast/internal/logging"
	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/notify"
	"github.com/mbd888/holdfast/internal/ratelimit"
	"github.com/mbd888/holdfast/internal/realtime"
	"github.com/mbd888/holdfast/internal/security"
	"github.com/mbd888/holdfast/internal/syncutil"
	"github.com/mbd888/holdfast/internal/tiers"
	"github.com/mbd888/holdfast/internal/traces"
	"github.com/mbd888/holdfast/internal/validation"
)

const (
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server
	db      *sql.DB
	redis   *redis.Client

	gateway     custody.Gateway
	breaker     *circuitbreaker.Breaker
	authMgr     *auth.Manager
	escrows     *escrow.Service
	analytics   *escrow.AnalyticsService
	disputes    *dispute.Coordinator
	feeEngine   *fees.Engine
	tierTracker *tiers.Tracker
	emitter     *notify.Emitter
	kafka       *notify.KafkaSink
	hub         *realtime.Hub
	escrowTimer *escrow.Timer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	// Disputes hold their lock while settling the escrow, so each domain
	// gets its own Locker.
	escrowLocks  syncutil.Locker
	disputeLocks syncutil.Locker

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc
	ready          atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the custody backend. The resilience client still wraps it.
func WithGateway(g custody.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
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

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore  escrow.Store
		querier      escrow.AnalyticsQuerier
		disputeStore dispute.Store
		pool         dispute.ArbitratorPool
		volumeStore  tiers.VolumeStore
		keyStore     auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.health.RegisterPinger("database", db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgEscrows := escrow.NewPostgresStore(db)
		escrowStore, querier = pgEscrows, pgEscrows
		disputeStore = dispute.NewPostgresStore(db)
		pool = dispute.NewPostgresPool(db)
		volumeStore = tiers.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
	} else {
		memEscrows := escrow.NewMemoryStore()
		escrowStore, querier = memEscrows, memEscrows
		disputeStore = dispute.NewMemoryStore()
		pool = dispute.NewMemoryPool()
		volumeStore = tiers.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Locks: Redis for multi-instance deployments, in-process otherwise
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(ropts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		lockTTL := cfg.LockTTL
		if lockTTL == 0 {
			lockTTL = cfg.MinLockTTL()
		}
		s.escrowLocks = syncutil.NewRedisLocker(s.redis, "holdfast:lock:escrow:", lockTTL)
		s.disputeLocks = syncutil.NewRedisLocker(s.redis, "holdfast:lock:dispute:", lockTTL)
		s.health.RegisterFunc("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		})
		s.logger.Info("using redis locks", "ttl", lockTTL.String())
	} else {
		s.escrowLocks = syncutil.NewContextShardedMutex()
		s.disputeLocks = syncutil.NewContextShardedMutex()
	}

	// Custody: the simulated ledger settles every chain unless a real
	// gateway is routed in front of it.
	if s.gateway == nil {
		router := custody.NewRouter(custody.NewMemoryLedger())
		if cfg.StripeSecretKey != "" {
			router.Route(custody.ChainCard, custody.NewStripeGateway(cfg.StripeSecretKey))
			s.logger.Info("stripe card custody enabled")
		}
		s.gateway = router
	}
	s.breaker = circuitbreaker.New(breakerFailures, breakerCooldown)
	s.breaker.OnTransition(func(chain string, from, to circuitbreaker.State) {
		s.logger.Warn("custody circuit transition", "chain", chain, "from", from.String(), "to", to.String())
	})
	clientCfg := custody.DefaultClientConfig()
	clientCfg.Timeout = cfg.GatewayTimeout
	clientCfg.MaxAttempts = cfg.GatewayMaxAttempts
	if cfg.GatewayBaseDelay > 0 {
		clientCfg.BaseDelay = cfg.GatewayBaseDelay
	}
	custodyClient := custody.NewClient(s.gateway, clientCfg, s.breaker, s.logger)
	s.health.RegisterFunc("custody", s.custodyCheck)

	// Notifications
	s.hub = realtime.NewHub(s.logger)
	s.emitter = notify.NewEmitter(s.logger, s.hub)
	if cfg.WebhookURL != "" {
		policy := security.EndpointPolicy{RequireTLS: cfg.IsProduction()}
		if err := policy.Validate(ctx, cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_URL: %w", err)
		}
		s.emitter.AddSink(notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		s.emitter.AddSink(s.kafka)
		s.logger.Info("kafka notifications enabled", "topic", cfg.KafkaTopic)
	}

	// Domain services
	s.feeEngine = fees.NewEngine()
	s.tierTracker = tiers.NewTracker(volumeStore, s.logger).WithNotifier(s.emitter)
	s.disputes = dispute.NewCoordinator(disputeStore, pool, s.logger).
		WithLocker(s.disputeLocks).
		WithNotifier(s.emitter)
	s.escrows = escrow.NewService(escrowStore, custodyClient, s.logger).
		WithLocker(s.escrowLocks).
		WithDisputes(s.disputes).
		WithNotifier(s.emitter).
		WithTiers(s.tierTracker)
	s.disputes.WithResolver(s.escrows)
	s.analytics = escrow.NewAnalyticsService(querier)
	s.escrowTimer = escrow.NewTimer(s.escrows, escrowStore, cfg.SweepInterval, s.logger)
	s.authMgr = auth.NewManager(keyStore)

	for _, id := range cfg.ArbitrationPool {
		if _, err := s.disputes.RegisterArbitrator(ctx, id, id); err != nil {
			return nil, fmt.Errorf("failed to register arbitrator %q: %w", id, err)
		}
	}
	if len(cfg.ArbitrationPool) > 0 {
		s.logger.Info("arbitrators registered", "count", len(cfg.ArbitrationPool))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

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

// custodyCheck fails while any chain's circuit is open.
func (s *Server) custodyCheck(_ context.Context) error {
	for _, chain := range escrow.Chains() {
		if s.breaker.State(chain) == circuitbreaker.StateOpen {
			return fmt.Errorf("custody circuit open for %s", chain)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

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

	s.router.Use(security.HeadersMiddleware(security.HeaderOptions{HSTS: !s.cfg.IsDevelopment()}))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Load balancers may have assigned one already
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.health.Live)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", s.hub.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	escrowHandler := escrow.NewHandler(s.escrows, s.analytics)
	disputeHandler := dispute.NewHandler(s.disputes)
	authHandler := auth.NewHandler(s.authMgr)

	// Public reads
	escrowHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	fees.NewHandler(s.feeEngine).RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// Party-authenticated writes
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))
	protected.Use(s.rateLimiter.PartyMiddleware())
	escrowHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterRoutes(protected)

	// Operators
	ops := s.router.Group("/v1/admin")
	ops.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	disputeHandler.RegisterAdminRoutes(ops)
	authHandler.RegisterAdminRoutes(ops)
	admin.NewHandler().
		WithSweeper(s.escrowTimer).
		WithCircuits(s).
		RegisterRoutes(ops)
}

// Circuits reports the custody circuit state of every supported chain.
func (s *Server) Circuits() []admin.CircuitStatus {
	chains := escrow.Chains()
	out := make([]admin.CircuitStatus, 0, len(chains))
	for _, chain := range chains {
		out = append(out, admin.CircuitStatus{Chain: chain, State: s.breaker.State(chain).String()})
	}
	return out
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	breakers := make(map[string]string)
	for _, cs := range s.Circuits() {
		breakers[cs.Chain] = cs.State
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"env":        s.cfg.Env,
		"subsystems": statuses,
		"custody":    breakers,
		"realtime":   s.hub.Stats(),
		"timer":      gin.H{"running": s.escrowTimer.Running()},
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Ready(c)
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var workers errgroup.Group
	workers.Go(func() error {
		s.hub.Run(runCtx)
		return nil
	})
	workers.Go(func() error {
		s.escrowTimer.Start(runCtx)
		return nil
	})
	if s.db != nil {
		workers.Go(func() error {
			metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case err := <-errChan:
		runErr = fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	shutdownErr := s.Shutdown()
	_ = workers.Wait()
	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Drain in-flight notifications before closing their transports
	s.emitter.Wait()
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager exposes key issuance for bootstrap tooling and tests.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}
