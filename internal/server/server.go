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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/tenantfleet/internal/auth"
	"github.com/mbd888/tenantfleet/internal/billing"
	"github.com/mbd888/tenantfleet/internal/circuitbreaker"
	"github.com/mbd888/tenantfleet/internal/config"
	"github.com/mbd888/tenantfleet/internal/events"
	"github.com/mbd888/tenantfleet/internal/health"
	"github.com/mbd888/tenantfleet/internal/instance"
	"github.com/mbd888/tenantfleet/internal/lifecycle"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/logging"
	"github.com/mbd888/tenantfleet/internal/metrics"
	"github.com/mbd888/tenantfleet/internal/naming"
	"github.com/mbd888/tenantfleet/internal/orchestrator"
	"github.com/mbd888/tenantfleet/internal/orchestrator/kube"
	"github.com/mbd888/tenantfleet/internal/ratelimit"
	"github.com/mbd888/tenantfleet/internal/realtime"
	"github.com/mbd888/tenantfleet/internal/security"
	"github.com/mbd888/tenantfleet/internal/tenant"
	"github.com/mbd888/tenantfleet/internal/traces"
	"github.com/mbd888/tenantfleet/internal/validation"
)

// Version is reported by the health endpoint and trace resource. Release
// builds override it from cmd/server.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	platform     orchestrator.Client
	instances    instance.Store
	tenants      *tenant.Service
	driver       *lifecycle.Driver
	dispatcher   *lifecycle.Dispatcher
	reconciler   *lifecycle.Reconciler
	authMgr      *auth.Manager
	realtimeHub  *realtime.Hub
	kafka        *events.KafkaPublisher
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
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

// WithPlatform sets the orchestration platform (for testing). It takes
// precedence over cfg.Platform.
func WithPlatform(p orchestrator.Client) Option {
	return func(s *Server) {
		s.platform = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set platform/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "tenantfleet",
		Version:     Version,
		SampleRatio: cfg.OTELSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	policy := limits.DefaultPolicy()
	if cfg.LimitsFile != "" {
		policy, err = limits.LoadPolicy(cfg.LimitsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load tier limits: %w", err)
		}
		s.logger.Info("tier limits loaded", "file", cfg.LimitsFile)
	}

	allocator, err := naming.NewAllocator(cfg.BaseDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid base domain: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var tenantStore tenant.Store
	var authStore auth.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.instances = instance.NewPostgresStore(db)
		tenantStore = tenant.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.health.Register("database", health.PingChecker("database", 3*time.Second, db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.instances = instance.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	if s.platform == nil {
		if s.platform, err = s.connectPlatform(); err != nil {
			return nil, err
		}
	}
	breaker := circuitbreaker.New(5, 30*time.Second)
	s.platform = orchestrator.Instrument(s.platform, orchestrator.InstrumentOptions{
		Timeouts: orchestrator.DefaultTimeouts(),
		Breaker:  breaker,
	})
	s.health.Register("platform", health.PingChecker("platform", 5*time.Second, s.platform.Ping))
	s.health.RegisterOptional("platform_circuits", circuitChecker(breaker))

	// Events go to WebSocket subscribers and, when configured, Kafka
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"),
		realtime.WithAllowedOrigins(cfg.CORSOrigins))
	fanout := events.NewFanout(s.logger).Add("realtime", s.realtimeHub)
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka, err = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, logging.Component(s.logger, "kafka"))
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		fanout.Add("kafka", s.kafka)
		s.health.RegisterOptional("kafka", health.PingChecker("kafka", 3*time.Second, s.kafka.Ping))
		s.logger.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.tenants = tenant.NewService(tenantStore, policy,
		tenant.WithDeleteGrace(cfg.AccountDeleteGrace),
		tenant.WithCancelHook(s.deprovisionCancelled),
		tenant.WithLogger(s.logger),
	)

	s.driver = lifecycle.NewDriver(s.instances, s.platform, s.tenants, allocator).
		WithPolicy(policy).
		WithPublisher(fanout).
		WithImage(cfg.AppImage).
		WithBudget(cfg.ProvisionBudget).
		WithLogger(s.logger)
	s.dispatcher = lifecycle.NewDispatcher(s.driver, cfg.Workers, cfg.QueueSize, logging.Component(s.logger, "dispatcher"))
	s.reconciler = lifecycle.NewReconciler(s.instances, s.dispatcher, cfg.ReconcileInterval, cfg.ReconcileGrace, logging.Component(s.logger, "reconciler"))

	s.authMgr = auth.NewManager(authStore)
	if cfg.AdminSecret == "" && cfg.IsDevelopment() {
		s.issueDevKey(ctx)
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

func (s *Server) connectPlatform() (orchestrator.Client, error) {
	switch s.cfg.Platform {
	case "kubernetes":
		client, err := kube.Connect(s.cfg.KubeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to kubernetes: %w", err)
		}
		s.logger.Info("using kubernetes platform", "namespace", s.cfg.KubeNamespace)
		return kube.New(client, kube.Config{
			Namespace:     s.cfg.KubeNamespace,
			AppImage:      s.cfg.AppImage,
			DatabaseImage: s.cfg.DatabaseImage,
			CacheImage:    s.cfg.CacheImage,
			StorageClass:  s.cfg.StorageClass,
			StorageGB:     s.cfg.StorageGB,
			IngressClass:  s.cfg.IngressClass,
			TLSSecret:     s.cfg.TLSSecret,
		}), nil
	default:
		s.logger.Warn("using in-memory platform, no real resources are created")
		return orchestrator.NewMemoryPlatform(), nil
	}
}

// issueDevKey prints a throwaway operator key so a local server is usable
// without an admin secret.
func (s *Server) issueDevKey(ctx context.Context) {
	raw, _, err := s.authMgr.GenerateKey(ctx, "dev", "development", 0)
	if err != nil {
		s.logger.Warn("failed to issue development key", "error", err)
		return
	}
	s.logger.Info("development API key issued", "operator", "dev", "api_key", raw)
}

// deprovisionCancelled tears down whatever a cancelled subscription still
// occupies. Instances mid-flight are left to finish; the reconciler and a
// later billing retry catch them.
func (s *Server) deprovisionCancelled(ctx context.Context, sub *tenant.Subscription) {
	log := logging.L(ctx).With("subscription_id", sub.ID)
	active, err := s.instances.ListActiveForSubscription(ctx, sub.ID)
	if err != nil {
		log.Error("failed to list instances of cancelled subscription", "error", err)
		return
	}
	for _, inst := range active {
		if _, err := s.driver.BeginDeprovision(ctx, inst.ID); err != nil {
			log.Warn("cannot deprovision instance yet", "instance_id", inst.ID, "status", inst.Status, "error", err)
			continue
		}
		if err := s.dispatcher.Submit(lifecycle.Job{Op: lifecycle.OpResume, InstanceID: inst.ID}); err != nil {
			log.Warn("deprovision deferred to reconciler", "instance_id", inst.ID, "error", err)
		}
	}
}

// circuitChecker reports platform operations whose circuit is open. It never
// degrades the service on its own; the platform ping covers reachability.
func circuitChecker(b *circuitbreaker.Breaker) health.Checker {
	return func(context.Context) health.Status {
		open := b.OpenKeys()
		if len(open) == 0 {
			return health.Status{Healthy: true}
		}
		return health.Status{Detail: "open circuits: " + strings.Join(open, ", ")}
	}
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

	s.router.Use(traces.Middleware("tenantfleet"))
	s.router.Use(security.HeadersMiddleware(security.Options{HSTS: s.cfg.IsProduction()}))

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	s.router.Use(validation.LimitBody(validation.MaxBodyBytes))
	s.router.Use(security.RequireJSON())

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.Burst = max(rl.Burst, s.cfg.RateLimitRPM/6)
	}
	rl.Exempt = []string{"/health", "/metrics"}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

	v1 := s.router.Group("/v1")
	authn := auth.Middleware(s.authMgr)

	// Billing webhooks carry their own signature
	if s.cfg.StripeWebhookSecret != "" {
		billing.NewHandler(s.tenants, s.cfg.StripeWebhookSecret, logging.Component(s.logger, "billing")).RegisterRoutes(v1)
	} else {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, billing webhooks disabled")
	}

	authHandler := auth.NewHandler(s.authMgr)

	admin := v1.Group("")
	admin.Use(authn, auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(admin)

	operator := v1.Group("")
	operator.Use(authn, auth.RequireAuth())
	authHandler.RegisterRoutes(operator)
	lifecycle.NewHandler(s.driver, s.dispatcher).RegisterAdminRoutes(operator)
	tenant.NewHandler(s.tenants).RegisterAdminRoutes(operator)
	operator.GET("/events/ws", func(c *gin.Context) {
		s.realtimeHub.Serve(c.Writer, c.Request, auth.GetOperator(c))
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version"`
	Checks     []health.Status `json:"checks,omitempty"`
	Dispatcher gin.H           `json:"dispatcher"`
	Realtime   realtime.Stats  `json:"realtime"`
	Timestamp  string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:  status,
		Version: Version,
		Checks:  checks,
		Dispatcher: gin.H{
			"running":    s.dispatcher.Running(),
			"pending":    s.dispatcher.Pending(),
			"reconciler": s.reconciler.Running(),
		},
		Realtime:  s.realtimeHub.Stats(),
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"platform", s.cfg.Platform,
			"base_domain", s.cfg.BaseDomain,
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.stopBackground()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, the worker pool and the reconciler.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.dispatcher.Start(ctx)
	go s.reconciler.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// stopBackground stops the reconciler before the workers so no job is
// submitted to a stopped pool.
func (s *Server) stopBackground() {
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reconciler.Stop()
	s.dispatcher.Stop()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.stopBackground()
	s.logger.Info("lifecycle workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

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
