// Package server wires the escrow core together and exposes it over HTTP.
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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/bookvault/bookvault/internal/audit"
	"github.com/bookvault/bookvault/internal/circuitbreaker"
	"github.com/bookvault/bookvault/internal/config"
	"github.com/bookvault/bookvault/internal/custody"
	"github.com/bookvault/bookvault/internal/dispute"
	"github.com/bookvault/bookvault/internal/health"
	"github.com/bookvault/bookvault/internal/logging"
	"github.com/bookvault/bookvault/internal/metrics"
	"github.com/bookvault/bookvault/internal/money"
	"github.com/bookvault/bookvault/internal/notify"
	"github.com/bookvault/bookvault/internal/payments"
	"github.com/bookvault/bookvault/internal/ratelimit"
	"github.com/bookvault/bookvault/internal/recovery"
	"github.com/bookvault/bookvault/internal/refund"
	"github.com/bookvault/bookvault/internal/saga"
	"github.com/bookvault/bookvault/internal/scheduler"
	"github.com/bookvault/bookvault/internal/traces"
)

// Server is the HTTP server and the wiring root for all services.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db *sql.DB // nil when running on in-memory stores

	custodySvc   *custody.Service
	sagaSvc      *saga.Service
	disputeSvc   *dispute.Service
	orchestrator *recovery.Orchestrator
	ledger       *audit.Ledger
	auditStore   audit.Store
	gateway      payments.Gateway
	notifier     notify.Notifier
	breaker      *circuitbreaker.Breaker
	health       *health.Registry
	limiter      *ratelimit.Limiter

	tasks []*scheduler.Task

	router  *gin.Engine
	httpSrv *http.Server

	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGateway injects a payment gateway, overriding the config-driven
// choice. Tests use this to run the full stack against the fake.
func WithGateway(gw payments.Gateway) Option {
	return func(s *Server) { s.gateway = gw }
}

// WithNotifier injects a notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) { s.notifier = n }
}

// New creates a fully wired server.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, "json")
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	cipher, err := custody.NewRefCipher(cfg.PaymentRefKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to create payment reference cipher: %w", err)
	}

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		custodyStore custody.Store
		sagaStore    saga.Store
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		custodyStore = custody.NewPostgresStore(db)
		sagaStore = saga.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		s.auditStore = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		custodyStore = custody.NewMemoryStore()
		sagaStore = saga.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		s.auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Resource locks and rollback checkpoints are kept in memory: both
	// are scoped to in-flight sagas and rebuilt by the detection sweep
	// after a restart.
	lockStore := saga.NewMemoryLockStore()
	checkpoints := saga.NewMemoryCheckpointStore()

	// Audit ledger with optional file sink.
	ledgerOpts := []audit.Option{audit.WithFlushSize(cfg.AuditFlushSize)}
	if cfg.AuditDir != "" {
		sink, err := audit.NewFileSink(cfg.AuditDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit file sink: %w", err)
		}
		ledgerOpts = append(ledgerOpts, audit.WithFileSink(sink))
		s.logger.Info("audit file sink enabled", "dir", cfg.AuditDir)
	}
	s.ledger = audit.NewLedger(audit.NewSigner(cfg.AuditSecretBytes()), s.auditStore, s.logger, ledgerOpts...)

	// Payment gateway: Stripe when configured, deterministic fake otherwise.
	if s.gateway == nil {
		if cfg.StripeAPIKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.GatewayTimeout, s.logger)
			s.logger.Info("using Stripe payment gateway")
		} else {
			s.gateway = payments.NewFakeGateway()
			s.logger.Info("using fake payment gateway (no STRIPE_API_KEY set)")
		}
	}

	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})

	// Core services.
	s.custodySvc = custody.NewService(custodyStore, s.ledger, cipher, s.logger)
	s.sagaSvc = saga.NewService(sagaStore, lockStore, s.custodySvc, s.gateway, s.ledger, s.logger).
		WithNotifier(s.notifier).
		WithBreaker(s.breaker).
		WithCheckpoints(checkpoints, cipher)
	s.disputeSvc = dispute.NewService(disputeStore, s.custodySvc, s.ledger, s.notifier, s.logger)

	// Failure detection and recovery.
	s.health = health.NewRegistry()
	detector := recovery.NewDetector(recovery.DetectorDeps{
		SagaStore:    sagaStore,
		LockStore:    lockStore,
		CustodyStore: custodyStore,
		Health:       s.health,
		Logger:       s.logger,
	})
	rollbacker := recovery.NewRollbacker(checkpoints, cipher, s.custodySvc, s.gateway, lockStore, s.ledger, s.logger).
		WithSagas(sagaStore)
	s.orchestrator = recovery.NewOrchestrator(detector, s.sagaSvc, lockStore, rollbacker, s.health, s.ledger, s.logger)

	s.registerHealthCheckers()

	// Background loops.
	s.tasks = []*scheduler.Task{
		s.ledger.FlushTask(cfg.AuditFlushInterval),
		s.orchestrator.Task(cfg.DetectionInterval),
		s.disputeSvc.Task(time.Hour),
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.limiter = ratelimit.New(ratelimit.DefaultConfig(cfg.RateLimitRPS))

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) registerHealthCheckers() {
	s.health.Register("database", func(ctx context.Context) health.Status {
		st := health.Status{Name: "database", Healthy: true}
		if s.db == nil {
			st.Detail = "in-memory"
			return st
		}
		if err := s.db.PingContext(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	})

	s.health.Register("audit_store", func(ctx context.Context) health.Status {
		st := health.Status{Name: "audit_store", Healthy: true}
		if _, err := s.auditStore.Count(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		return st
	})

	// The gateway has no ping endpoint; breaker state is the best signal.
	s.health.Register("payment_gateway", func(ctx context.Context) health.Status {
		st := health.Status{Name: "payment_gateway", Healthy: true}
		for _, key := range []string{"authorize", "capture", "refund"} {
			switch s.breaker.State(key) {
			case circuitbreaker.StateOpen:
				st.Healthy = false
				st.Detail = "circuit open for " + key
				return st
			case circuitbreaker.StateHalfOpen:
				st.Degraded = true
				st.Detail = "circuit half-open for " + key
			}
		}
		return st
	})
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

	// Per-client throttling
	s.router.Use(s.limiter.Middleware())

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
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/healthz/live", s.livenessHandler)
	s.router.GET("/healthz/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	custody.NewHandler(s.custodySvc).RegisterRoutes(v1)
	saga.NewHandler(s.sagaSvc).RegisterRoutes(v1)
	dispute.NewHandler(s.disputeSvc).RegisterRoutes(v1)

	// Refund processing (calculator + custody + gateway)
	v1.POST("/refunds", s.processRefund)

	// Audit ledger reads
	v1.GET("/audit", s.queryAudit)
	v1.GET("/audit/export", s.exportAudit)
	v1.GET("/audit/verify", s.verifyAudit)
	v1.GET("/audit/metrics", s.auditMetrics)

	// Recovery introspection and operator actions
	v1.GET("/recovery/snapshots", s.recoverySnapshots)
	v1.POST("/recovery/sagas/:id/rollback", s.rollbackSaga)
}

// -----------------------------------------------------------------------------
// Refund handler
// -----------------------------------------------------------------------------

type refundRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
	RefundType    string `json:"refundType" binding:"required"`
	Reason        string `json:"reason"`
	DamageAmount  int64  `json:"damageAmount"`
	InitiatedBy   string `json:"initiatedBy" binding:"required"`
}

// processRefund handles POST /v1/refunds. It computes the allocation for
// the requested policy, refunds the captured funds at the gateway, and
// transitions the escrow account to refunded.
func (s *Server) processRefund(c *gin.Context) {
	ctx := c.Request.Context()

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rt := refund.Type(req.RefundType)
	if !rt.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_refund_type",
			"message": "refundType must be one of full, partial, security_only, damage_deduction",
		})
		return
	}

	acct, err := s.custodySvc.GetByTransaction(ctx, req.TransactionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow account for this transaction",
		})
		return
	}

	alloc, err := refund.Calculate(rt, refund.Amounts{
		RentalFee:   acct.RentalFee,
		Deposit:     acct.SecurityDeposit,
		PlatformFee: acct.PlatformFee,
	}, refund.Options{DamageAmount: money.Cents(req.DamageAmount)})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "calculation_failed",
			"message": err.Error(),
		})
		return
	}

	// Return the money at the processor before the custody record moves:
	// a failed gateway call must leave the account refundable.
	if alloc.RefundToBorrower > 0 {
		ref, err := s.custodySvc.DecryptPaymentReference(ctx, acct.ID, req.InitiatedBy)
		if err != nil {
			s.logger.Error("failed to decrypt payment reference", "account", acct.ID, "error", err)
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_status",
				"message": "Escrow account cannot be refunded in its current status",
			})
			return
		}

		gwCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		result, err := s.gateway.Refund(gwCtx, ref, alloc.RefundToBorrower)
		cancel()
		if err != nil {
			s.respondGatewayErr(c, err)
			return
		}
		s.logger.Info("gateway refund issued",
			"account", acct.ID,
			"reference", result.Reference,
			"amount", result.Amount.Format(),
		)
	}

	reason := req.Reason
	if reason == "" {
		reason = alloc.Description
	}
	if _, err := s.custodySvc.Refund(ctx, acct.ID, req.InitiatedBy, alloc.RefundToBorrower, reason); err != nil {
		switch {
		case errors.Is(err, custody.ErrAccountFrozen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "account_frozen",
				"message": "Escrow account is frozen pending a dispute",
			})
		case errors.Is(err, custody.ErrInvalidStatus), errors.Is(err, custody.ErrAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_status",
				"message": "Escrow account cannot be refunded in its current status",
			})
		default:
			s.logger.Error("refund failed after gateway call", "account", acct.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to record refund",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"amounts":          alloc,
		"description":      alloc.Description,
		"estimatedArrival": "5-10 business days",
	})
}

func (s *Server) respondGatewayErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, payments.ErrDeclined):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "refund_declined",
			"message": "The payment processor declined the refund",
		})
	case errors.Is(err, payments.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_unavailable",
			"message": "The payment processor is temporarily unavailable",
		})
	default:
		s.logger.Error("gateway refund failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment processor error",
		})
	}
}

// -----------------------------------------------------------------------------
// Audit handlers
// -----------------------------------------------------------------------------

// queryAudit handles GET /v1/audit with filter query params.
func (s *Server) queryAudit(c *gin.Context) {
	f, ok := s.parseAuditFilter(c)
	if !ok {
		return
	}

	entries, err := s.ledger.Query(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query audit log",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// exportAudit handles GET /v1/audit/export?format=json|csv|xml.
func (s *Server) exportAudit(c *gin.Context) {
	f, ok := s.parseAuditFilter(c)
	if !ok {
		return
	}

	entries, err := s.ledger.Query(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query audit log",
		})
		return
	}

	format := c.DefaultQuery("format", "json")
	filename := "audit-" + time.Now().UTC().Format("20060102T150405Z")

	switch format {
	case "json":
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.json"`)
		c.Header("Content-Type", "application/json")
		err = audit.ExportJSON(c.Writer, entries)
	case "csv":
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.csv"`)
		c.Header("Content-Type", "text/csv")
		err = audit.ExportCSV(c.Writer, entries)
	case "xml":
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.xml"`)
		c.Header("Content-Type", "application/xml")
		err = audit.ExportXML(c.Writer, entries)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_format",
			"message": "format must be json, csv, or xml",
		})
		return
	}
	if err != nil {
		// Headers are already written; all we can do is log.
		s.logger.Error("audit export failed", "format", format, "error", err)
	}
}

// verifyAudit handles GET /v1/audit/verify. It recomputes every stored
// signature and reports tampered entry IDs.
func (s *Server) verifyAudit(c *gin.Context) {
	tampered, err := s.ledger.VerifyIntegrity(c.Request.Context())
	if err != nil {
		s.logger.Error("audit integrity check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to verify audit log",
		})
		return
	}
	if len(tampered) > 0 {
		s.logger.Error("CRITICAL: audit log tampering detected", "entries", len(tampered))
	}

	c.JSON(http.StatusOK, gin.H{
		"intact":    len(tampered) == 0,
		"tampered":  tampered,
		"checkedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// auditMetrics handles GET /v1/audit/metrics.
func (s *Server) auditMetrics(c *gin.Context) {
	m, err := s.ledger.Metrics(c.Request.Context())
	if err != nil {
		s.logger.Error("audit metrics failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute audit metrics",
		})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) parseAuditFilter(c *gin.Context) (audit.Filter, bool) {
	f := audit.Filter{
		EntityType: c.Query("entityType"),
		EntityID:   c.Query("entityId"),
		Actor:      c.Query("actor"),
		Action:     c.Query("action"),
		Category:   audit.Category(c.Query("category")),
		Limit:      100,
	}

	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be an integer between 1 and 1000",
			})
			return f, false
		}
		f.Limit = n
	}

	for _, q := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		if v := c.Query(q.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_time",
					"message": q.name + " must be RFC3339",
				})
				return f, false
			}
			*q.dst = t
		}
	}

	return f, true
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

func (s *Server) recoverySnapshots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshots": s.orchestrator.Snapshots(),
	})
}

// rollbackSaga handles POST /v1/recovery/sagas/:id/rollback. It unwinds
// the saga's completed components from its latest checkpoint, running as
// a recovery plan so the result carries consistency verification.
func (s *Server) rollbackSaga(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.sagaSvc.Get(ctx, id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such saga",
		})
		return
	}

	plan := recovery.NewPlan("saga_rollback", []recovery.Phase{
		{
			Name:  "rollback",
			Order: 1,
			Actions: []recovery.Action{{
				Type:              recovery.ActionRollbackSagas,
				Target:            id,
				RollbackOnFailure: true,
			}},
		},
	}, []recovery.Criterion{
		{Name: "transactions_consistent", Weight: 0.6},
		{Name: "data_integrity", Weight: 0.4},
	})

	result, err := s.orchestrator.ExecutePlan(ctx, plan)
	if err != nil {
		s.logger.Error("saga rollback failed", "saga_id", id, "error", err)
		c.JSON(http.StatusConflict, gin.H{
			"error":   "rollback_failed",
			"message": err.Error(),
			"result":  result,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "BookVault",
		"description": "Escrow and payment recovery core for book rentals",
		"version":     "0.1.0",
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.health.CheckAll(ctx)

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background loops so Shutdown() can stop them.
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

	// Background loops: audit flush, detection sweep, dispute timeouts.
	for _, t := range s.tasks {
		go t.Start(runCtx)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	for _, t := range s.tasks {
		t.Stop()
	}
	s.limiter.Stop()

	// Flush buffered audit entries before the store closes.
	if err := s.ledger.Flush(ctx); err != nil {
		s.logger.Error("final audit flush failed", "error", err)
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
