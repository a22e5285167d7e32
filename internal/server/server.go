// Package server wires the HTTP API, storage, and background jobs.
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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/keyforge/marketpay/internal/config"
	"github.com/keyforge/marketpay/internal/gateway"
	"github.com/keyforge/marketpay/internal/logging"
	"github.com/keyforge/marketpay/internal/metrics"
	"github.com/keyforge/marketpay/internal/notify"
	"github.com/keyforge/marketpay/internal/payout"
	"github.com/keyforge/marketpay/internal/ratelimit"
	"github.com/keyforge/marketpay/internal/refund"
	"github.com/keyforge/marketpay/internal/security"
	"github.com/keyforge/marketpay/internal/validation"
	"github.com/keyforge/marketpay/internal/wallet"
)

// Server wraps the HTTP server and dependencies.
type Server struct {
	cfg *config.Config

	ledger        *wallet.Ledger
	refundService *refund.Service
	refundSweeper *refund.Sweeper
	payoutService *payout.Service
	payoutTimer   *payout.Timer

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		walletStore wallet.Store
		refundStore refund.Store
		payoutStore payout.Store
		orderStore  refund.OrderStore
		keyStore    refund.LicenseKeyStore
		sellerStore payout.SellerStore
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

		walletStore = wallet.NewPostgresStore(db, cfg.Currency)
		refundStore = refund.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		orderStore = refund.NewPostgresOrderStore(db)
		keyStore = refund.NewPostgresLicenseKeyStore(db)
		sellerStore = payout.NewPostgresSellerStore(db)
		s.logger.Info("using PostgreSQL storage")
	} else {
		walletStore = wallet.NewMemoryStore(cfg.Currency)
		refundStore = refund.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		orderStore = refund.NewMemoryOrderStore()
		keyStore = refund.NewMemoryLicenseKeyStore()
		sellerStore = payout.NewMemorySellerStore()
		s.logger.Warn("using in-memory storage, data will not persist")
	}

	var provider gateway.Provider
	if cfg.StripeAPIKey != "" {
		provider = gateway.NewStripeProvider(cfg.StripeAPIKey, cfg.GatewayTimeout)
		s.logger.Info("payment gateway configured")
	} else if cfg.IsDevelopment() {
		provider = gateway.NewFake()
		s.logger.Warn("no gateway key set, using fake payment provider")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_WEBHOOK_URL: %w", err)
		}
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, s.logger)
	}

	s.ledger = wallet.New(walletStore, cfg.Currency, s.logger)

	s.refundService = refund.NewService(refundStore, orderStore, keyStore, s.ledger,
		refund.Policy{
			RefundWindow:        time.Duration(cfg.RefundWindowDays) * 24 * time.Hour,
			SellerReviewTimeout: time.Duration(cfg.SellerReviewHours) * time.Hour,
		}, s.logger).
		WithNotifier(notifier)
	if provider != nil {
		s.refundService.WithProvider(provider)
	}
	s.refundSweeper = refund.NewSweeper(s.refundService, cfg.SweepInterval, s.logger)

	s.payoutService = payout.NewService(payoutStore, sellerStore, s.ledger,
		payout.Policy{
			HoldPeriod:     time.Duration(cfg.PayoutHoldDays) * 24 * time.Hour,
			MaxAttempts:    cfg.PayoutMaxAttempts,
			CommissionRate: cfg.CommissionRate,
			HandlingFee:    cfg.HandlingFee,
			Currency:       cfg.Currency,
		}, s.logger).
		WithNotifier(notifier)
	if provider != nil {
		s.payoutService.WithProvider(provider)
	}
	s.payoutTimer = payout.NewTimer(s.payoutService, cfg.PayoutInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
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

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

// adminAuthMiddleware gates /v1/admin routes behind a shared secret header.
// Development without a secret leaves the routes open for local testing;
// config.Validate guarantees the secret exists in production.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" && s.cfg.IsDevelopment() {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or missing admin credentials",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	walletHandler := wallet.NewHandler(s.ledger)
	refundHandler := refund.NewHandler(s.refundService, s.refundSweeper)
	payoutHandler := payout.NewHandler(s.payoutService)

	v1 := s.router.Group("/v1")
	walletHandler.RegisterRoutes(v1)
	refundHandler.RegisterRoutes(v1)
	payoutHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	refundHandler.RegisterAdminRoutes(admin)
	payoutHandler.RegisterAdminRoutes(admin)
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	dbStatus := "not_configured"
	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			status = "degraded"
			dbStatus = "unreachable"
		} else {
			dbStatus = "connected"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":           status,
		"database":         dbStatus,
		"refund_sweeper":   s.refundSweeper.Running(),
		"payout_scheduler": s.payoutTimer.Running(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server with graceful shutdown.
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

	go s.refundSweeper.Start(runCtx)
	go s.payoutTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

// Shutdown gracefully stops the server.
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

	s.refundSweeper.Stop()
	s.payoutTimer.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
