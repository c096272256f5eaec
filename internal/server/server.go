// Package server wires the accounts, ledger, webhooks, and compliance
// services into a gin HTTP server, choosing a Postgres-backed or in-memory
// run mode based on configuration.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/a2a-settlement/exchange/internal/accounts"
	"github.com/a2a-settlement/exchange/internal/apierror"
	"github.com/a2a-settlement/exchange/internal/compliance"
	"github.com/a2a-settlement/exchange/internal/compliance/tsa"
	"github.com/a2a-settlement/exchange/internal/config"
	"github.com/a2a-settlement/exchange/internal/health"
	"github.com/a2a-settlement/exchange/internal/idempotency"
	"github.com/a2a-settlement/exchange/internal/idgen"
	"github.com/a2a-settlement/exchange/internal/ledger"
	"github.com/a2a-settlement/exchange/internal/metrics"
	"github.com/a2a-settlement/exchange/internal/ratelimit"
	"github.com/a2a-settlement/exchange/internal/webhooks"
)

// Server bundles the running HTTP server and the background observer loop
// it depends on, so main can start and stop both together.
type Server struct {
	httpServer *http.Server
	observer   *ledger.Observer
	db         *sql.DB
	logger     *slog.Logger
}

// New builds the full dependency graph and returns a Server ready to Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	registry := health.NewRegistry()

	var (
		accountStore accounts.Store
		ledgerStore  ledger.Store
		idemStore    idempotency.Store
		db           *sql.DB
	)

	if cfg.DatabaseURL != "" {
		var err error
		db, err = openDB(cfg)
		if err != nil {
			return nil, fmt.Errorf("server: open database: %w", err)
		}

		accountsPG := accounts.NewPostgresStore(db)
		ledgerPG := ledger.NewPostgresStore(db)
		idemPG := idempotency.NewPostgresStore(db)

		if err := accountsPG.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("server: migrate accounts: %w", err)
		}
		if err := ledgerPG.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("server: migrate ledger: %w", err)
		}
		if err := idemPG.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("server: migrate idempotency: %w", err)
		}

		accountStore, ledgerStore, idemStore = accountsPG, ledgerPG, idemPG

		registry.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		logger.Warn("DATABASE_URL not set, running with in-memory stores; state does not survive a restart")
		memAccounts := accounts.NewMemoryStore()
		accountStore = memAccounts
		ledgerStore = ledger.NewMemoryStore(memAccounts)
		idemStore = idempotency.NewMemoryStore()
	}

	// The daily cap is a backstop well above the steady hourly rate, since
	// configuration only names a per-hour registration limit.
	regLimiter := accounts.NewRegistrationLimiter(cfg.RegistrationLimitPerIPHour, cfg.RegistrationLimitPerIPHour*10)
	accountSvc := accounts.NewService(accountStore, accounts.Config{
		KeyRotationGraceMinutes: cfg.KeyRotationGraceMinutes,
		SignatureMaxAgeSeconds:  cfg.SignatureMaxAgeSeconds,
		StarterTokens:           cfg.StarterTokens,
	}, logger, regLimiter)
	accountHandler := accounts.NewHandler(accountSvc)

	dispatcher := webhooks.NewDispatcher(accountStoreSubscriber{accountStore}, cfg.WebhookTimeout, cfg.WebhookMaxRetries, logger)

	var complianceSvc *compliance.Service
	if pgStore, ok := ledgerComplianceBacking(ledgerStore, db); ok {
		var tsaClient compliance.TSAClient
		if cfg.TSAEndpoint != "" {
			tsaClient = compliance.NewTSAClient(tsa.NewClient(cfg.TSAEndpoint, 10*time.Second))
		}
		complianceSvc = compliance.NewService(pgStore, pgStore, pgStore, tsaClient, logger)
		if err := pgStore.Migrate(context.Background()); err != nil {
			return nil, fmt.Errorf("server: migrate compliance: %w", err)
		}
	}

	feeCfg := ledger.FeeConfig{FeePercent: cfg.FeePercent, MinFee: cfg.MinFee}
	limits := ledger.Limits{
		MinEscrow:           cfg.MinEscrowAmount,
		MaxEscrow:           cfg.MaxEscrowAmount,
		DefaultTTL:          time.Duration(cfg.DefaultTTLMinutes) * time.Minute,
		DisputeTTL:          time.Duration(cfg.DisputeTTLMinutes) * time.Minute,
		ExpiryWarningWindow: time.Duration(cfg.ExpiryWarningMinutes) * time.Minute,
		SpendingWindowHours: cfg.SpendingWindowHours,
		HourlyVelocityLimit: cfg.HourlyVelocityLimit,
		SpendFreezeMinutes:  cfg.SpendingFreezeMinutes,
	}

	var complianceRecorder ledger.ComplianceRecorder
	if complianceSvc != nil {
		complianceRecorder = complianceSvc
	}
	ledgerSvc := ledger.NewService(ledgerStore, feeCfg, limits, dispatcher, complianceRecorder, logger)
	observer := ledger.NewObserver(ledgerSvc, time.Duration(cfg.ExpiryIntervalSeconds)*time.Second, logger)
	ledgerHandler := ledger.NewHandler(ledgerSvc, observer, accountSvc, idemStore)

	router := newRouter(cfg, logger, registry, accountSvc, accountHandler, ledgerSvc, ledgerHandler)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{httpServer: httpServer, observer: observer, db: db, logger: logger}, nil
}

// Run starts the background observer and blocks serving HTTP until ctx is
// canceled, then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	observerCtx, cancelObserver := context.WithCancel(context.Background())
	go s.observer.Start(observerCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(observerCtx, s.db, 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancelObserver()
		return err
	}

	cancelObserver()
	s.observer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func newRouter(
	cfg *config.Config,
	logger *slog.Logger,
	registry *health.Registry,
	accountSvc *accounts.Service,
	accountHandler *accounts.Handler,
	ledgerSvc *ledger.Service,
	ledgerHandler *ledger.Handler,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestIDMiddleware(), metrics.Middleware())

	publicLimiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.PublicRPM,
		BurstSize:         cfg.PublicRPM / 4,
		CleanupInterval:   time.Minute,
	})
	router.Use(publicLimiter.Middleware())

	authLimiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.AuthenticatedRPM,
		BurstSize:         cfg.AuthenticatedRPM / 4,
		CleanupInterval:   time.Minute,
	})
	authenticatedRPM := func(string) int { return cfg.AuthenticatedRPM }

	router.GET("/health", func(c *gin.Context) {
		healthy, statuses := registry.CheckAll(c.Request.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"healthy": healthy, "checks": statuses})
	})
	router.GET("/metrics", metrics.Handler())

	for _, prefix := range []string{"/v1", "/api/v1"} {
		api := router.Group(prefix)

		accountHandler.RegisterRoutes(api)
		ledgerStatsHandler := func(c *gin.Context) {
			netStats, err := ledgerSvc.NetworkStats(c.Request.Context())
			if err != nil {
				apierror.Write(c, err)
				return
			}
			acctStats, err := accountSvc.Stats(c.Request.Context())
			if err != nil {
				apierror.Write(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"ledger": netStats, "accounts": acctStats})
		}
		api.GET("/stats", ledgerStatsHandler)

		protected := api.Group("")
		protected.Use(accounts.RequireAuth(accountSvc), authenticatedTenantKey(), authLimiter.TenantMiddleware(tenantContextKey, authenticatedRPM))
		accountHandler.RegisterProtectedRoutes(protected)
		ledgerHandler.RegisterProtectedRoutes(protected)
	}

	return router
}

const tenantContextKey = "tenant_id"

// authenticatedTenantKey copies the authenticated account id into the
// context key ratelimit.TenantMiddleware reads, so every authenticated
// caller gets its own per-minute budget instead of sharing the IP bucket.
func authenticatedTenantKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if account, ok := accounts.GetAuthenticatedAccount(c); ok {
			c.Set(tenantContextKey, account.ID)
		}
		c.Next()
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = idgen.New()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DBConnectTimeout)*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ledgerComplianceBacking returns the compliance-capable Postgres store
// backing the ledger, when one exists. Compliance attestations require
// durable storage; the in-memory run mode carries no compliance log.
func ledgerComplianceBacking(store ledger.Store, db *sql.DB) (*compliance.PostgresStore, bool) {
	if db == nil {
		return nil, false
	}
	if _, ok := store.(*ledger.PostgresStore); !ok {
		return nil, false
	}
	return compliance.NewPostgresStore(db), true
}

// accountStoreSubscriber adapts accounts.Store to webhooks.Subscriber.
type accountStoreSubscriber struct {
	store accounts.Store
}

func (a accountStoreSubscriber) WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*accounts.WebhookConfig, error) {
	return a.store.WebhooksSubscribedTo(ctx, accountIDs, event)
}
