package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/identity"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
	"github.com/platinummonkey/warden/pkg/sso"
	"github.com/platinummonkey/warden/pkg/storage/postgres"
)

const maxRequestBytes = 4 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("warden stopped with error")
		os.Exit(1)
	}
	logger.Info("warden stopped")
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := observability.ShutdownOTel(shutdownCtx, otelProviders, logger); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown failed")
		}
	}()

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("database ready")

	redisClient, err := postgres.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		logger.Info("redis ready")
	} else {
		logger.Warn("redis not configured, handshakes and permission cache stay in process")
	}

	auditLogger := audit.NewMultiLogger(audit.NewStructuredLogger(logger))

	users := identity.NewSQLStore(db)
	resolver := identity.NewResolver(users, cfg.Auth.DefaultRole, logger, metrics)
	tokens := auth.NewTokenService(auth.TokenConfig{
		Secret:     []byte(cfg.Auth.JWTSecret),
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
	}, auth.NewSQLRefreshStore(db), users)

	engine, watcher, err := buildRBAC(cfg, db, redisClient, users, logger, metrics)
	if err != nil {
		return err
	}

	var memoryHandshakes *sso.MemoryHandshakeStore
	var handshakes sso.HandshakeStore
	if redisClient != nil {
		handshakes = sso.NewRedisHandshakeStore(redisClient)
	} else {
		memoryHandshakes = sso.NewMemoryHandshakeStore()
		handshakes = memoryHandshakes
	}
	providerClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.SSO.ProviderTimeout,
	}
	discovery := sso.NewDiscoveryCache(cfg.SSO.DiscoveryCacheSize, cfg.SSO.DiscoveryCacheTTL, providerClient, cfg.SSO.ProviderTimeout, metrics)
	dispatcher := sso.NewDispatcher(sso.Options{
		Handshakes:   handshakes,
		HandshakeTTL: cfg.SSO.HandshakeTTL,
		Timeout:      cfg.SSO.ProviderTimeout,
		HTTPClient:   providerClient,
		Logger:       logger,
		Metrics:      metrics,
	}, discovery)
	ssoService := sso.NewService(sso.NewSQLRegistry(db, dispatcher), dispatcher, discovery, auditLogger, logger, metrics)

	authMW := middleware.NewAuthMiddleware(tokens, false)
	permissions := rbac.NewPermissionMiddleware(engine, auditLogger)
	guard := func(perm string) mux.MiddlewareFunc {
		require := permissions.RequirePermission(perm)
		return func(next http.Handler) http.Handler {
			return authMW.Handler(require(next))
		}
	}

	var limiter *middleware.RateLimitMiddleware
	var flowGuard mux.MiddlewareFunc
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimitMiddleware(&middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			WindowDuration:    cfg.RateLimit.Window,
			BurstSize:         cfg.RateLimit.RequestsPerWindow,
		}, redisClient, metrics, logger)
		flowGuard = limiter.Handler
	}

	router := mux.NewRouter()
	sso.NewHandlers(ssoService, resolver, tokens, sso.CookieConfig{
		Name:   cfg.SSO.SessionCookieName,
		Secure: cfg.SSO.SecureCookies,
	}, auditLogger, metrics).RegisterRoutes(router, sso.RouteGuards{
		Admin: guard(rbac.PermissionManageSSO),
		Flow:  flowGuard,
	})
	rbac.NewHandlers(engine, auditLogger).RegisterRoutes(router, guard(rbac.PermissionManageRoles))
	auth.NewHandlers(tokens).RegisterRoutes(router, flowGuard)
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(handler, "warden"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthRouter, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	scheduler, err := scheduleMaintenance(cfg, tokens, memoryHandshakes, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	if limiter != nil {
		g.Go(func() error {
			limiter.StartCleanup(gctx)
			return nil
		})
	}
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(server.Shutdown(shutdownCtx), healthServer.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// buildRBAC wires the permission engine. The watcher is nil unless the base
// role file is watched for changes.
func buildRBAC(cfg *config.Config, db *sql.DB, redisClient *redis.Client, users auth.UserGetter, logger *observability.Logger, metrics *observability.Metrics) (*rbac.Engine, *rbac.BaseRoleWatcher, error) {
	roles := rbac.DefaultBaseRoles()
	if cfg.RBAC.RolesFile != "" {
		loaded, err := rbac.LoadBaseRoles(cfg.RBAC.RolesFile)
		if err != nil {
			return nil, nil, err
		}
		roles = loaded
	}
	baseRoles, err := rbac.NewBaseRoleTable(roles)
	if err != nil {
		return nil, nil, err
	}

	var cache rbac.CacheStore
	if cfg.RBAC.CacheEnabled {
		if redisClient != nil {
			cache = rbac.NewRedisCacheStore(redisClient, 0)
		} else {
			cache = rbac.NewMemoryCacheStore(0)
		}
	}

	store := rbac.NewSQLStore(db)
	bus := rbac.NewEventBus()
	if cache != nil {
		bus.Subscribe(rbac.NewCacheInvalidator(store, cache, logger, metrics).Handle)
	}
	engine := rbac.NewEngine(rbac.EngineConfig{
		Store:     store,
		BaseRoles: baseRoles,
		Users:     users,
		Cache:     cache,
		Bus:       bus,
		Logger:    logger,
		Metrics:   metrics,
	})

	var watcher *rbac.BaseRoleWatcher
	if cfg.RBAC.RolesFile != "" && cfg.RBAC.WatchRoles {
		watcher = rbac.NewBaseRoleWatcher(cfg.RBAC.RolesFile, baseRoles, bus, logger)
	}
	return engine, watcher, nil
}

// scheduleMaintenance registers the purge jobs. memoryHandshakes is nil when
// Redis expires handshakes itself.
func scheduleMaintenance(cfg *config.Config, tokens *auth.TokenService, memoryHandshakes *sso.MemoryHandshakeStore, logger *observability.Logger) (*cron.Cron, error) {
	c := cron.New()

	if memoryHandshakes != nil {
		_, err := c.AddFunc(cfg.Maintenance.HandshakePurgeSchedule, func() {
			defer observability.RecoverPanic(logger, "handshake_purge")
			if n := memoryHandshakes.PurgeExpired(time.Now()); n > 0 {
				logger.WithField("purged", n).Info("expired handshakes purged")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule handshake purge: %w", err)
		}
	}

	_, err := c.AddFunc(cfg.Maintenance.RefreshTokenPurgeSchedule, func() {
		defer observability.RecoverPanic(logger, "refresh_token_purge")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := tokens.PurgeExpiredRefreshTokens(ctx)
		if err != nil {
			logger.WithError(err).Error("refresh token purge failed")
			return
		}
		if n > 0 {
			logger.WithField("purged", n).Info("expired refresh tokens purged")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule refresh token purge: %w", err)
	}

	return c, nil
}
