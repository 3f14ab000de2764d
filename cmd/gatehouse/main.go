package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/certs"
	"github.com/gatehouse-sso/gatehouse/pkg/config"
	"github.com/gatehouse-sso/gatehouse/pkg/events"
	"github.com/gatehouse-sso/gatehouse/pkg/middleware"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/provision"
	"github.com/gatehouse-sso/gatehouse/pkg/scim"
	"github.com/gatehouse-sso/gatehouse/pkg/session"
	"github.com/gatehouse-sso/gatehouse/pkg/sso"
	"github.com/gatehouse-sso/gatehouse/pkg/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting gatehouse identity federation service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	conns, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Storage.PostgresURL,
		ReplicaURLs: cfg.Storage.PostgresReplicaURLs,
		MaxConns:    cfg.Storage.PostgresMaxConns,
		MinConns:    cfg.Storage.PostgresMinConns,
		Timeout:     cfg.Storage.PostgresTimeout,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	if err := postgres.Migrate(ctx, conns.Primary()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	conns.StartHealthCheckRoutine(ctx, 30*time.Second)

	redisClient, err := postgres.NewRedisClient(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	auditLogger := audit.NewDBLogger(conns.Primary(), logger, audit.DBLoggerOptions{})

	bus := events.NewBus(logger)
	dispatcher := events.NewDispatcher(logger)
	dispatcher.Attach(bus)
	dispatcher.StartRetryWorker(ctx, time.Minute)

	users := postgres.NewUserRepository(conns)
	groups := postgres.NewGroupRepository(conns)
	configStore := sso.NewConfigStore(postgres.NewConfigRepository(conns), logger)
	certManager := certs.NewManager(postgres.NewCertificateRepository(conns), cfg.SSO.CertGracePeriod, logger, metrics, bus)
	sessionManager := session.NewManager(postgres.NewSessionRepository(conns), logger, metrics, bus)
	provisioner := provision.NewEngine(users, auditLogger, logger, metrics)

	stateStore := postgres.NewRedisStateStore(redisClient)
	replayGuard := postgres.NewRedisReplayGuard(redisClient)

	samlProcessor := sso.NewSAMLProcessor(configStore, certManager, stateStore, replayGuard, cfg.SSO.BaseURL,
		sso.SAMLProcessorOptions{StateTTL: cfg.SSO.StateTTL}, logger, metrics)
	oidcProcessor := sso.NewOIDCProcessor(configStore, stateStore,
		sso.OIDCProcessorOptions{StateTTL: cfg.SSO.StateTTL}, logger, metrics)

	ssoHandler := sso.NewHandler(samlProcessor, oidcProcessor, configStore, certManager,
		provisioner, sessionManager, auditLogger, logger, metrics, cfg.SSO.SecureCookies)
	scimService := scim.NewService(users, groups, auditLogger, logger, "/scim/v2")
	scimHandler := scim.NewHandler(scimService, configStore, logger, metrics)

	router := mux.NewRouter()
	ssoHandler.RegisterRoutes(router)
	ssoHandler.RegisterAdminRoutes(router)
	scimHandler.RegisterRoutes(router)

	// Login endpoints are unauthenticated, so they get a per-IP limit
	// shared across instances through Redis.
	loginLimiter := middleware.NewRedisLimiter(redisClient, middleware.LoginRateLimitConfig(), "login")
	loginLimit := middleware.LimitPathPrefix("/sso/",
		middleware.RateLimit(loginLimiter, middleware.LoginRateLimitConfig(), middleware.ByClientIP, logger))

	var handler http.Handler = router
	if metrics != nil {
		handler = metrics.Middleware(handler)
	}
	handler = loginLimit(handler)
	if otelProviders != nil {
		handler = otelhttp.NewHandler(handler, "gatehouse")
	}
	handler = middleware.Recovery(logger)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(conns.Primary(), redisClient))
	if metrics != nil {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	scheduler := cron.New()
	cleanupSpec := "@every " + cfg.SSO.CleanupInterval.String()
	if _, err := scheduler.AddFunc(cleanupSpec, func() {
		defer observability.RecoverPanic(logger, "session cleanup")
		if n, err := sessionManager.CleanupExpired(ctx); err != nil {
			logger.WithError(err).Warn("Session cleanup failed")
		} else if n > 0 {
			logger.WithField("sessions", n).Debug("Removed expired sessions")
		}
	}); err != nil {
		log.Fatalf("Failed to schedule session cleanup: %v", err)
	}
	if _, err := scheduler.AddFunc(cleanupSpec, func() {
		defer observability.RecoverPanic(logger, "certificate sweep")
		if n, err := certManager.SweepExpired(ctx); err != nil {
			logger.WithError(err).Warn("Certificate sweep failed")
		} else if n > 0 {
			logger.WithField("certificates", n).Info("Retired expired certificates")
		}
	}); err != nil {
		log.Fatalf("Failed to schedule certificate sweep: %v", err)
	}
	scheduler.Start()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, server, healthServer)
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		<-scheduler.Stop().Done()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		dispatcher.StopRetryWorker()
		bus.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return auditLogger.Close()
	})
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return redisClient.Close()
	})
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		cancel()
		return conns.Close()
	})
	shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return observability.ShutdownOTel(shutdownCtx, otelProviders, logger)
	})

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
			os.Exit(1)
		}
	}()
	go func() {
		logger.WithField("addr", server.Addr).Info("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
}
