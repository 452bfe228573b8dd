package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/admin"
	"github.com/dhawalhost/scimgate/internal/audit"
	"github.com/dhawalhost/scimgate/internal/auth"
	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/directory"
	"github.com/dhawalhost/scimgate/internal/provider"
	"github.com/dhawalhost/scimgate/internal/provider/scimhttp"
	"github.com/dhawalhost/scimgate/internal/provision"
	"github.com/dhawalhost/scimgate/internal/redact"
	syncpkg "github.com/dhawalhost/scimgate/internal/sync"
	"github.com/dhawalhost/scimgate/internal/transform"
	"github.com/dhawalhost/scimgate/pkg/database"
	"github.com/dhawalhost/scimgate/pkg/logger"
	"github.com/dhawalhost/scimgate/pkg/middleware"
	"github.com/dhawalhost/scimgate/pkg/observability"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Log)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing, log)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	} else {
		defer shutdownTracer(context.Background()) //nolint:errcheck
	}

	metrics := observability.NewMetrics()

	var (
		dirStore   directory.Store
		auditStore audit.Store
		ruleStore  transform.RuleStore
		syncStore  syncpkg.Store
	)
	if cfg.Server.MemoryStore {
		log.Info("Using in-memory stores")
		dirStore = directory.NewMemStore()
		auditStore = audit.NewMemStore()
		ruleStore = transform.NewMemStore()
		syncStore = syncpkg.NewMemStore()
	} else {
		db, err := database.NewConnection(cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		dirStore = directory.NewStore(db)
		auditStore = audit.NewStore(db)
		ruleStore = transform.NewStore(db)
		syncStore = syncpkg.NewStore(db)
	}

	redactor := redact.New(cfg.Audit.EnablePIIRedaction)
	pipeline := audit.NewPipeline(auditStore, redactor, metrics.AuditSinkErrors, cfg.Audit, log)
	defer pipeline.Close()

	jwks := auth.NewJWKSCache(cfg.Token.MetadataEndpoint, log)
	validator := auth.NewValidator(cfg.Token, jwks, log)

	ruleCache := transform.NewCache(ruleStore, cfg.Transform.CacheTTL)
	transformer := transform.NewEngine(ruleCache, cfg.Transform.ConflictStrategy, pipeline, log)

	registry := provider.NewRegistry()
	secrets := provider.EnvSecretStore{}
	for _, pc := range cfg.Providers {
		if pc.Retry.MaxRetries == 0 && pc.Retry.InitialDelay == 0 {
			pc.Retry = cfg.Retry
		}
		adapter, err := scimhttp.New(ctx, pc, secrets, metrics, log)
		if err != nil {
			log.Fatal("Failed to build provider adapter",
				zap.String("provider_id", pc.ProviderID),
				zap.Error(err))
		}
		for _, pair := range cfg.Sync.Pairs {
			if pair.ProviderID == pc.ProviderID {
				registry.Register(pair.TenantID, pair.ProviderID, adapter)
			}
		}
	}

	dirService := directory.NewService(dirStore, log)
	dirService.SetHooks(provision.NewPropagator(registry, transformer, log))
	scimHandler := directory.NewHTTPHandler(dirService, cfg.Server.BaseURL, log)

	syncEngine := syncpkg.NewEngine(dirStore, registry, transformer, syncStore, metrics, pipeline, log)
	adminHandler := admin.NewHTTPHandler(syncStore, syncEngine.Reconciler, log)
	auditHandler := audit.NewHTTPHandler(auditStore, log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.SecurityHeaders(),
		cors.Default(),
		otelgin.Middleware(cfg.Tracing.ServiceName),
		observability.PrometheusMiddleware(metrics),
		audit.Middleware(pipeline, log),
		middleware.BearerAuth(validator, cfg.Auth, log),
		middleware.TenantPath(),
		middleware.RateLimit(cfg.RateLimit, metrics.RateLimitRejected),
	)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))

	scimGroup := r.Group("/scim/v2")
	scimHandler.RegisterDiscovery(scimGroup)
	scimHandler.RegisterRoutes(scimGroup)

	// Tenant-scoped alias for callers configured with a per-tenant base URL.
	// TenantPath rejects a token whose tid differs from the URL tenant.
	scimHandler.RegisterRoutes(r.Group("/scim/v2/tenants/:tenantId"))

	apiGroup := r.Group("/api")
	auditHandler.RegisterRoutes(apiGroup)
	adminHandler.RegisterRoutes(apiGroup)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
