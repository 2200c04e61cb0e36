// Package api assembles the HTTP surface: routers, middleware chain and the
// paired application/health servers.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/plazahq/plaza/pkg/access"
	"github.com/plazahq/plaza/pkg/audit"
	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/internalauth"
	"github.com/plazahq/plaza/pkg/janitor"
	"github.com/plazahq/plaza/pkg/middleware"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/oidc"
	"github.com/plazahq/plaza/pkg/rbac"
	"github.com/plazahq/plaza/pkg/requestctx"
	"github.com/plazahq/plaza/pkg/session"
)

// Server is the assembled application.
type Server struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	httpServer   *http.Server
	healthServer *http.Server
	janitor      *janitor.Janitor

	rbacStore    *rbac.Store
	sessionStore *session.Store
	oidcStore    *oidc.Store
}

// New builds the full service: stores, middleware chain, route table and the
// two HTTP servers. The redis client may be nil (cache disabled).
func New(cfg *config.Config, db *sql.DB, redisClient *redis.Client, logger *observability.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	env := cfg.Environment

	verifier := internalauth.NewVerifier(env.InternalSecret)
	resolver := requestctx.NewResolver(env, metrics)
	chain := middleware.NewChain(env, verifier, resolver, metrics, logger)

	decisionCache, err := access.NewDecisionCache(redisClient, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}
	accessClient := access.NewClient(env, decisionCache, metrics, logger)

	rbacStore := rbac.NewStore(db)
	evaluator := rbac.NewEvaluator(rbacStore)
	auditStore := audit.NewStore(db)
	rbacHandlers := rbac.NewHandlers(rbacStore, evaluator, auditStore, logger)

	sessionStore := session.NewStore(db)
	issuer := session.NewIssuer(sessionStore, cfg.Session, metrics, logger)
	tokenAuth, err := session.NewTokenAuth(sessionStore, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create session token middleware: %w", err)
	}
	sessionHandlers := session.NewHandlers(issuer, tokenAuth, logger)

	oidcStore := oidc.NewStore(db)

	router := mux.NewRouter()

	// relying-party-facing surface, no internal signature
	publicRouter := router.NewRoute().Subrouter()

	// everything under /v1 is service-to-service and signature-guarded
	internalRouter := router.PathPrefix("/v1").Subrouter()
	internalRouter.Use(chain.InternalCall)
	internalRouter.Use(tokenAuth.Middleware)

	rbacHandlers.RegisterRoutes(internalRouter)
	sessionHandlers.RegisterRoutes(internalRouter)

	sweepers := map[string]janitor.Sweeper{
		"session": sessionStore,
		"oidc":    oidcStore,
	}

	// the provider cannot issue ID tokens without a signing key; in dev the
	// OIDC surface is simply not mounted
	if cfg.OIDC.SigningKeyPEM != "" {
		signer, err := oidc.NewSigner(cfg.OIDC)
		if err != nil {
			return nil, err
		}
		engine := oidc.NewEngine(oidcStore, signer, cfg.OIDC, nil, metrics, logger)
		oidcHandlers := oidc.NewHandlers(engine, signer, logger)

		oidcInternal := internalRouter.NewRoute().Subrouter()
		oidcInternal.Use(chain.RequirePermission(accessClient, "identity.profile.view", string(rbac.ScopeTenant), ""))
		oidcHandlers.RegisterInternalRoutes(oidcInternal)
		oidcHandlers.RegisterPublicRoutes(publicRouter)
	} else if !env.DevAuthMode {
		return nil, fmt.Errorf("PLAZA_OIDC_SIGNING_KEY is required outside dev auth mode")
	} else {
		logger.Warn("OIDC signing key not configured; provider endpoints disabled")
	}

	var handler http.Handler = router
	handler = metrics.HTTPMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "plaza.http")

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	return &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		httpServer:   httpServer,
		healthServer: healthServer,
		janitor:      janitor.New(sweepers, logger),
		rbacStore:    rbacStore,
		sessionStore: sessionStore,
		oidcStore:    oidcStore,
	}, nil
}

// Migrate applies every package's pending migrations.
func (s *Server) Migrate(ctx context.Context, db *sql.DB) error {
	if err := rbac.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := session.RunMigrations(ctx, db); err != nil {
		return err
	}
	return oidc.RunMigrations(ctx, db)
}

// Seed converges the permission catalog and member role templates.
func (s *Server) Seed(ctx context.Context) error {
	seeder := rbac.NewSeeder(s.rbacStore, s.logger)
	return seeder.SeedDefaults(ctx, rbac.PlatformDefaults())
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.janitor.Start(""); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Infof("API server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		s.logger.Infof("Health server listening on %s", s.healthServer.Addr)
		if err := s.healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		s.logger.Info("Shutting down")
		s.janitor.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		return s.healthServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
