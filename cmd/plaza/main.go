// Command plaza runs the identity and access service: internal request
// authentication, RBAC decisions, session token issuance and the OIDC
// provider.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/plazahq/plaza/pkg/api"
	"github.com/plazahq/plaza/pkg/config"
	"github.com/plazahq/plaza/pkg/observability"
	"github.com/plazahq/plaza/pkg/storage"
	"github.com/plazahq/plaza/pkg/storage/postgres"
)

func main() {
	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	logger = observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize OpenTelemetry")
		os.Exit(1)
	}
	defer func() {
		if err := providers.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown failed")
		}
	}()

	db, err := postgres.NewConnection(cfg.Database)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = storage.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			// the decision cache is optional; run without it
			logger.WithError(err).Warn("failed to connect to redis, cache disabled")
		} else {
			defer redisClient.Close()
		}
	}

	server, err := api.New(cfg, db, redisClient, logger)
	if err != nil {
		logger.WithError(err).Error("failed to build server")
		os.Exit(1)
	}

	if err := server.Migrate(ctx, db); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}
	if err := server.Seed(ctx); err != nil {
		logger.WithError(err).Error("failed to seed role templates")
		os.Exit(1)
	}

	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
