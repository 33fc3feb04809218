package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gpulease/gpulease/pkg/apiserver"
	"github.com/gpulease/gpulease/pkg/auth"
	"github.com/gpulease/gpulease/pkg/config"
	"github.com/gpulease/gpulease/pkg/eventbus"
	"github.com/gpulease/gpulease/pkg/lease"
	"github.com/gpulease/gpulease/pkg/logging"
	"github.com/gpulease/gpulease/pkg/store"
	"github.com/gpulease/gpulease/pkg/store/memory"
	"github.com/gpulease/gpulease/pkg/store/postgres"
	redisclient "github.com/gpulease/gpulease/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	leaseStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open lease store", zap.Error(err))
	}
	defer leaseStore.Close()

	var opts []lease.Option
	if len(cfg.Redis.Addresses) > 0 {
		redis, err := redisclient.NewClient(context.Background(), &cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redis.Close()
		opts = append(opts, lease.WithPublisher(eventbus.NewBus(redis.Client())))
	}

	controller, err := lease.NewAdmissionController(leaseStore, cfg.Lease, logger, opts...)
	if err != nil {
		logger.Fatal("Invalid lease configuration", zap.Error(err))
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("auth.jwt_secret is required")
	}
	tokens := auth.NewAccountTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)

	server := apiserver.NewServer(controller, tokens, cfg, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}

	go func() {
		logger.Info("Starting API server",
			zap.Int("port", cfg.Server.HTTPPort),
			zap.String("storage", cfg.Database.Driver),
			zap.Int("max_capacity", cfg.Lease.MaxCapacity),
			zap.String("eviction_policy", cfg.Lease.EvictionPolicy),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.LeaseStore, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using in-memory lease store; state is lost on restart")
		return memory.NewStore(), nil
	case "", "postgres":
		db, err := postgres.NewStore(&cfg.Database, cfg.Lease.LockTimeout)
		if err != nil {
			return nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(); err != nil {
				db.Close()
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database.driver %q", cfg.Database.Driver)
	}
}
