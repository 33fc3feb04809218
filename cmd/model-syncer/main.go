package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/gpulease/gpulease/pkg/config"
	"github.com/gpulease/gpulease/pkg/deployer"
	"github.com/gpulease/gpulease/pkg/eventbus"
	"github.com/gpulease/gpulease/pkg/logging"
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

	db, err := postgres.NewStore(&cfg.Database, cfg.Lease.LockTimeout)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(context.Background(), &cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	k8sClient, err := newKubernetesClient(cfg)
	if err != nil {
		logger.Fatal("failed to create kubernetes client", zap.Error(err))
	}

	scaler := deployer.NewScaler(k8sClient, cfg.Kubernetes.Namespace, cfg.Syncer.DeploymentLabel, logger)
	syncer := deployer.NewSyncer(scaler, db, eventbus.NewBus(redis.Client()), cfg.Syncer.ResyncInterval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncerDone := make(chan struct{})
	go func() {
		defer close(syncerDone)
		if err := syncer.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("model syncer stopped", zap.Error(err))
		}
	}()

	logger.Info("model syncer initialized", zap.String("namespace", cfg.Kubernetes.Namespace))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("model syncer shutting down")
	cancel()
	<-syncerDone
}

func newKubernetesClient(cfg *config.Config) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error

	if cfg.Kubernetes.InCluster {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.KubeConfig)
	}
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(restConfig)
}
