package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kubernetes KubernetesConfig
	Auth       AuthConfig
	Logging    LoggingConfig
	Kafka      KafkaConfig
	Outbox     OutboxRelayConfig
	Lease      LeaseConfig
	Syncer     SyncerConfig
}

type ServerConfig struct {
	HTTPPort    int           `mapstructure:"http_port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // postgres or memory
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type KubernetesConfig struct {
	InCluster  bool   `mapstructure:"in_cluster"`
	KubeConfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	ClientID   string   `mapstructure:"client_id"`
	EventTopic string   `mapstructure:"event_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// LeaseConfig holds the capacity pool constants and the bounds applied to a
// single lease transaction.
type LeaseConfig struct {
	MaxCapacity      int           `mapstructure:"max_capacity"`
	CostPerUnit      int64         `mapstructure:"cost_per_unit"`
	ImmunityPeriod   time.Duration `mapstructure:"immunity_period"`
	MinModelCapacity int           `mapstructure:"min_model_capacity"`
	MaxModelCapacity int           `mapstructure:"max_model_capacity"`
	EvictionPolicy   string        `mapstructure:"eviction_policy"`
	TxTimeout        time.Duration `mapstructure:"tx_timeout"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

type SyncerConfig struct {
	ResyncInterval  time.Duration `mapstructure:"resync_interval"`
	DeploymentLabel string        `mapstructure:"deployment_label"`
}

const (
	EvictionNewestFirst = "newest_first"
	EvictionOldestFirst = "oldest_first"
)

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/gpulease/")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("GPULEASE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Lease.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "gpulease")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.client_id", "gpulease-outbox-relay")
	v.SetDefault("kafka.event_topic", "gpulease.lease.events")
	v.SetDefault("kafka.dlq_topic", "gpulease.lease.events.dlq")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("lease.max_capacity", 8)
	v.SetDefault("lease.cost_per_unit", 100)
	v.SetDefault("lease.immunity_period", "168h")
	v.SetDefault("lease.min_model_capacity", 1)
	v.SetDefault("lease.max_model_capacity", 8)
	v.SetDefault("lease.eviction_policy", EvictionNewestFirst)
	v.SetDefault("lease.tx_timeout", "10s")
	v.SetDefault("lease.lock_timeout", "5s")
	v.SetDefault("lease.max_attempts", 3)
	v.SetDefault("lease.retry_backoff", "50ms")
	v.SetDefault("syncer.resync_interval", "1m")
	v.SetDefault("syncer.deployment_label", "gpulease.io/model")
}

// DefaultLeaseConfig returns the lease settings used when no config file is present.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		MaxCapacity:      8,
		CostPerUnit:      100,
		ImmunityPeriod:   7 * 24 * time.Hour,
		MinModelCapacity: 1,
		MaxModelCapacity: 8,
		EvictionPolicy:   EvictionNewestFirst,
		TxTimeout:        10 * time.Second,
		LockTimeout:      5 * time.Second,
		MaxAttempts:      3,
		RetryBackoff:     50 * time.Millisecond,
	}
}

func (c LeaseConfig) Validate() error {
	if c.MaxCapacity <= 0 {
		return fmt.Errorf("lease.max_capacity must be positive, got %d", c.MaxCapacity)
	}
	if c.CostPerUnit < 0 {
		return fmt.Errorf("lease.cost_per_unit must not be negative, got %d", c.CostPerUnit)
	}
	if c.ImmunityPeriod < 0 {
		return fmt.Errorf("lease.immunity_period must not be negative, got %s", c.ImmunityPeriod)
	}
	if c.MinModelCapacity <= 0 || c.MaxModelCapacity < c.MinModelCapacity {
		return fmt.Errorf("invalid model capacity bounds [%d, %d]", c.MinModelCapacity, c.MaxModelCapacity)
	}
	switch c.EvictionPolicy {
	case "", EvictionNewestFirst, EvictionOldestFirst:
	default:
		return fmt.Errorf("unknown lease.eviction_policy %q", c.EvictionPolicy)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
