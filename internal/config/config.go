package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Cluster     ClusterConfig
	Reconciler  ReconcilerConfig
	Rollout     RolloutConfig
	Maintenance MaintenanceConfig
	Provision   ProvisionConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	URL      string
	CacheTTL time.Duration
}

type ClusterConfig struct {
	Host           string
	RequestsPerSec float64
	RequestBurst   int
}

type ReconcilerConfig struct {
	Interval time.Duration
}

type RolloutConfig struct {
	StableTimeout time.Duration
	PollInterval  time.Duration
	SkipIfCurrent bool
}

type MaintenanceConfig struct {
	PollInterval time.Duration
}

type ProvisionConfig struct {
	MySQLDSN       string
	MySQLHost      string
	StorageURL     string
	StorageKey     string
	StorageSecret  string
	StorageSecure  bool
	WordPressImage string
}

func Load() (*Config, error) {
	// .env is optional, used for local development
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("PRESSFLEET")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("redis.cachettl", "15s")
	viper.SetDefault("cluster.requestspersec", 10.0)
	viper.SetDefault("cluster.requestburst", 20)
	viper.SetDefault("reconciler.interval", "30s")
	viper.SetDefault("rollout.stabletimeout", "2m")
	viper.SetDefault("rollout.pollinterval", "2s")
	viper.SetDefault("rollout.skipifcurrent", true)
	viper.SetDefault("maintenance.pollinterval", "20s")
	viper.SetDefault("provision.wordpressimage", "wordpress:latest")
	viper.SetDefault("provision.storagesecure", false)

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		cfg.Cluster.Host = host
	}
	if dsn := os.Getenv("PROVISION_MYSQL_DSN"); dsn != "" {
		cfg.Provision.MySQLDSN = dsn
	}

	return &cfg, nil
}
