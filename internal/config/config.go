package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the SLA engine service
type Config struct {
	Environment string          `mapstructure:"environment"`
	Debug       bool            `mapstructure:"debug"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	SLA         SLAConfig       `mapstructure:"sla"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the shared cache backend
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers []string     `mapstructure:"brokers"`
	GroupID string       `mapstructure:"group_id"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains Kafka topic configuration
type TopicsConfig struct {
	// Input: completed gating decisions from the approval workflow
	ActionOutcomes string `mapstructure:"action_outcomes"`
	// Output: escalation targets for the notifier
	Escalations string `mapstructure:"escalations"`
}

// SLAConfig contains scoring pipeline configuration
type SLAConfig struct {
	ShardCount            int           `mapstructure:"shard_count"`
	ShardQueueSize        int           `mapstructure:"shard_queue_size"`
	SaveRetries           int           `mapstructure:"save_retries"`
	ConsiderBusinessHours bool          `mapstructure:"consider_business_hours"`
	RecordTimeout         time.Duration `mapstructure:"record_timeout"`
}

// CacheConfig contains policy cache configuration
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"` // memory, redis
	PolicyTTL       time.Duration `mapstructure:"policy_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SchedulerConfig contains periodic task configuration
type SchedulerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	EscalationSweep    string `mapstructure:"escalation_sweep"`
	SweepLookbackDays  int    `mapstructure:"sweep_lookback_days"`
	StatsInterval      string `mapstructure:"stats_interval"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/sla-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SLA_ENGINE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// General
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "marketgate_sla")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Kafka
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "sla-engine")
	viper.SetDefault("kafka.topics.action_outcomes", "sla.action-outcomes")
	viper.SetDefault("kafka.topics.escalations", "sla.escalations")

	// SLA pipeline
	viper.SetDefault("sla.shard_count", 8)
	viper.SetDefault("sla.shard_queue_size", 256)
	viper.SetDefault("sla.save_retries", 3)
	viper.SetDefault("sla.consider_business_hours", true)
	viper.SetDefault("sla.record_timeout", "10s")

	// Cache
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.policy_ttl", "5m")
	viper.SetDefault("cache.cleanup_interval", "10m")

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.escalation_sweep", "0 */5 * * * *")
	viper.SetDefault("scheduler.sweep_lookback_days", 14)
	viper.SetDefault("scheduler.stats_interval", "0 * * * * *")
}
