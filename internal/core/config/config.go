// Package config provides configuration management for badgekeeper services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full service configuration.
type Config struct {
	Log      LogConfig
	Engine   EngineConfig
	Database DatabaseConfig
	Server   ServerConfig
	HTTP     HTTPConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
}

// LogConfig selects zap level and encoder.
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console text"`
}

// EngineConfig tunes the rules engine.
type EngineConfig struct {
	StoreShards       int           `validate:"gt=0,lte=4096"`
	CompiledCacheSize int           `validate:"gt=0"`
	MaxRuleCost       int           `validate:"gte=0"` // 0 disables the ceiling
	SlowEvaluation    time.Duration `validate:"gte=0"` // 0 disables slow logging
}

// DatabaseConfig locates the rule repository.
type DatabaseConfig struct {
	URL            string        `validate:"required"`
	ResyncInterval time.Duration `validate:"gte=0"` // 0 disables periodic resync
}

// ServerConfig holds configuration for the gRPC evaluation service.
type ServerConfig struct {
	Host           string
	Port           int           `validate:"min=1,max=65535"`
	RequestTimeout time.Duration `validate:"gt=0"`
	MaxConnections int           `validate:"gt=0"`
}

// HTTPConfig holds configuration for the admin HTTP API (rules, health, metrics).
type HTTPConfig struct {
	Host    string
	Port    int           `validate:"min=0,max=65535"` // 0 disables the listener
	Timeout time.Duration `validate:"gt=0"`
}

// KafkaConfig holds event consumer settings.
type KafkaConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	InitialOffset string `validate:"oneof=oldest newest"`
}

// RedisConfig holds rule change notification settings. An empty Addr
// disables notifications.
type RedisConfig struct {
	Addr     string
	Password string // environment only (BK_REDIS_PASSWORD)
	DB       int    `validate:"gte=0"`
	Channel  string `validate:"required"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			StoreShards:       32,
			CompiledCacheSize: 4096,
			MaxRuleCost:       0,
			SlowEvaluation:    10 * time.Millisecond,
		},
		Database: DatabaseConfig{
			URL:            "sqlite://./data/badgekeeper.db",
			ResyncInterval: time.Minute,
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50051,
			RequestTimeout: 30 * time.Second,
			MaxConnections: 1000,
		},
		HTTP: HTTPConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			GroupID:       "badgekeeper",
			Topics:        []string{"events"},
			InitialOffset: "newest",
		},
		Redis: RedisConfig{
			Channel: "badgekeeper:rules",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if n := c.Engine.StoreShards; n&(n-1) != 0 {
		return fmt.Errorf("engine.store_shards must be a power of two, got %d", n)
	}
	if !hasAnyPrefix(c.Database.URL, "sqlite://", "postgres://", "postgresql://") {
		return fmt.Errorf("database.url must start with sqlite:// or postgres://, got %q", c.Database.URL)
	}
	return nil
}

// ValidateKafka checks the settings needed by the consume command.
func (c *Config) ValidateKafka() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id must not be empty")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("kafka.topics must not be empty")
	}
	return nil
}

// GRPCAddr returns host:port for the gRPC listener.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// HTTPAddr returns host:port for the admin HTTP listener.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
