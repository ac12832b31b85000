package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (BK_ENGINE_STORE_SHARDS).
const EnvPrefix = "BK"

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence; the cobra
// commands apply flag overrides on the returned struct.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Bind environment variables with BK_ prefix
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Engine: EngineConfig{
			StoreShards:       v.GetInt("engine.store_shards"),
			CompiledCacheSize: v.GetInt("engine.compiled_cache_size"),
			MaxRuleCost:       v.GetInt("engine.max_rule_cost"),
			SlowEvaluation:    v.GetDuration("engine.slow_evaluation"),
		},
		Database: DatabaseConfig{
			URL:            v.GetString("database.url"),
			ResyncInterval: v.GetDuration("database.resync_interval"),
		},
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			MaxConnections: v.GetInt("server.max_connections"),
		},
		HTTP: HTTPConfig{
			Host:    v.GetString("http.host"),
			Port:    v.GetInt("http.port"),
			Timeout: v.GetDuration("http.timeout"),
		},
		Kafka: KafkaConfig{
			Brokers:       getList(v, "kafka.brokers"),
			GroupID:       v.GetString("kafka.group_id"),
			Topics:        getList(v, "kafka.topics"),
			InitialOffset: strings.ToLower(v.GetString("kafka.initial_offset")),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("engine.store_shards", d.Engine.StoreShards)
	v.SetDefault("engine.compiled_cache_size", d.Engine.CompiledCacheSize)
	v.SetDefault("engine.max_rule_cost", d.Engine.MaxRuleCost)
	v.SetDefault("engine.slow_evaluation", d.Engine.SlowEvaluation.String())
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.resync_interval", d.Database.ResyncInterval.String())
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.timeout", d.HTTP.Timeout.String())
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.group_id", d.Kafka.GroupID)
	v.SetDefault("kafka.topics", d.Kafka.Topics)
	v.SetDefault("kafka.initial_offset", d.Kafka.InitialOffset)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)
}

// getList reads a list key. Environment values arrive as one string and are
// split on commas; file values arrive as YAML sequences.
func getList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("redis.password") {
		return fmt.Errorf("redis password not allowed in config files (use %s_REDIS_PASSWORD environment variable)", EnvPrefix)
	}
	return nil
}
