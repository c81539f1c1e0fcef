// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN for refresh records, machines, jobs, and audit logs.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "fleet-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "fleet-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime in <int><unit> form with unit d/h/m/s (e.g. "7d").
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// RedisAddr is the Redis address for the control-lock store and job cache (e.g. localhost:6379).
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisDB is the Redis database index.
	RedisDB int `mapstructure:"REDIS_DB"`

	// MQTTBrokerURL is the broker URL for the message bridge (e.g. tcp://localhost:1883).
	MQTTBrokerURL string `mapstructure:"MQTT_BROKER_URL"`
	// MQTTClientID is the client ID presented to the broker.
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`
	// MQTTUsername is the optional broker username.
	MQTTUsername string `mapstructure:"MQTT_USERNAME"`
	// MQTTPassword is the optional broker password.
	MQTTPassword string `mapstructure:"MQTT_PASSWORD"`
	// MQTTTopicPrefix is the leading segment of all command/event topics (e.g. "fleet").
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`
	// BridgeMaxReconnects bounds reconnect attempts before the bridge reports a hard failure.
	BridgeMaxReconnects int `mapstructure:"BRIDGE_MAX_RECONNECTS"`
	// BridgeReconnectDelay is the delay between reconnect attempts (e.g. "5s").
	BridgeReconnectDelay string `mapstructure:"BRIDGE_RECONNECT_DELAY"`

	// HubPingInterval is the liveness sweep interval for viewer connections (e.g. "30s").
	HubPingInterval string `mapstructure:"HUB_PING_INTERVAL"`
	// LockTTL is the control-lock lifetime between heartbeats (e.g. "60s").
	LockTTL string `mapstructure:"LOCK_TTL"`

	// Telemetry (optional). When Kafka brokers are set, device events are appended to Kafka.
	// EventKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	EventKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// EventKafkaTopic is the Kafka topic for archived device events.
	EventKafkaTopic string `mapstructure:"EVENT_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the event-archive worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event-archive worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "fleet-auth")
	v.SetDefault("JWT_AUDIENCE", "fleet-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "7d")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MQTT_BROKER_URL", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "fleet-server")
	v.SetDefault("MQTT_TOPIC_PREFIX", "fleet")
	v.SetDefault("BRIDGE_MAX_RECONNECTS", 10)
	v.SetDefault("BRIDGE_RECONNECT_DELAY", "5s")
	v.SetDefault("HUB_PING_INTERVAL", "30s")
	v.SetDefault("LOCK_TTL", "60s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EVENT_KAFKA_TOPIC", "fleet-device-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "fleet-event-archiver")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.MQTTTopicPrefix == "" {
		return nil, errors.New("config: MQTT_TOPIC_PREFIX must be set")
	}
	if strings.ContainsAny(cfg.MQTTTopicPrefix, "+#/") {
		return nil, errors.New("config: MQTT_TOPIC_PREFIX must be a single literal topic segment")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.BridgeMaxReconnects < 1 {
		return nil, errors.New("config: BRIDGE_MAX_RECONNECTS must be at least 1")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// HubPing parses HubPingInterval. Returns 30s if unset or invalid.
func (c *Config) HubPing() time.Duration {
	d, err := time.ParseDuration(c.HubPingInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// ControlLockTTL parses LockTTL. Returns 60s if unset or invalid.
func (c *Config) ControlLockTTL() time.Duration {
	d, err := time.ParseDuration(c.LockTTL)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// ReconnectDelay parses BridgeReconnectDelay. Returns 5s if unset or invalid.
func (c *Config) ReconnectDelay() time.Duration {
	d, err := time.ParseDuration(c.BridgeReconnectDelay)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// EventKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event archiving is enabled (non-empty list) and to create the producer.
func (c *Config) EventKafkaBrokersList() []string {
	if c == nil || c.EventKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.EventKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
