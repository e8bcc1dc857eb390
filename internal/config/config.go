// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/djeer/cryptology-go/common/backoff"
	"github.com/djeer/cryptology-go/common/configloader"
	"github.com/djeer/cryptology-go/common/httpserver"
	consumer "github.com/djeer/cryptology-go/common/kafka/consumer"
	producer "github.com/djeer/cryptology-go/common/kafka/producer"
	"github.com/djeer/cryptology-go/common/logger"
	commonredis "github.com/djeer/cryptology-go/common/redis"
	"github.com/djeer/cryptology-go/common/telemetry"
	"github.com/djeer/cryptology-go/pkg/cryptology"
)

// EnvPrefix prefixes every environment override, e.g. CRYPTOLOGY_KAFKA_BROKERS.
const EnvPrefix = "CRYPTOLOGY"

// Config is the gateway configuration.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Cryptology     CryptologyConfig  `mapstructure:"cryptology"`
	Kafka          KafkaConfig       `mapstructure:"kafka"`
	Cursor         CursorConfig      `mapstructure:"cursor"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	Logging        logger.Config     `mapstructure:"logging"`
	HTTP           httpserver.Config `mapstructure:"http"`
}

// CryptologyConfig is the venue session plus the reconnect policy.
type CryptologyConfig struct {
	Session cryptology.Config `mapstructure:",squash"`

	// RestartDelay is waited after the venue announced a restart.
	RestartDelay time.Duration `mapstructure:"restart_delay"`
	// RateLimitDelay is waited after the venue closed the session for
	// exceeding its rate limit.
	RateLimitDelay time.Duration  `mapstructure:"rate_limit_delay"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

// KafkaConfig holds both directions of the bridge.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	// InboundTopic receives venue messages.
	InboundTopic string `mapstructure:"inbound_topic"`
	// OutboundTopic holds payloads to send to the venue.
	OutboundTopic  string         `mapstructure:"outbound_topic"`
	GroupID        string         `mapstructure:"group_id"`
	Version        string         `mapstructure:"version"`
	OffsetOldest   bool           `mapstructure:"offset_oldest"`
	RequiredAcks   string         `mapstructure:"required_acks"`
	Compression    string         `mapstructure:"compression"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	FlushFrequency time.Duration  `mapstructure:"flush_frequency"`
	FlushMessages  int            `mapstructure:"flush_messages"`
	Backoff        backoff.Config `mapstructure:"backoff"`
}

// CursorConfig selects where the last seen message id is kept.
type CursorConfig struct {
	// Backend is "memory" or "redis".
	Backend string             `mapstructure:"backend"`
	Key     string             `mapstructure:"key"`
	Redis   commonredis.Config `mapstructure:"redis"`
}

func init() {
	configloader.RegisterDefaultsMap(map[string]interface{}{
		"service_name":    "cryptology-gateway",
		"service_version": "v1.0.0",

		"cryptology.ws_url":             "",
		"cryptology.access_key":         "",
		"cryptology.secret_key":         "",
		"cryptology.get_balances":       false,
		"cryptology.get_order_books":    false,
		"cryptology.handshake_timeout":  "10s",
		"cryptology.read_timeout":       "10s",
		"cryptology.write_timeout":      "5s",
		"cryptology.heartbeat_interval": "4s",
		"cryptology.restart_delay":      "60s",
		"cryptology.rate_limit_delay":   "10s",

		"kafka.brokers":         []string{"localhost:9092"},
		"kafka.inbound_topic":   "cryptology.inbound",
		"kafka.outbound_topic":  "cryptology.outbound",
		"kafka.group_id":        "cryptology-gateway",
		"kafka.version":         "2.8.0",
		"kafka.offset_oldest":   false,
		"kafka.required_acks":   "all",
		"kafka.compression":     "none",
		"kafka.timeout":         "15s",
		"kafka.flush_frequency": "0s",
		"kafka.flush_messages":  0,

		"cursor.backend":        "memory",
		"cursor.key":            "cryptology:last_seen_order",
		"cursor.redis.addr":     "",
		"cursor.redis.password": "",
		"cursor.redis.db":       0,

		"telemetry.endpoint": "",
		"telemetry.insecure": false,

		"logging.level":    "info",
		"logging.dev_mode": false,

		"http.addr":             ":8080",
		"http.read_timeout":     "10s",
		"http.write_timeout":    "15s",
		"http.idle_timeout":     "60s",
		"http.shutdown_timeout": "5s",
		"http.metrics_path":     "/metrics",
		"http.healthz_path":     "/healthz",
		"http.readyz_path":      "/readyz",
	})
}

// Load reads defaults, CRYPTOLOGY_* variables and the optional file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := configloader.Load(path, EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	return &cfg, nil
}

// Validate implements configloader.Validator.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}

	s := c.Cryptology.Session
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return err
	}
	if c.Cryptology.RestartDelay < 0 || c.Cryptology.RateLimitDelay < 0 {
		return fmt.Errorf("cryptology.restart_delay and cryptology.rate_limit_delay must be >= 0")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.InboundTopic == "" || c.Kafka.OutboundTopic == "" {
		return fmt.Errorf("kafka.inbound_topic and kafka.outbound_topic are required")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id is required")
	}
	switch strings.ToLower(c.Kafka.RequiredAcks) {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("kafka.required_acks must be one of [all, leader, none]")
	}
	switch strings.ToLower(c.Kafka.Compression) {
	case "none", "gzip", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
	}

	switch c.Cursor.Backend {
	case "memory":
	case "redis":
		if c.Cursor.Redis.Addr == "" {
			return fmt.Errorf("cursor.redis.addr is required for the redis backend")
		}
		if c.Cursor.Key == "" {
			return fmt.Errorf("cursor.key is required for the redis backend")
		}
	default:
		return fmt.Errorf("cursor.backend must be one of [memory, redis]")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	if !strings.HasPrefix(c.HTTP.MetricsPath, "/") ||
		!strings.HasPrefix(c.HTTP.HealthzPath, "/") ||
		!strings.HasPrefix(c.HTTP.ReadyzPath, "/") {
		return fmt.Errorf("http paths must start with '/'")
	}
	return nil
}

// Producer is the Kafka producer config of the inbound side.
func (c *Config) Producer() producer.Config {
	return producer.Config{
		Brokers:        c.Kafka.Brokers,
		RequiredAcks:   c.Kafka.RequiredAcks,
		Timeout:        c.Kafka.Timeout,
		Compression:    c.Kafka.Compression,
		FlushFrequency: c.Kafka.FlushFrequency,
		FlushMessages:  c.Kafka.FlushMessages,
		Backoff:        c.Kafka.Backoff,
	}
}

// Consumer is the Kafka consumer group config of the outbound side.
func (c *Config) Consumer() consumer.Config {
	return consumer.Config{
		Brokers:      c.Kafka.Brokers,
		GroupID:      c.Kafka.GroupID,
		Version:      c.Kafka.Version,
		OffsetOldest: c.Kafka.OffsetOldest,
		Backoff:      c.Kafka.Backoff,
	}
}

// Redacted implements configloader.Redactor.
func (c *Config) Redacted() interface{} {
	cp := *c
	if cp.Cryptology.Session.SecretKey != "" {
		cp.Cryptology.Session.SecretKey = "***"
	}
	if cp.Cursor.Redis.Password != "" {
		cp.Cursor.Redis.Password = "***"
	}
	return cp
}
