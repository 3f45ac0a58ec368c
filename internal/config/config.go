package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Session store drivers
const (
	SessionDriverMemory   = "memory"
	SessionDriverFile     = "file"
	SessionDriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Backend  BackendConfig
	Realtime RealtimeConfig
	Polling  PollingConfig
	Session  SessionConfig
	Kafka    KafkaConfig
	Logger   LoggerConfig
	Metrics  MetricsConfig
}

// BackendConfig holds the commerce backend connection settings
type BackendConfig struct {
	BaseURL           string // e.g. https://shop.example.com/api
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// RealtimeConfig holds the push feed settings. An empty URL disables realtime.
type RealtimeConfig struct {
	URL                  string // e.g. wss://shop.example.com/ws/payment
	MaxReconnectAttempts int
	Grace                time.Duration // how long realtime gets before polling joins in
}

// PollingConfig holds the adaptive polling schedule
type PollingConfig struct {
	FastInterval time.Duration
	SlowInterval time.Duration
	FastPhase    time.Duration
	Horizon      time.Duration
}

// SessionConfig selects where the in-flight attempt is persisted
type SessionConfig struct {
	Driver      string // memory, file, postgres
	FilePath    string
	DatabaseURL string
	Window      time.Duration
	PaidGrace   time.Duration
}

// KafkaConfig holds outcome publishing settings. No brokers disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool
}

// MetricsConfig holds the metrics/health server settings
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Backend: BackendConfig{
			BaseURL:           getEnv("BACKEND_BASE_URL", ""),
			Timeout:           getEnvAsDuration("BACKEND_TIMEOUT", 15*time.Second),
			RequestsPerSecond: getEnvAsFloat("BACKEND_RATE_LIMIT", 5),
			Burst:             getEnvAsInt("BACKEND_RATE_BURST", 5),
		},
		Realtime: RealtimeConfig{
			URL:                  getEnv("REALTIME_WS_URL", ""),
			MaxReconnectAttempts: getEnvAsInt("REALTIME_MAX_RECONNECTS", 3),
			Grace:                getEnvAsDuration("REALTIME_GRACE", 15*time.Second),
		},
		Polling: PollingConfig{
			FastInterval: getEnvAsDuration("POLL_FAST_INTERVAL", 3*time.Second),
			SlowInterval: getEnvAsDuration("POLL_SLOW_INTERVAL", 10*time.Second),
			FastPhase:    getEnvAsDuration("POLL_FAST_PHASE", time.Minute),
			Horizon:      getEnvAsDuration("POLL_HORIZON", 6*time.Minute),
		},
		Session: SessionConfig{
			Driver:      strings.ToLower(getEnv("SESSION_DRIVER", SessionDriverFile)),
			FilePath:    getEnv("SESSION_FILE", defaultSessionFile()),
			DatabaseURL: getEnv("SESSION_DATABASE_URL", ""),
			Window:      getEnvAsDuration("ATTEMPT_WINDOW", 300*time.Second),
			PaidGrace:   getEnvAsDuration("PAID_GRACE", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_OUTCOME_TOPIC", "payment-outcomes"),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Port:    getEnvAsInt("METRICS_PORT", 9090),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("BACKEND_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("BACKEND_BASE_URL is invalid: %w", err)
	}
	if c.Realtime.URL != "" {
		u, err := url.Parse(c.Realtime.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("REALTIME_WS_URL must be a ws:// or wss:// URL")
		}
	}

	switch c.Session.Driver {
	case SessionDriverMemory:
	case SessionDriverFile:
		if c.Session.FilePath == "" {
			return fmt.Errorf("SESSION_FILE is required for the file session driver")
		}
	case SessionDriverPostgres:
		if c.Session.DatabaseURL == "" {
			return fmt.Errorf("SESSION_DATABASE_URL is required for the postgres session driver")
		}
	default:
		return fmt.Errorf("SESSION_DRIVER %q is not one of memory, file, postgres", c.Session.Driver)
	}

	if c.Session.Window <= 0 {
		return fmt.Errorf("ATTEMPT_WINDOW must be positive")
	}
	if c.Polling.FastInterval <= 0 || c.Polling.SlowInterval <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	if c.Polling.Horizon < c.Polling.FastPhase {
		return fmt.Errorf("POLL_HORIZON must not be shorter than POLL_FAST_PHASE")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_OUTCOME_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// RealtimeEnabled reports whether a push feed is configured
func (c *Config) RealtimeEnabled() bool {
	return c.Realtime.URL != ""
}

// PublishingEnabled reports whether outcomes go to Kafka
func (c *Config) PublishingEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "uniform-pay", "session.json")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
