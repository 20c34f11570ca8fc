// Package config provides configuration management for the property exchange settlement service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger modes
const (
	LedgerModeMemory = "memory"
	LedgerModeRPC    = "rpc"
)

// Lock backends
const (
	LockBackendRedis = "redis"
	LockBackendLocal = "local"
)

// Storage backends
const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Ledger         LedgerConfig
	Settlement     SettlementConfig
	Reconciliation ReconciliationConfig
	IntentLog      IntentLogConfig
	Cache          CacheConfig
	RateLimit      RateLimitConfig
	Kafka          KafkaConfig
	Telemetry      TelemetryConfig
	Logging        LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string
	// AdminToken guards the reconciliation and compensation routes. Empty disables them.
	AdminToken string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Backend    string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// LedgerConfig holds distributed ledger connection settings
type LedgerConfig struct {
	Mode               string
	RPCURL             string
	TreasuryAccount    string
	TreasuryCredential string
	CallTimeout        time.Duration
	BreakerMaxFailures int
	BreakerResetAfter  time.Duration
}

// SettlementConfig holds trade settlement tuning
type SettlementConfig struct {
	RecordingAttempts int
	RecordingBackoff  time.Duration
	LockBackend       string
	LockTTL           time.Duration
}

// ReconciliationConfig holds reconciliation sweep settings
type ReconciliationConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
}

// IntentLogConfig holds the on-disk in-flight attempt log settings.
// An empty path keeps the log in memory.
type IntentLogConfig struct {
	Path string
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	PriceTTL time.Duration
}

// RateLimitConfig holds per-user API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// KafkaConfig holds settlement event publishing configuration.
// No brokers disables publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// TelemetryConfig holds OpenTelemetry metrics configuration
type TelemetryConfig struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: getEnvAsList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
			AdminToken:     getEnv("ADMIN_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Backend: getEnv("STORAGE_BACKEND", StorageBackendPostgres),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "property_exchange"),
				User:           getEnv("POSTGRES_USER", "exchange"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "property_exchange"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Ledger: LedgerConfig{
			Mode:               getEnv("LEDGER_MODE", LedgerModeMemory),
			RPCURL:             getEnv("LEDGER_RPC_URL", ""),
			TreasuryAccount:    getEnv("LEDGER_TREASURY_ACCOUNT", "treasury"),
			TreasuryCredential: getEnv("LEDGER_TREASURY_KEY", ""),
			CallTimeout:        getEnvAsDuration("LEDGER_CALL_TIMEOUT", 10*time.Second),
			BreakerMaxFailures: getEnvAsInt("LEDGER_BREAKER_MAX_FAILURES", 5),
			BreakerResetAfter:  getEnvAsDuration("LEDGER_BREAKER_RESET_AFTER", 30*time.Second),
		},
		Settlement: SettlementConfig{
			RecordingAttempts: getEnvAsInt("SETTLEMENT_RECORDING_ATTEMPTS", 5),
			RecordingBackoff:  getEnvAsDuration("SETTLEMENT_RECORDING_BACKOFF", 100*time.Millisecond),
			LockBackend:       getEnv("SETTLEMENT_LOCK_BACKEND", LockBackendRedis),
			LockTTL:           getEnvAsDuration("SETTLEMENT_LOCK_TTL", 10*time.Second),
		},
		Reconciliation: ReconciliationConfig{
			Interval:  getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
			MinAge:    getEnvAsDuration("RECONCILE_MIN_AGE", 2*time.Minute),
			BatchSize: getEnvAsInt("RECONCILE_BATCH_SIZE", 100),
		},
		IntentLog: IntentLogConfig{
			Path: getEnv("INTENT_LOG_PATH", "data/intents"),
		},
		Cache: CacheConfig{
			PriceTTL: getEnvAsDuration("PRICE_CACHE_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_SETTLEMENT_TOPIC", "settlements"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "property-exchange"),
			Environment:  getEnv("DEPLOY_ENV", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.Database.Backend != StorageBackendPostgres && c.Database.Backend != StorageBackendMemory {
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Database.Backend)
	}
	switch c.Ledger.Mode {
	case LedgerModeMemory:
	case LedgerModeRPC:
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL is required when LEDGER_MODE=%s", LedgerModeRPC)
		}
	default:
		return fmt.Errorf("unknown LEDGER_MODE %q", c.Ledger.Mode)
	}
	if c.Ledger.TreasuryAccount == "" {
		return fmt.Errorf("LEDGER_TREASURY_ACCOUNT must not be empty")
	}
	if c.Ledger.CallTimeout <= 0 {
		return fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive")
	}
	if c.Settlement.RecordingAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_RECORDING_ATTEMPTS must be at least 1")
	}
	if c.Settlement.LockBackend != LockBackendRedis && c.Settlement.LockBackend != LockBackendLocal {
		return fmt.Errorf("unknown SETTLEMENT_LOCK_BACKEND %q", c.Settlement.LockBackend)
	}
	if c.Settlement.LockTTL <= 0 {
		return fmt.Errorf("SETTLEMENT_LOCK_TTL must be positive")
	}
	if c.Reconciliation.Interval <= 0 || c.Reconciliation.BatchSize < 1 {
		return fmt.Errorf("reconciliation interval and batch size must be positive")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma separated environment variable as a list
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
