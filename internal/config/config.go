// Package config loads orchestrator settings from the environment.
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/stackplane/orchestrator/pkg/config"
)

// Config is the orchestrator service configuration.
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// TargetEndpoints maps participant service names to base URLs,
	// e.g. "payments=http://payments:8080,inventory=http://inventory:8080".
	TargetEndpoints map[string]string

	// Saga execution
	LockTTL          time.Duration
	MaxConcurrent    int
	QueueSize        int
	RecoveryScanCron string

	WorkerID int64

	// Tracing
	TracingEnabled  bool
	TracingEndpoint string
	TracingSample   float64

	// Audit
	AuditEnabled bool
}

// Load reads the configuration from environment variables.
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "orchestrator"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8090),

		DBHost:     pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     pkgconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     pkgconfig.GetEnv("DB_USER", "orchestrator"),
		DBPassword: pkgconfig.GetEnv("DB_PASSWORD", "orchestrator123"),
		DBName:     pkgconfig.GetEnv("DB_NAME", "orchestrator"),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		TargetEndpoints: pkgconfig.GetEnvMap("TARGET_ENDPOINTS", map[string]string{}),

		LockTTL:          pkgconfig.GetEnvDuration("LOCK_TTL", 30*time.Second),
		MaxConcurrent:    pkgconfig.GetEnvInt("MAX_CONCURRENT", 8),
		QueueSize:        pkgconfig.GetEnvInt("QUEUE_SIZE", 1024),
		RecoveryScanCron: pkgconfig.GetEnv("RECOVERY_SCAN_CRON", "@every 1m"),

		WorkerID: pkgconfig.GetEnvInt64("WORKER_ID", 1),

		TracingEnabled:  pkgconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: pkgconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSample:   float64(pkgconfig.GetEnvInt("TRACING_SAMPLE_PERCENT", 10)) / 100,

		AuditEnabled: pkgconfig.GetEnvBool("AUDIT_ENABLED", true),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
