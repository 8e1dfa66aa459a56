// Package config loads Living Codex configuration from environment
// variables (spec §6), in the same plain os.Getenv/strconv style as
// the teacher's pkg/config/config.go — no third-party config library,
// LoadFromEnv() populating a struct, Validate() catching
// inconsistencies before the facade wires backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment values recognized by the ENVIRONMENT variable.
const (
	EnvironmentTesting = "Testing"
)

// IceStorageType selects the durable backend flavor.
type IceStorageType string

const (
	IceStorageSQLite     IceStorageType = "sqlite"
	IceStoragePostgreSQL IceStorageType = "postgresql"
)

// Config holds every environment-driven setting the core needs.
type Config struct {
	// PersistenceEnabled, when false, forces both tiers in-memory and
	// all data is lost on exit.
	PersistenceEnabled bool
	// IceStorageType selects the durable backend.
	IceStorageType IceStorageType
	// IceConnectionString is backend-specific: a file path for sqlite,
	// a DSN for postgresql.
	IceConnectionString string
	// WaterConnectionString is backend-specific: a filesystem path for
	// the embedded badger backend, or a "redis://host:port" URL to
	// select the redis backend. Defaults to an embedded path.
	WaterConnectionString string
	// Environment, when "Testing", forces both backends in-memory
	// regardless of PersistenceEnabled.
	Environment string

	// WriterWorkers bounds the async writer's cross-key concurrency.
	WriterWorkers int
	// WriterQueueHighWater is the pending-key count above which the
	// writer logs a backpressure warning.
	WriterQueueHighWater int
	// ShutdownTimeout bounds how long Close waits for in-flight
	// effects to drain (spec §5, default 30s).
	ShutdownTimeout time.Duration
}

// LoadFromEnv reads every recognized variable, applying the defaults
// spec §6 implies when unset.
func LoadFromEnv() *Config {
	cfg := &Config{
		PersistenceEnabled:    getEnvBool("PERSISTENCE_ENABLED", true),
		IceStorageType:        IceStorageType(getEnv("ICE_STORAGE_TYPE", string(IceStorageSQLite))),
		IceConnectionString:   getEnv("ICE_CONNECTION_STRING", "./data/codex.db"),
		WaterConnectionString: getEnv("WATER_CONNECTION_STRING", "./data/codex-water"),
		Environment:           getEnv("ENVIRONMENT", "Production"),

		WriterWorkers:        getEnvInt("CODEX_WRITER_WORKERS", 8),
		WriterQueueHighWater: getEnvInt("CODEX_WRITER_QUEUE_HIGH_WATER", 1000),
		ShutdownTimeout:      getEnvDuration("CODEX_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	return cfg
}

// ForceInMemory reports whether both tiers must collapse to in-memory
// storage (spec §6: PERSISTENCE_ENABLED=false or ENVIRONMENT=Testing).
func (c *Config) ForceInMemory() bool {
	return !c.PersistenceEnabled || c.Environment == EnvironmentTesting
}

// UsesRedisWater reports whether WaterConnectionString selects the
// redis backend rather than the default embedded badger one.
func (c *Config) UsesRedisWater() bool {
	return strings.HasPrefix(c.WaterConnectionString, "redis://")
}

// Validate rejects configurations the core cannot act on.
func (c *Config) Validate() error {
	switch c.IceStorageType {
	case IceStorageSQLite:
		// supported
	case IceStoragePostgreSQL:
		return fmt.Errorf("config: ICE_STORAGE_TYPE=postgresql is not implemented by this build; use sqlite")
	default:
		return fmt.Errorf("config: unknown ICE_STORAGE_TYPE %q", c.IceStorageType)
	}
	if c.WriterWorkers <= 0 {
		return fmt.Errorf("config: CODEX_WRITER_WORKERS must be positive, got %d", c.WriterWorkers)
	}
	if c.WriterQueueHighWater <= 0 {
		return fmt.Errorf("config: CODEX_WRITER_QUEUE_HIGH_WATER must be positive, got %d", c.WriterQueueHighWater)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: CODEX_SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
