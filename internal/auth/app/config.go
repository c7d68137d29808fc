package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env       string // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string // Log format (json, text) (default: json)

	Region       string // Primary region code (default: us-east-1)
	DatabaseFile string // Path to the primary SQLite database file (default: ./kestrel.db)
	Regions      string // Secondary regions as comma-separated code=file pairs

	RedisURL      string        // Redis connection URL (default: redis://localhost:6379/0)
	SyncStream    string        // Replication stream key (default: replication:clients)
	SyncGroup     string        // Consumer group name (default: region-sync)
	SyncConsumer  string        // Consumer name within the group (default: hostname)
	SyncBatchSize int           // Max messages per poll (default: 16)
	SyncMinIdle   time.Duration // Visibility timeout before redelivery (default: 30s)
	SyncPollRate  float64       // Max queue polls per second (default: 10)

	BreakerFailureThreshold int           // Consecutive failures before the circuit opens (default: 5)
	BreakerResetTimeout     time.Duration // Open-state cooldown before a trial call (default: 30s)
	RetryMaxAttempts        int           // Total attempts per store operation (default: 3)
	RetryBaseDelay          time.Duration // First backoff delay (default: 100ms)

	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
	UsageRetention       time.Duration // Token usage retention window (default: 30 days)
}

func LoadConfig() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "sync-worker"
	}

	return Config{
		Env:       getEnvOrDefault("ENV", "dev"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),

		Region:       getEnvOrDefault("KESTREL_REGION", "us-east-1"),
		DatabaseFile: getEnvOrDefault("KESTREL_DATABASE_FILE", "kestrel.db"),
		Regions:      os.Getenv("KESTREL_SYNC_REGIONS"),

		RedisURL:      getEnvOrDefault("KESTREL_REDIS_URL", "redis://localhost:6379/0"),
		SyncStream:    getEnvOrDefault("KESTREL_SYNC_STREAM", "replication:clients"),
		SyncGroup:     getEnvOrDefault("KESTREL_SYNC_GROUP", "region-sync"),
		SyncConsumer:  getEnvOrDefault("KESTREL_SYNC_CONSUMER", hostname),
		SyncBatchSize: getEnvIntOrDefault("KESTREL_SYNC_BATCH_SIZE", 16),
		SyncMinIdle:   getEnvDurationOrDefault("KESTREL_SYNC_MIN_IDLE", 30*time.Second),
		SyncPollRate:  getEnvFloatOrDefault("KESTREL_SYNC_POLL_RATE", 10),

		BreakerFailureThreshold: getEnvIntOrDefault("KESTREL_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getEnvDurationOrDefault("KESTREL_BREAKER_RESET_TIMEOUT", 30*time.Second),
		RetryMaxAttempts:        getEnvIntOrDefault("KESTREL_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:          getEnvDurationOrDefault("KESTREL_RETRY_BASE_DELAY", 100*time.Millisecond),

		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
		UsageRetention:       getEnvDurationOrDefault("KESTREL_USAGE_RETENTION", 30*24*time.Hour),
	}
}

// ParseRegions splits the KESTREL_SYNC_REGIONS value into code/database
// pairs. The format is "code=file" entries separated by commas, e.g.
// "eu-west-1=/data/eu-west.db,ap-south-1=/data/ap-south.db".
func (c Config) ParseRegions() (map[string]string, error) {
	regions := make(map[string]string)
	for _, entry := range strings.Split(c.Regions, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		code, file, ok := strings.Cut(entry, "=")
		code = strings.TrimSpace(code)
		file = strings.TrimSpace(file)
		if !ok || code == "" || file == "" {
			return nil, fmt.Errorf("invalid region entry %q, want code=file", entry)
		}
		if _, dup := regions[code]; dup {
			return nil, fmt.Errorf("duplicate region code %q", code)
		}
		regions[code] = file
	}
	return regions, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
		return floatValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes (for backwards compatibility)
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
