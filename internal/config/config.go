package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the signalling server.
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// STUN servers handed to peer engines for ICE gathering.
	STUNServers []string

	// DefaultMaxConcurrent seeds room.Config.MaxConcurrent when a room is
	// created without an explicit value.
	DefaultMaxConcurrent int

	// RoomCleanupGracePeriodSeconds is how long an empty room is kept
	// around before its registry entry is forgotten.
	RoomCleanupGracePeriodSeconds int

	// Rate limits (ulule/limiter format string, e.g. "100-M")
	RateLimitAPIRooms string
	RateLimitWsUpgrade string

	// OtelCollectorAddr enables tracing when non-empty (host:port of an OTLP
	// gRPC collector). Left empty, tracing.InitTracer is never called.
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	stunRaw := getEnvOrDefault("STUN_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	for _, s := range strings.Split(stunRaw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.STUNServers = append(cfg.STUNServers, s)
		}
	}

	defaultMax, err := strconv.Atoi(getEnvOrDefault("DEFAULT_MAX_CONCURRENT", "3"))
	if err != nil || defaultMax < 1 || defaultMax > 10 {
		errors = append(errors, fmt.Sprintf("DEFAULT_MAX_CONCURRENT must be an integer between 1 and 10 (got %q)", os.Getenv("DEFAULT_MAX_CONCURRENT")))
	}
	cfg.DefaultMaxConcurrent = defaultMax

	gracePeriod, err := strconv.Atoi(getEnvOrDefault("ROOM_CLEANUP_GRACE_PERIOD_SECONDS", "5"))
	if err != nil || gracePeriod < 0 {
		errors = append(errors, fmt.Sprintf("ROOM_CLEANUP_GRACE_PERIOD_SECONDS must be a non-negative integer (got %q)", os.Getenv("ROOM_CLEANUP_GRACE_PERIOD_SECONDS")))
	}
	cfg.RoomCleanupGracePeriodSeconds = gracePeriod

	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitWsUpgrade = getEnvOrDefault("RATE_LIMIT_WS_UPGRADE", "100-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", redactSecret(cfg.RedisAddr),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"default_max_concurrent", cfg.DefaultMaxConcurrent,
		"room_cleanup_grace_period_seconds", cfg.RoomCleanupGracePeriodSeconds,
		"stun_servers", cfg.STUNServers,
		"rate_limit_api_rooms", cfg.RateLimitAPIRooms,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a value by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
