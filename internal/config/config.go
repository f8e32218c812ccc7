package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port              string
	RedisURL          string
	JWTSecret         string
	PresenceTTL       time.Duration
	CursorTTL         time.Duration
	ReconcileInterval time.Duration
	CursorMinInterval time.Duration
	LogLevel          string
}

func Load() *Config {
	return &Config{
		Port:              getEnv("PORT", "8080"),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		PresenceTTL:       getEnvDuration("PRESENCE_TTL", 300*time.Second),
		CursorTTL:         getEnvDuration("CURSOR_TTL", 60*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 60*time.Second),
		CursorMinInterval: getEnvDuration("CURSOR_MIN_INTERVAL", 100*time.Millisecond),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvDuration accepts either a Go duration string ("90s", "1m30s")
// or a bare integer number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
