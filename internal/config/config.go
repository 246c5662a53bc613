package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server side
	MongoURI       string
	PostgresURI    string
	RedisURI       string
	Port           string
	AllowedOrigins string
	Environment    string

	// Agent side
	DataDir         string
	SyncServerURL   string
	DeviceID        string
	FlushInterval   time.Duration
	SyncBatchSize   int
	SyncMaxAttempts int
	FlushTimeout    time.Duration
}

func Load() *Config {
	return &Config{
		MongoURI:       getEnv("MONGODB_URI", ""),
		PostgresURI:    getEnv("POSTGRES_URI", ""),
		RedisURI:       getEnv("REDIS_URI", ""),
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		Environment:    getEnv("ENVIRONMENT", "development"),

		DataDir:         getEnv("DATA_DIR", "./data"),
		SyncServerURL:   getEnv("SYNC_SERVER_URL", "http://localhost:8080"),
		DeviceID:        getEnv("DEVICE_ID", ""),
		FlushInterval:   getEnvDuration("FLUSH_INTERVAL", 30*time.Second),
		SyncBatchSize:   getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncMaxAttempts: getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		FlushTimeout:    getEnvDuration("FLUSH_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
