package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files; with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvInt64 is GetEnvInt for byte counts and other 64-bit values.
func GetEnvInt64(key string, fallback int64) int64 {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses values such as "5s" or "1h". Invalid values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool returns fallback unless the variable parses with strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// Config is the complete runtime configuration of the relay service.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	EngineURL            string
	EngineWSURL          string
	EngineConnectTimeout time.Duration
	EngineReadTimeout    time.Duration
	EngineOpenTimeout    time.Duration

	MediaCacheTTL      time.Duration
	MediaCacheMaxBytes int64

	SessionRetention     time.Duration
	SessionSweepInterval time.Duration
	MinCameraPersist     time.Duration
	OutputDir            string

	DBPath             string
	PostgresDSN        string
	RabbitMQURL        string
	RabbitMQExchange   string
	RabbitMQRoutingKey string
}

// FromEnv builds a Config from the environment, applying defaults for unset keys.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		EngineURL:            GetEnv("ENGINE_URL", "http://localhost:8000"),
		EngineWSURL:          GetEnv("ENGINE_WS_URL", "ws://localhost:8000/ws/video_stream"),
		EngineConnectTimeout: GetEnvDuration("ENGINE_CONNECT_TIMEOUT", 10*time.Second),
		EngineReadTimeout:    GetEnvDuration("ENGINE_READ_TIMEOUT", 30*time.Second),
		EngineOpenTimeout:    GetEnvDuration("ENGINE_OPEN_TIMEOUT", 5*time.Second),

		MediaCacheTTL:      GetEnvDuration("MEDIA_CACHE_TTL", 5*time.Minute),
		MediaCacheMaxBytes: GetEnvInt64("MEDIA_CACHE_MAX_BYTES", 0),

		SessionRetention:     GetEnvDuration("SESSION_RETENTION", time.Hour),
		SessionSweepInterval: GetEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		MinCameraPersist:     GetEnvDuration("MIN_CAMERA_PERSIST", 5*time.Second),
		OutputDir:            GetEnv("OUTPUT_DIR", os.TempDir()),

		DBPath:             GetEnv("DB_PATH", "detections.db"),
		PostgresDSN:        GetEnv("POSTGRES_DSN", ""),
		RabbitMQURL:        GetEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   GetEnv("RABBITMQ_EXCHANGE", "detection.sessions"),
		RabbitMQRoutingKey: GetEnv("RABBITMQ_ROUTING_KEY", "session.ended"),
	}
}
