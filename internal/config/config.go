package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `json:"server"`

	// KIS Open API credentials and endpoints
	KIS KISConfig `json:"kis"`

	// Storage backends
	Storage StorageConfig `json:"storage"`

	// Streaming session behavior
	Stream StreamConfig `json:"stream"`

	// Application Settings
	App AppConfig `json:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// KISConfig holds KIS Open API configuration
type KISConfig struct {
	AppKey      string        `json:"app_key"`
	AppSecret   string        `json:"-"`
	ApprovalURL string        `json:"approval_url"`
	StreamURL   string        `json:"stream_url"`
	AuthTimeout time.Duration `json:"auth_timeout"`
}

// StorageConfig holds Redis and catalog configuration
type StorageConfig struct {
	RedisURL      string `json:"redis_url"`
	CatalogDriver string `json:"catalog_driver"` // sqlite3 or postgres
	CatalogDSN    string `json:"catalog_dsn"`
}

// StreamConfig holds subscription and reconnect behavior
type StreamConfig struct {
	BaseWatchSize        int           `json:"base_watch_size"`
	MaxAdditional        int           `json:"max_additional"`
	SubscribeInterval    time.Duration `json:"subscribe_interval"`
	AdditionalInterval   time.Duration `json:"additional_interval"`
	RetryInterval        time.Duration `json:"retry_interval"`
	ReconnectDelay       time.Duration `json:"reconnect_delay"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	QuoteTTL             time.Duration `json:"quote_ttl"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment   string `json:"environment"`
	Debug         bool   `json:"debug"`
	CatalogAPIURL string `json:"catalog_api_url"`
}

// Load loads configuration from environment variables and files
func Load() (*Config, error) {
	// Try to load .env files in order of preference
	envFiles := []string{
		"configs/production.env",
		"configs/streamer.env",
		".env",
	}

	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				break // Successfully loaded
			}
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("HTTP_PORT", "8080"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:  getDurationOrDefault("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationOrDefault("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getDurationOrDefault("IDLE_TIMEOUT", 120*time.Second),
		},
		KIS: KISConfig{
			AppKey:      getEnvOrDefault("KIS_API_KEY", ""),
			AppSecret:   getEnvOrDefault("KIS_SECRET_KEY", ""),
			ApprovalURL: getEnvOrDefault("KIS_APPROVAL_URL", "https://openapi.koreainvestment.com:9443/oauth2/Approval"),
			StreamURL:   getEnvOrDefault("KIS_STREAM_URL", "ws://ops.koreainvestment.com:21000"),
			AuthTimeout: getDurationOrDefault("KIS_AUTH_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			RedisURL:      getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			CatalogDriver: getEnvOrDefault("CATALOG_DRIVER", "sqlite3"),
			CatalogDSN:    getEnvOrDefault("CATALOG_DSN", "instruments.db"),
		},
		Stream: StreamConfig{
			BaseWatchSize:        getIntOrDefault("BASE_WATCH_SIZE", 28),
			MaxAdditional:        getIntOrDefault("MAX_ADDITIONAL_SUBSCRIPTIONS", 50),
			SubscribeInterval:    getDurationOrDefault("SUBSCRIBE_INTERVAL", 1*time.Second),
			AdditionalInterval:   getDurationOrDefault("ADDITIONAL_INTERVAL", 500*time.Millisecond),
			RetryInterval:        getDurationOrDefault("RETRY_INTERVAL", 2*time.Second),
			ReconnectDelay:       getDurationOrDefault("RECONNECT_DELAY", 5*time.Second),
			MaxReconnectAttempts: getIntOrDefault("MAX_RECONNECT_ATTEMPTS", 3),
			QuoteTTL:             getDurationOrDefault("QUOTE_TTL", 5*time.Minute),
		},
		App: AppConfig{
			Environment:   getEnvOrDefault("ENVIRONMENT", "development"),
			Debug:         getBoolOrDefault("DEBUG", false),
			CatalogAPIURL: getEnvOrDefault("CATALOG_API_URL", ""),
		},
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.KIS.AppKey == "" || c.KIS.AppSecret == "" {
		return fmt.Errorf("KIS_API_KEY and KIS_SECRET_KEY are required")
	}

	if c.KIS.ApprovalURL == "" {
		return fmt.Errorf("KIS approval URL is required")
	}

	if c.KIS.StreamURL == "" {
		return fmt.Errorf("KIS stream URL is required")
	}

	if c.Storage.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	switch c.Storage.CatalogDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported catalog driver: %s", c.Storage.CatalogDriver)
	}

	if c.Storage.CatalogDSN == "" {
		return fmt.Errorf("catalog DSN is required")
	}

	if c.Stream.BaseWatchSize <= 0 {
		return fmt.Errorf("base watch size must be positive")
	}

	if c.Stream.MaxAdditional <= 0 {
		return fmt.Errorf("additional subscription limit must be positive")
	}

	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return strings.ToLower(c.App.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.App.Environment) == "development"
}

// Helper functions for environment variable parsing

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
