package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Dispatch modes
const (
	DispatchInline = "inline"
	DispatchQueue  = "queue"
)

// Delivery modes
const (
	DeliverySimulated = "simulated"
	DeliveryHTTP      = "http"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	RabbitMQ RabbitMQConfig
	Dispatch DispatchConfig
	Delivery DeliveryConfig
	Reaper   ReaperConfig
	Log      LogConfig
	Env      string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// RabbitMQConfig holds RabbitMQ configuration
type RabbitMQConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Queue    string
}

// DispatchConfig selects how started tasks reach an execution loop
type DispatchConfig struct {
	Mode string
}

// DeliveryConfig configures the external delivery provider
type DeliveryConfig struct {
	Mode         string
	BaseURL      string
	APIToken     string
	ActorID      string
	PollInterval time.Duration
	MaxWait      time.Duration
	SuccessRate  float64
}

// ReaperConfig configures periodic stale-run reclamation
type ReaperConfig struct {
	Schedule string
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			User:     getEnv("POSTGRES_USER", "outreach"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			DBName:   getEnv("POSTGRES_DB", "outreach_db"),
		},
		RabbitMQ: RabbitMQConfig{
			Host:     getEnv("RABBITMQ_HOST", "localhost"),
			Port:     getEnv("RABBITMQ_PORT", "5672"),
			User:     getEnv("RABBITMQ_DEFAULT_USER", "guest"),
			Password: getEnv("RABBITMQ_DEFAULT_PASS", "guest"),
			Queue:    getEnv("TASK_QUEUE", "message_tasks"),
		},
		Dispatch: DispatchConfig{
			Mode: strings.ToLower(getEnv("DISPATCH_MODE", DispatchInline)),
		},
		Delivery: DeliveryConfig{
			Mode:         strings.ToLower(getEnv("DELIVERY_MODE", DeliverySimulated)),
			BaseURL:      getEnv("DELIVERY_BASE_URL", "https://api.apify.com"),
			APIToken:     getEnv("DELIVERY_API_TOKEN", ""),
			ActorID:      getEnv("DELIVERY_ACTOR_ID", ""),
			PollInterval: getEnvAsDuration("DELIVERY_POLL_INTERVAL", 2*time.Second),
			MaxWait:      getEnvAsDuration("DELIVERY_MAX_WAIT", 180*time.Second),
			SuccessRate:  getEnvAsFloat("DELIVERY_SUCCESS_RATE", 0.95),
		},
		Reaper: ReaperConfig{
			Schedule: getEnv("REAPER_SCHEDULE", "@every 5m"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Env: getEnv("ENV", "development"),
	}

	// Validate required fields
	if config.Database.Password == "" {
		return nil, fmt.Errorf("POSTGRES_PASSWORD is required")
	}

	switch config.Dispatch.Mode {
	case DispatchInline, DispatchQueue:
	default:
		return nil, fmt.Errorf("DISPATCH_MODE must be %q or %q, got %q", DispatchInline, DispatchQueue, config.Dispatch.Mode)
	}

	switch config.Delivery.Mode {
	case DeliverySimulated:
	case DeliveryHTTP:
		if config.Delivery.ActorID == "" {
			return nil, fmt.Errorf("DELIVERY_ACTOR_ID is required when DELIVERY_MODE is %q", DeliveryHTTP)
		}
	default:
		return nil, fmt.Errorf("DELIVERY_MODE must be %q or %q, got %q", DeliverySimulated, DeliveryHTTP, config.Delivery.Mode)
	}

	return config, nil
}

// GetDatabaseDSN returns PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
	)
}

// GetRabbitMQURL returns RabbitMQ connection URL
func (c *Config) GetRabbitMQURL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		c.RabbitMQ.User,
		c.RabbitMQ.Password,
		c.RabbitMQ.Host,
		c.RabbitMQ.Port,
	)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// UsesQueue reports whether started tasks are published to RabbitMQ
func (c *Config) UsesQueue() bool {
	return c.Dispatch.Mode == DispatchQueue
}

// getEnv gets environment variable or returns default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsFloat gets environment variable as float or returns default
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
