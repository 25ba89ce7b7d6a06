package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Timezone    string
	Location    *time.Location
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Validation  ValidationConfig
	Fault       FaultConfig
	Rollup      RollupConfig
	Usage       UsageConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL               string
	IngestExchange    string
	IngestQueue       string
	IngestRoutingKey  string
	EventsExchange    string
	ReadingRoutingKey string
	FaultRoutingKey   string
	DLQQueue          string
	PrefetchCount     int
}

// MQTTConfig holds the device telemetry broker settings. An empty URL disables MQTT.
type MQTTConfig struct {
	URL      string
	ClientID string
	Topic    string
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int
}

// FaultConfig holds fault detection settings
type FaultConfig struct {
	EmptyPayloadThreshold int
}

// RollupConfig holds the daily rollup schedule
type RollupConfig struct {
	Enabled  bool
	Schedule string
}

// UsageConfig holds aggregation query settings
type UsageConfig struct {
	CacheTTL time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "energy-usage-service"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		Timezone:    getEnv("TIMEZONE", "Local"),
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			IngestExchange:    getEnv("RABBITMQ_INGEST_EXCHANGE", "energy-usage.telemetry.exchange"),
			IngestQueue:       getEnv("RABBITMQ_INGEST_QUEUE", "energy-usage.telemetry.queue"),
			IngestRoutingKey:  getEnv("RABBITMQ_INGEST_ROUTING_KEY", "device.telemetry.received"),
			EventsExchange:    getEnv("RABBITMQ_EVENTS_EXCHANGE", "energy-usage.events.exchange"),
			ReadingRoutingKey: getEnv("RABBITMQ_READING_ROUTING_KEY", "device.reading.recorded"),
			FaultRoutingKey:   getEnv("RABBITMQ_FAULT_ROUTING_KEY", "device.fault.detected"),
			DLQQueue:          getEnv("RABBITMQ_DLQ_QUEUE", "energy-usage.telemetry.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		MQTT: MQTTConfig{
			URL:      getEnv("MQTT_URL", ""),
			ClientID: getEnv("MQTT_CLIENT_ID", "energy-usage-service"),
			Topic:    getEnv("MQTT_TOPIC", "plug/+/data"),
		},
		Validation: ValidationConfig{
			TimestampToleranceMinutes: getEnvAsInt("VALIDATION_TIMESTAMP_TOLERANCE_MINUTES", 10080),
		},
		Fault: FaultConfig{
			EmptyPayloadThreshold: getEnvAsInt("FAULT_EMPTY_PAYLOAD_THRESHOLD", 5),
		},
		Rollup: RollupConfig{
			Enabled:  getEnvAsBool("ROLLUP_ENABLED", true),
			Schedule: getEnv("ROLLUP_SCHEDULE", "5 0 * * *"),
		},
		Usage: UsageConfig{
			CacheTTL: time.Duration(getEnvAsInt("USAGE_CACHE_TTL_SECONDS", 30)) * time.Second,
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q is invalid: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if cfg.Rollup.Enabled {
		if _, err := cron.ParseStandard(cfg.Rollup.Schedule); err != nil {
			return nil, fmt.Errorf("ROLLUP_SCHEDULE %q is invalid: %w", cfg.Rollup.Schedule, err)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
