package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

const (
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds the configuration for the nudge engine.
// Environment variables are parsed from the NUDGE_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// Identity
	UserID   string `envconfig:"USER_ID" default:"local_user"`
	DeviceID string `envconfig:"DEVICE_ID" default:""`

	// Local state; empty means localstate.DataDir()
	DataDir     string `envconfig:"DATA_DIR" default:""`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`

	// Health checks
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"11546"`

	// Sync relay
	SyncEnabled              bool   `envconfig:"SYNC_ENABLED" default:"true"`
	CollectorURL             string `envconfig:"COLLECTOR_URL" default:"ws://localhost:11547/ws"`
	CollectorTransport       string `envconfig:"COLLECTOR_TRANSPORT" default:"websocket"`
	SyncSigningKey           string `envconfig:"SYNC_SIGNING_KEY" default:"local-dev-signing-key"`
	HeartbeatIntervalSeconds int    `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"30"`
	LivenessIntervalSeconds  int    `envconfig:"LIVENESS_INTERVAL_SECONDS" default:"10"`
	ReconnectMaxAttempts     int    `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	QueueCapacity            int    `envconfig:"QUEUE_CAPACITY" default:"1000"`
	FlushBatchSize           int    `envconfig:"FLUSH_BATCH_SIZE" default:"50"`
	MaxFlushFailures         int    `envconfig:"MAX_FLUSH_FAILURES" default:"5"`
	SendTimeoutSeconds       int    `envconfig:"SEND_TIMEOUT_SECONDS" default:"10"`

	// Delay manager
	DelayHours        int `envconfig:"DELAY_HOURS" default:"24"`
	ReminderLeadHours int `envconfig:"REMINDER_LEAD_HOURS" default:"2"`

	// Profile learning
	MaxInteractions     int     `envconfig:"MAX_INTERACTIONS" default:"500"`
	FatigueLimit        int     `envconfig:"FATIGUE_LIMIT" default:"3"`
	SimilarityThreshold float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.5"`
	CO2Weight           float64 `envconfig:"CO2_WEIGHT" default:"0.3"`
	CO2HalfSaturationKg float64 `envconfig:"CO2_HALF_SATURATION_KG" default:"5"`

	// Predictive triggers
	TriggerThreshold float64 `envconfig:"TRIGGER_THRESHOLD" default:"0.7"`
}

// ResolveDefaults validates ranges and fills derived values.
func (c *Config) ResolveDefaults() error {
	switch c.CollectorTransport {
	case TransportWebSocket, TransportHTTP:
	case "":
		c.CollectorTransport = TransportWebSocket
	default:
		return fmt.Errorf("unsupported COLLECTOR_TRANSPORT: %s", c.CollectorTransport)
	}
	switch c.StoreDriver {
	case StoreSQLite, StoreMemory:
	case "":
		c.StoreDriver = StoreSQLite
	default:
		return fmt.Errorf("unsupported STORE_DRIVER: %s", c.StoreDriver)
	}
	if c.HealthIntervalSeconds <= 0 {
		c.HealthIntervalSeconds = 30
	}
	if c.HealthProbeTimeoutSeconds <= 0 {
		c.HealthProbeTimeoutSeconds = 2
	}
	if c.DelayHours < 24 || c.DelayHours > 48 {
		return fmt.Errorf("DELAY_HOURS must be within 24..48, got %d", c.DelayHours)
	}
	if c.ReminderLeadHours < 0 || c.ReminderLeadHours >= c.DelayHours {
		return fmt.Errorf("REMINDER_LEAD_HOURS must be within 0..%d, got %d", c.DelayHours-1, c.ReminderLeadHours)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be within (0,1], got %v", c.SimilarityThreshold)
	}
	if c.CO2Weight < 0 || c.CO2Weight > 1 {
		return fmt.Errorf("CO2_WEIGHT must be within [0,1], got %v", c.CO2Weight)
	}
	if c.CO2HalfSaturationKg <= 0 {
		return fmt.Errorf("CO2_HALF_SATURATION_KG must be positive, got %v", c.CO2HalfSaturationKg)
	}
	if c.TriggerThreshold <= 0 || c.TriggerThreshold > 1 {
		return fmt.Errorf("TRIGGER_THRESHOLD must be within (0,1], got %v", c.TriggerThreshold)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 50
	}
	if c.MaxInteractions <= 0 {
		return fmt.Errorf("MAX_INTERACTIONS must be positive, got %d", c.MaxInteractions)
	}
	if c.FatigueLimit <= 0 {
		return fmt.Errorf("FATIGUE_LIMIT must be positive, got %d", c.FatigueLimit)
	}
	if c.DeviceID == "" {
		c.DeviceID = c.UserID
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// A .env file in the working directory is loaded first when present.
// Example: NUDGE_HTTP_PORT, NUDGE_COLLECTOR_URL
func New() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("NUDGE", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("user_id", cfg.UserID).
		Int("port", cfg.HTTPPort).
		Bool("sync_enabled", cfg.SyncEnabled).
		Str("collector_url", cfg.CollectorURL).
		Str("collector_transport", cfg.CollectorTransport).
		Str("store_driver", cfg.StoreDriver).
		Int("queue_capacity", cfg.QueueCapacity).
		Int("delay_hours", cfg.DelayHours).
		Float64("co2_weight", cfg.CO2Weight).
		Float64("similarity_threshold", cfg.SimilarityThreshold).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	cfg := &Config{
		Environment:               EnvTesting,
		LogLevel:                  "debug",
		UserID:                    "test_user",
		DeviceID:                  "test_device",
		StoreDriver:               StoreMemory,
		HealthIntervalSeconds:     1,
		HealthProbeTimeoutSeconds: 1,
		HTTPPort:                  11546,
		SyncEnabled:               false,
		CollectorURL:              "ws://localhost:11547/ws",
		CollectorTransport:        TransportWebSocket,
		SyncSigningKey:            "test-signing-key",
		HeartbeatIntervalSeconds:  30,
		LivenessIntervalSeconds:   10,
		ReconnectMaxAttempts:      5,
		QueueCapacity:             1000,
		FlushBatchSize:            50,
		MaxFlushFailures:          5,
		SendTimeoutSeconds:        10,
		DelayHours:                24,
		ReminderLeadHours:         2,
		MaxInteractions:           500,
		FatigueLimit:              3,
		SimilarityThreshold:       0.5,
		CO2Weight:                 0.3,
		CO2HalfSaturationKg:       5,
		TriggerThreshold:          0.7,
	}
	return cfg
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// DelayDuration is the cooling-off period applied to new delays.
func (c *Config) DelayDuration() time.Duration {
	return time.Duration(c.DelayHours) * time.Hour
}

func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.ReminderLeadHours) * time.Hour
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) LivenessInterval() time.Duration {
	return time.Duration(c.LivenessIntervalSeconds) * time.Second
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

func (c *Config) HealthProbeTimeout() time.Duration {
	return time.Duration(c.HealthProbeTimeoutSeconds) * time.Second
}

// CollectorConfig configures the collector stub binary.
// Environment variables are parsed from the NUDGE_COLLECTOR_ prefix.
type CollectorConfig struct {
	Port          int    `envconfig:"PORT" default:"11547"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	SigningKey    string `envconfig:"SIGNING_KEY" default:"local-dev-signing-key"`
	DedupTTLHours int    `envconfig:"DEDUP_TTL_HOURS" default:"72"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
}

// NewCollector loads the collector stub configuration.
func NewCollector() (*CollectorConfig, error) {
	_ = godotenv.Load()

	var cfg CollectorConfig
	if err := envconfig.Process("NUDGE_COLLECTOR", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if cfg.DedupTTLHours <= 0 {
		return nil, fmt.Errorf("DEDUP_TTL_HOURS must be positive, got %d", cfg.DedupTTLHours)
	}
	return &cfg, nil
}

func (c *CollectorConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *CollectorConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLHours) * time.Hour
}
