// Package config loads the agent's process configuration from environment
// variables (with optional .env file) and CLI overrides.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	VehicleID string `env:"VEHICLE_ID,required"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"fleet-agent"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// All MQTT topics are derived from VehicleID: fleet/<vehicle_id>/<kind>.
	MQTTPublishTimeout time.Duration `env:"MQTT_PUBLISH_TIMEOUT" envDefault:"10s"`

	PersistDir      string `env:"PERSIST_DIR" envDefault:"./persist"`
	PersistMaxBytes int64  `env:"PERSIST_MAX_BYTES" envDefault:"104857600"`

	// Optional durable backing store for payload records and checkin audit
	// trail, alternative to the on-disk blob store.
	DatabaseURL string `env:"DATABASE_URL"`

	// Optional S3 cold archive for oversized raw-data blobs.
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"` // non-empty for S3-compatible non-AWS endpoints
	S3Prefix    string `env:"S3_PREFIX" envDefault:"raw-frames"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// Raw frames at or above this size are pushed to the cold archive
	// instead of being retained only by reference. 0 disables archiving.
	RawArchiveThresholdBytes int `env:"RAW_ARCHIVE_THRESHOLD_BYTES" envDefault:"65536"`

	PipelineQueueSize    int `env:"PIPELINE_QUEUE_SIZE" envDefault:"2048"`
	PipelineConsumerSize int `env:"PIPELINE_CONSUMER_SIZE" envDefault:"512"`

	RawBufferReservedBytesDefault  int64 `env:"RAWBUFFER_RESERVED_BYTES_DEFAULT" envDefault:"65536"`
	RawBufferMaxBytesDefault       int64 `env:"RAWBUFFER_MAX_BYTES_DEFAULT" envDefault:"1048576"`
	RawBufferMaxSamplesDefault     int   `env:"RAWBUFFER_MAX_SAMPLES_DEFAULT" envDefault:"32"`
	RawBufferMaxBytesPerSample     int64 `env:"RAWBUFFER_MAX_BYTES_PER_SAMPLE" envDefault:"262144"`
	RawBufferGlobalMaxBytes        int64 `env:"RAWBUFFER_GLOBAL_MAX_BYTES" envDefault:"16777216"`

	CampaignManagerIdleTimeMs int64 `env:"COLLECTION_SCHEME_MANAGER_IDLE_TIME_MS" envDefault:"5000"`
	ConditionTreeMaxDepth     int   `env:"CONDITION_TREE_MAX_DEPTH" envDefault:"64"`

	CheckinIntervalMs int64 `env:"CHECKIN_INTERVAL_MS" envDefault:"10000"`

	UploadQueueSize     int           `env:"UPLOAD_QUEUE_SIZE" envDefault:"256"`
	UploadWorkers       int           `env:"UPLOAD_WORKERS" envDefault:"2"`
	UploadRetryInterval time.Duration `env:"UPLOAD_RETRY_INTERVAL" envDefault:"30s"`

	// Optional local signal sources, for bench testing without a live bus.
	// SIM_SOURCE_SIGNALS is a comma-separated "source:name" list, e.g.
	// "can:engine_rpm,obd:speed"; empty disables the simulator.
	SimSourceSignals  string        `env:"SIM_SOURCE_SIGNALS"`
	SimSourcePeriod   time.Duration `env:"SIM_SOURCE_PERIOD" envDefault:"100ms"`
	SourceDropDir     string        `env:"SOURCE_DROP_DIR"` // empty disables the file-drop source

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool   // true when auto-generated (not from env/config)
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins        string  `env:"CORS_ORIGINS"`
	LogLevel           string  `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled     bool    `env:"METRICS_ENABLED" envDefault:"true"`
}

// Validate checks that the transport and identity required to function are configured.
func (c *Config) Validate() error {
	if c.VehicleID == "" {
		return fmt.Errorf("VEHICLE_ID must be set")
	}
	if c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL must be set")
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	MQTTBrokerURL string
	PersistDir    string
	VehicleID     string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.PersistDir != "" {
		cfg.PersistDir = overrides.PersistDir
	}
	if overrides.VehicleID != "" {
		cfg.VehicleID = overrides.VehicleID
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate a token so the diagnostics API is never left open
		// by accident; set AUTH_TOKEN for a persistent one across restarts.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
