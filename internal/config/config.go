// Package config loads connector configuration from the environment and
// resolves the OAuth refresh credential through a secret provider.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/sink"
)

// Config holds all configuration for the connector.
type Config struct {
	// API settings
	BaseURL     string
	TimeoutSecs int
	MaxRetries  int
	RateLimit   float64
	RateBurst   int
	MaxPages    int
	TokenCache  bool

	// Secret settings
	SecretSource string
	SecretFile   string

	// Watermark settings
	WatermarkStore string
	WatermarkPath  string
	WatermarkDSN   string

	// Sink settings
	SinkStore   string
	SinkBucket  string
	SinkPrefix  string
	SinkFormat  string
	SinkRoot    string
	MaxPartRows int

	// S3 settings (sink store "s3")
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Run defaults (flags override)
	Workers     int
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible
// defaults. Secrets are not loaded here; see SecretProvider.
func Load() *Config {
	return &Config{
		BaseURL:     getEnv("HUBSPOT_BASE_URL", hubspot.DefaultBaseURL),
		TimeoutSecs: getEnvInt("HUBSPOT_TIMEOUT_SECS", 120),
		MaxRetries:  getEnvInt("HUBSPOT_MAX_RETRIES", 6),
		RateLimit:   getEnvFloat("HUBSPOT_RATE_LIMIT", 10.0),
		RateBurst:   getEnvInt("HUBSPOT_RATE_BURST", 5),
		MaxPages:    getEnvInt("HUBSPOT_MAX_PAGES", hubspot.DefaultMaxPages),
		TokenCache:  getEnvBool("HUBSPOT_TOKEN_CACHE", true),

		SecretSource: getEnv("HUBSPOT_SECRET_SOURCE", "env"),
		SecretFile:   getEnv("HUBSPOT_SECRET_FILE", ""),

		WatermarkStore: getEnv("HUBSPOT_WATERMARK_STORE", "sqlite"),
		WatermarkPath:  getEnv("HUBSPOT_WATERMARK_PATH", "data/watermarks.db"),
		WatermarkDSN:   getEnv("HUBSPOT_WATERMARK_DSN", ""),

		SinkStore:   getEnv("HUBSPOT_SINK_STORE", "local"),
		SinkBucket:  getEnv("HUBSPOT_SINK_BUCKET", "hubspot-bronze"),
		SinkPrefix:  getEnv("HUBSPOT_SINK_PREFIX", sink.DefaultPrefix),
		SinkFormat:  getEnv("HUBSPOT_SINK_FORMAT", string(sink.FormatJSONL)),
		SinkRoot:    getEnv("HUBSPOT_SINK_ROOT", "data/bronze"),
		MaxPartRows: getEnvInt("HUBSPOT_MAX_PART_ROWS", sink.DefaultMaxPartRows),

		S3Endpoint:  getEnv("HUBSPOT_S3_ENDPOINT", ""),
		S3AccessKey: getEnv("HUBSPOT_S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("HUBSPOT_S3_SECRET_KEY", ""),
		S3Region:    getEnv("HUBSPOT_S3_REGION", ""),
		S3UseSSL:    getEnvBool("HUBSPOT_S3_USE_SSL", false),

		Workers:     getEnvInt("HUBSPOT_WORKERS", 1),
		MetricsAddr: getEnv("HUBSPOT_METRICS_ADDR", ""),

		LogLevel:  getEnv("HUBSPOT_LOG_LEVEL", "info"),
		LogFormat: getEnv("HUBSPOT_LOG_FORMAT", "text"),
	}
}

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Validate rejects values the connector cannot run with. Defaults always
// pass.
func (c *Config) Validate() error {
	switch c.SecretSource {
	case "env", "file":
	default:
		return fmt.Errorf("unknown secret source %q (want env or file)", c.SecretSource)
	}
	if c.SecretSource == "file" && c.SecretFile == "" {
		return fmt.Errorf("HUBSPOT_SECRET_FILE is required with secret source file")
	}
	switch c.WatermarkStore {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown watermark store %q (want sqlite, postgres or memory)", c.WatermarkStore)
	}
	switch c.SinkStore {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown sink store %q (want local or s3)", c.SinkStore)
	}
	if c.SinkStore == "s3" && c.S3Endpoint == "" {
		return fmt.Errorf("HUBSPOT_S3_ENDPOINT is required with sink store s3")
	}
	switch sink.Format(c.SinkFormat) {
	case sink.FormatJSONL, sink.FormatParquet:
	default:
		return fmt.Errorf("unknown sink format %q (want jsonl or parquet)", c.SinkFormat)
	}
	return nil
}

// NewLogger builds a logrus logger from the level and format settings.
// Unknown levels fall back to info rather than failing a run over logging.
func NewLogger(level, format string) *logrus.Logger {
	log := logrus.New()
	if parsed, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(parsed)
	}
	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
