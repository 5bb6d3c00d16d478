package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/config"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/sink"
)

// =====================================================
// HELPERS
// =====================================================

// connectorEnv lists every variable Load reads, so tests can pin a clean
// environment regardless of what the host shell exports.
var connectorEnv = []string{
	"HUBSPOT_BASE_URL", "HUBSPOT_TIMEOUT_SECS", "HUBSPOT_MAX_RETRIES",
	"HUBSPOT_RATE_LIMIT", "HUBSPOT_RATE_BURST", "HUBSPOT_MAX_PAGES",
	"HUBSPOT_TOKEN_CACHE", "HUBSPOT_SECRET_SOURCE", "HUBSPOT_SECRET_FILE",
	"HUBSPOT_WATERMARK_STORE", "HUBSPOT_WATERMARK_PATH", "HUBSPOT_WATERMARK_DSN",
	"HUBSPOT_SINK_STORE", "HUBSPOT_SINK_BUCKET", "HUBSPOT_SINK_PREFIX",
	"HUBSPOT_SINK_FORMAT", "HUBSPOT_SINK_ROOT", "HUBSPOT_MAX_PART_ROWS",
	"HUBSPOT_S3_ENDPOINT", "HUBSPOT_S3_ACCESS_KEY", "HUBSPOT_S3_SECRET_KEY",
	"HUBSPOT_S3_REGION", "HUBSPOT_S3_USE_SSL", "HUBSPOT_WORKERS",
	"HUBSPOT_METRICS_ADDR", "HUBSPOT_LOG_LEVEL", "HUBSPOT_LOG_FORMAT",
}

func clearConnectorEnv(t *testing.T) {
	t.Helper()
	for _, key := range connectorEnv {
		t.Setenv(key, "")
	}
}

// validConfig builds the smallest configuration Validate accepts.
func validConfig() *config.Config {
	return &config.Config{
		SecretSource:   "env",
		WatermarkStore: "memory",
		SinkStore:      "local",
		SinkFormat:     "jsonl",
	}
}

// =====================================================
// LOAD + VALIDATE
// =====================================================

func TestConfig_Unit_LoadDefaults(t *testing.T) {
	clearConnectorEnv(t)
	cfg := config.Load()

	if cfg.BaseURL != hubspot.DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, hubspot.DefaultBaseURL)
	}
	if cfg.TimeoutSecs != 120 || cfg.Timeout() != 120*time.Second {
		t.Errorf("timeout = %ds (%v), want 120s", cfg.TimeoutSecs, cfg.Timeout())
	}
	if cfg.MaxRetries != 6 {
		t.Errorf("MaxRetries = %d, want 6", cfg.MaxRetries)
	}
	if cfg.RateLimit != 10.0 || cfg.RateBurst != 5 {
		t.Errorf("rate settings = %v/%d, want 10/5", cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.MaxPages != hubspot.DefaultMaxPages {
		t.Errorf("MaxPages = %d, want %d", cfg.MaxPages, hubspot.DefaultMaxPages)
	}
	if !cfg.TokenCache {
		t.Error("TokenCache should default to true")
	}
	if cfg.SecretSource != "env" {
		t.Errorf("SecretSource = %q, want env", cfg.SecretSource)
	}
	if cfg.WatermarkStore != "sqlite" || cfg.WatermarkPath != "data/watermarks.db" {
		t.Errorf("watermark settings = %q/%q", cfg.WatermarkStore, cfg.WatermarkPath)
	}
	if cfg.SinkStore != "local" || cfg.SinkBucket != "hubspot-bronze" {
		t.Errorf("sink settings = %q/%q", cfg.SinkStore, cfg.SinkBucket)
	}
	if cfg.SinkPrefix != sink.DefaultPrefix {
		t.Errorf("SinkPrefix = %q, want %q", cfg.SinkPrefix, sink.DefaultPrefix)
	}
	if cfg.SinkFormat != string(sink.FormatJSONL) {
		t.Errorf("SinkFormat = %q, want jsonl", cfg.SinkFormat)
	}
	if cfg.MaxPartRows != sink.DefaultMaxPartRows {
		t.Errorf("MaxPartRows = %d, want %d", cfg.MaxPartRows, sink.DefaultMaxPartRows)
	}
	if cfg.Workers != 1 {
		t.Errorf("Workers = %d, want 1", cfg.Workers)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log settings = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration failed validation: %v", err)
	}
}

func TestConfig_Unit_LoadEnvOverrides(t *testing.T) {
	clearConnectorEnv(t)
	t.Setenv("HUBSPOT_BASE_URL", "http://localhost:8080")
	t.Setenv("HUBSPOT_TIMEOUT_SECS", "30")
	t.Setenv("HUBSPOT_RATE_LIMIT", "2.5")
	t.Setenv("HUBSPOT_TOKEN_CACHE", "false")
	t.Setenv("HUBSPOT_WATERMARK_STORE", "postgres")
	t.Setenv("HUBSPOT_WATERMARK_DSN", "postgres://localhost/bronze")
	t.Setenv("HUBSPOT_SINK_FORMAT", "parquet")
	t.Setenv("HUBSPOT_S3_USE_SSL", "true")
	t.Setenv("HUBSPOT_WORKERS", "4")
	t.Setenv("HUBSPOT_MAX_RETRIES", "ten") // malformed, keeps the default

	cfg := config.Load()
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.TimeoutSecs != 30 {
		t.Errorf("TimeoutSecs = %d, want 30", cfg.TimeoutSecs)
	}
	if cfg.RateLimit != 2.5 {
		t.Errorf("RateLimit = %v, want 2.5", cfg.RateLimit)
	}
	if cfg.TokenCache {
		t.Error("TokenCache = true, want false from env")
	}
	if cfg.WatermarkStore != "postgres" || cfg.WatermarkDSN != "postgres://localhost/bronze" {
		t.Errorf("watermark settings = %q/%q", cfg.WatermarkStore, cfg.WatermarkDSN)
	}
	if cfg.SinkFormat != "parquet" {
		t.Errorf("SinkFormat = %q, want parquet", cfg.SinkFormat)
	}
	if !cfg.S3UseSSL {
		t.Error("S3UseSSL = false, want true from env")
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.MaxRetries != 6 {
		t.Errorf("MaxRetries = %d, want default 6 on a malformed value", cfg.MaxRetries)
	}
}

func TestConfig_Unit_ValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		tweak   func(*config.Config)
		wantErr string
	}{
		{"unknown secret source", func(c *config.Config) { c.SecretSource = "vault" }, "unknown secret source"},
		{"file source without path", func(c *config.Config) { c.SecretSource = "file" }, "HUBSPOT_SECRET_FILE"},
		{"unknown watermark store", func(c *config.Config) { c.WatermarkStore = "redis" }, "unknown watermark store"},
		{"unknown sink store", func(c *config.Config) { c.SinkStore = "gcs" }, "unknown sink store"},
		{"s3 without endpoint", func(c *config.Config) { c.SinkStore = "s3" }, "HUBSPOT_S3_ENDPOINT"},
		{"unknown sink format", func(c *config.Config) { c.SinkFormat = "xml" }, "unknown sink format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.tweak(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a broken configuration")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestNewLogger_Unit_LevelAndFormat(t *testing.T) {
	log := config.NewLogger("debug", "json")
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T, want JSONFormatter", log.Formatter)
	}

	log = config.NewLogger("nonsense", "text")
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("unknown level parsed to %v, want info fallback", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); ok {
		t.Error("text format produced a JSON formatter")
	}
}

// =====================================================
// SECRET PROVIDERS
// =====================================================

func TestEnvSecrets_Unit_Complete(t *testing.T) {
	t.Setenv(config.EnvClientID, "id-1")
	t.Setenv(config.EnvClientSecret, "secret-1")
	t.Setenv(config.EnvRefreshToken, "refresh-1")

	cred, err := config.EnvSecrets{}.Credential()
	if err != nil {
		t.Fatalf("Credential failed: %v", err)
	}
	want := hubspot.Credential{ClientID: "id-1", ClientSecret: "secret-1", RefreshToken: "refresh-1"}
	if cred != want {
		t.Error("credential does not match the environment values")
	}
}

func TestEnvSecrets_Unit_ErrorNamesMissingKeys(t *testing.T) {
	t.Setenv(config.EnvClientID, "id-visible")
	t.Setenv(config.EnvClientSecret, "")
	t.Setenv(config.EnvRefreshToken, "")

	_, err := config.EnvSecrets{}.Credential()
	if err == nil {
		t.Fatal("expected error with two secrets missing")
	}
	msg := err.Error()
	if !strings.Contains(msg, config.EnvClientSecret) || !strings.Contains(msg, config.EnvRefreshToken) {
		t.Errorf("error = %q, want both missing keys named", msg)
	}
	if strings.Contains(msg, config.EnvClientID) {
		t.Errorf("error = %q, names a key that is present", msg)
	}
	if strings.Contains(msg, "id-visible") {
		t.Errorf("error = %q, leaks a secret value", msg)
	}
}

func TestFileSecrets_Unit_ReadsCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	content := `{"client_id":"id-1","client_secret":"secret-1","refresh_token":"refresh-1"}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	cred, err := config.FileSecrets{Path: path}.Credential()
	if err != nil {
		t.Fatalf("Credential failed: %v", err)
	}
	want := hubspot.Credential{ClientID: "id-1", ClientSecret: "secret-1", RefreshToken: "refresh-1"}
	if cred != want {
		t.Error("credential does not match the file contents")
	}
}

func TestFileSecrets_Unit_ErrorNamesMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	if err := os.WriteFile(path, []byte(`{"client_id":"id-visible"}`), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	_, err := config.FileSecrets{Path: path}.Credential()
	if err == nil {
		t.Fatal("expected error with fields missing")
	}
	msg := err.Error()
	if !strings.Contains(msg, "client_secret") || !strings.Contains(msg, "refresh_token") {
		t.Errorf("error = %q, want missing fields named", msg)
	}
	if strings.Contains(msg, "id-visible") {
		t.Errorf("error = %q, leaks a secret value", msg)
	}
}

func TestFileSecrets_Unit_ReadAndParseFailures(t *testing.T) {
	_, err := config.FileSecrets{Path: filepath.Join(t.TempDir(), "absent.json")}.Credential()
	if err == nil || !strings.Contains(err.Error(), "read secret file") {
		t.Errorf("missing file error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}
	_, err = config.FileSecrets{Path: path}.Credential()
	if err == nil || !strings.Contains(err.Error(), "parse secret file") {
		t.Errorf("malformed file error = %v", err)
	}
}

func TestNewSecretProvider_Unit_Selection(t *testing.T) {
	provider, err := config.NewSecretProvider(&config.Config{SecretSource: "env"})
	if err != nil {
		t.Fatalf("env provider: %v", err)
	}
	if _, ok := provider.(config.EnvSecrets); !ok {
		t.Errorf("provider type = %T, want EnvSecrets", provider)
	}

	provider, err = config.NewSecretProvider(&config.Config{SecretSource: "file", SecretFile: "/etc/hubspot/secrets.json"})
	if err != nil {
		t.Fatalf("file provider: %v", err)
	}
	fs, ok := provider.(config.FileSecrets)
	if !ok || fs.Path != "/etc/hubspot/secrets.json" {
		t.Errorf("provider = %#v, want FileSecrets with the configured path", provider)
	}

	if _, err := config.NewSecretProvider(&config.Config{SecretSource: "file"}); err == nil {
		t.Error("file source without a path accepted")
	}
	if _, err := config.NewSecretProvider(&config.Config{SecretSource: "vault"}); err == nil {
		t.Error("unknown source accepted")
	}
}
