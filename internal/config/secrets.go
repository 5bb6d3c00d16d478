package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/hubspot"
)

// Environment keys for the env secret provider.
const (
	EnvClientID     = "HUBSPOT_CLIENT_ID"
	EnvClientSecret = "HUBSPOT_CLIENT_SECRET"
	EnvRefreshToken = "HUBSPOT_REFRESH_TOKEN"
)

// SecretProvider resolves the OAuth refresh credential. Providers are
// read-only; errors name the missing key, never a value.
type SecretProvider interface {
	Credential() (hubspot.Credential, error)
}

// NewSecretProvider picks a provider from the configured source.
func NewSecretProvider(cfg *Config) (SecretProvider, error) {
	switch cfg.SecretSource {
	case "env":
		return EnvSecrets{}, nil
	case "file":
		if cfg.SecretFile == "" {
			return nil, fmt.Errorf("secret source file needs HUBSPOT_SECRET_FILE")
		}
		return FileSecrets{Path: cfg.SecretFile}, nil
	default:
		return nil, fmt.Errorf("unknown secret source %q", cfg.SecretSource)
	}
}

// EnvSecrets reads the credential from HUBSPOT_CLIENT_ID,
// HUBSPOT_CLIENT_SECRET and HUBSPOT_REFRESH_TOKEN.
type EnvSecrets struct{}

func (EnvSecrets) Credential() (hubspot.Credential, error) {
	cred := hubspot.Credential{
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
		RefreshToken: os.Getenv(EnvRefreshToken),
	}
	var missing []string
	if cred.ClientID == "" {
		missing = append(missing, EnvClientID)
	}
	if cred.ClientSecret == "" {
		missing = append(missing, EnvClientSecret)
	}
	if cred.RefreshToken == "" {
		missing = append(missing, EnvRefreshToken)
	}
	if len(missing) > 0 {
		return hubspot.Credential{}, fmt.Errorf("missing environment secrets: %s", strings.Join(missing, ", "))
	}
	return cred, nil
}

// FileSecrets reads the credential from a JSON document of the shape
// {"client_id": "...", "client_secret": "...", "refresh_token": "..."}.
type FileSecrets struct {
	Path string
}

func (f FileSecrets) Credential() (hubspot.Credential, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return hubspot.Credential{}, fmt.Errorf("read secret file: %w", err)
	}
	var doc struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return hubspot.Credential{}, fmt.Errorf("parse secret file %s: %w", f.Path, err)
	}
	var missing []string
	if doc.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if doc.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if doc.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	if len(missing) > 0 {
		return hubspot.Credential{}, fmt.Errorf("secret file %s missing fields: %s", f.Path, strings.Join(missing, ", "))
	}
	return hubspot.Credential{
		ClientID:     doc.ClientID,
		ClientSecret: doc.ClientSecret,
		RefreshToken: doc.RefreshToken,
	}, nil
}
