// Package cliconfig persists CLI state under the user config directory:
// the API base URL, the stored credential, and the cached auth token.
// The token is sealed with AES-GCM before it touches disk.
package cliconfig

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

const appDir = "cube"

// Config is the on-disk CLI configuration.
type Config struct {
	APIBaseURL  string    `json:"api_base_url"`
	APIKey      string    `json:"api_key,omitempty"`
	SealedToken string    `json:"sealed_token,omitempty"`
	TokenExpiry time.Time `json:"token_expiry,omitempty"`
}

// Path returns the config file location.
func Path() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDir, "config.json"), nil
}

// Load reads the config file, returning zero-value defaults when it does
// not exist yet.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config file with owner-only permissions.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes a config file to an explicit path.
func SaveTo(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// SetToken seals token with secret and stores it alongside its expiry.
func (c *Config) SetToken(secret, token string, expiry time.Time) error {
	sealed, err := seal(secret, token)
	if err != nil {
		return err
	}
	c.SealedToken = sealed
	c.TokenExpiry = expiry.UTC()
	return nil
}

// Token unseals the cached token. Returns empty when none is stored or
// the seal no longer opens (for example after the key material changed).
func (c Config) Token(secret string) string {
	if c.SealedToken == "" {
		return ""
	}
	token, err := open(secret, c.SealedToken)
	if err != nil {
		return ""
	}
	return token
}

// ClearToken drops the cached token.
func (c *Config) ClearToken() {
	c.SealedToken = ""
	c.TokenExpiry = time.Time{}
}
