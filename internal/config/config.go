package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetInt64 retrieves an environment variable as int64 or returns fallback.
func GetInt64(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// DeployConfig holds runtime configuration for the deploy pipeline.
type DeployConfig struct {
	APIBaseURL     string
	AuthPath       string
	UploadPath     string
	RequestTimeout time.Duration

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	PollInterval  time.Duration
	DeployTimeout time.Duration

	MaxPackageBytes  int64
	TokenRefreshSkew time.Duration
}

// LoadDeployConfig constructs a DeployConfig from environment variables.
func LoadDeployConfig() DeployConfig {
	return DeployConfig{
		APIBaseURL:       GetString("CUBE_CLOUD_URL", "https://cloud.cube.dev"),
		AuthPath:         GetString("CUBE_CLOUD_AUTH_PATH", "/v1/auth/token"),
		UploadPath:       GetString("CUBE_CLOUD_UPLOAD_PATH", "/v1/deployments"),
		RequestTimeout:   time.Duration(GetInt("CUBE_REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxAttempts:      GetInt("CUBE_RETRY_MAX_ATTEMPTS", 5),
		InitialInterval:  time.Duration(GetInt("CUBE_RETRY_INITIAL_MS", 500)) * time.Millisecond,
		MaxInterval:      time.Duration(GetInt("CUBE_RETRY_MAX_INTERVAL_SECONDS", 10)) * time.Second,
		PollInterval:     time.Duration(GetInt("CUBE_POLL_INTERVAL_SECONDS", 3)) * time.Second,
		DeployTimeout:    time.Duration(GetInt("CUBE_DEPLOY_TIMEOUT_SECONDS", 600)) * time.Second,
		MaxPackageBytes:  GetInt64("CUBE_MAX_PACKAGE_BYTES", 100<<20),
		TokenRefreshSkew: time.Duration(GetInt("CUBE_TOKEN_REFRESH_SKEW_SECONDS", 30)) * time.Second,
	}
}
