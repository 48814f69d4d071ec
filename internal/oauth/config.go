package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds OAuth server settings.
type Config struct {
	Issuer          string
	ResourceURL     string
	Scope           string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	SetupStateTTL   time.Duration
}

// LoadConfigFromEnv loads OAuth config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}
	issuer = strings.TrimRight(issuer, "/")

	resource := strings.TrimSpace(os.Getenv("OAUTH_RESOURCE_URL"))
	if resource == "" {
		resource = issuer + "/mcp/"
	}

	scope := strings.TrimSpace(os.Getenv("OAUTH_SCOPE"))
	if scope == "" {
		scope = "trading"
	}

	return Config{
		Issuer:          issuer,
		ResourceURL:     resource,
		Scope:           scope,
		AccessTokenTTL:  parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", 60*time.Minute),
		RefreshTokenTTL: parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:     parseDurationEnv("OAUTH_AUTH_CODE_TTL", 10*time.Minute),
		SetupStateTTL:   parseDurationEnv("OAUTH_SETUP_STATE_TTL", 10*time.Minute),
	}, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
