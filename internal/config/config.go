// Package config loads devagent's startup configuration from the
// environment, with sensible defaults for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all dynamic configuration, ensuring no hardcoded values
// exist in the connection-plane business logic.
type Config struct {
	Environment string // "development" or "production"
	Port        int

	// ConnectionToken is the startup secret compared against the client's
	// auth nonce during the handshake. Mandatory outside development.
	ConnectionToken string

	EnableAutoShutdown bool
	BuildCommit        string

	DatabaseURL string // optional; empty disables audit persistence
	JWTSecret   string // optional; empty disables the JWT Signer

	WebUIRoot          string // optional; empty suppresses the web-ui log line
	ExtensionHostBin   string // path to the extension-host worker binary
}

// Load parses the environment (after optionally loading a .env file) and
// applies sensible default fallbacks. Fatal misconfiguration for a
// production boot is returned as an error rather than panicking, so
// callers can log and exit cleanly.
func Load() (*Config, error) {
	// A missing .env is not an error — it is the common case in production
	// where configuration arrives purely via the environment.
	_ = godotenv.Load()

	cfg := &Config{
		Environment:        getEnv("DEVAGENT_ENV", "production"),
		Port:               getEnvInt("DEVAGENT_PORT", 8000),
		ConnectionToken:    os.Getenv("DEVAGENT_CONNECTION_TOKEN"),
		EnableAutoShutdown: getEnvBool("DEVAGENT_ENABLE_AUTO_SHUTDOWN", false),
		BuildCommit:        os.Getenv("DEVAGENT_BUILD_COMMIT"),
		DatabaseURL:        os.Getenv("DEVAGENT_DATABASE_URL"),
		JWTSecret:          os.Getenv("DEVAGENT_JWT_SECRET"),
		WebUIRoot:          os.Getenv("DEVAGENT_WEBUI_ROOT"),
		ExtensionHostBin:   os.Getenv("DEVAGENT_EXTENSION_HOST_BIN"),
	}

	if cfg.ConnectionToken == "" {
		if cfg.Environment != "development" {
			return nil, fmt.Errorf("config: DEVAGENT_CONNECTION_TOKEN is required outside development")
		}
		slog.Warn("no connection token configured, generating an insecure development default")
		cfg.ConnectionToken = "00000000000000000000"
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
