package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	// Server
	ServerAddr string
	ServerPort int

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Identity provider
	ProviderURL     string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	// Secrets. MasterSecret is the single root from which the session,
	// challenge, and sealing keys are derived.
	MasterSecret string

	// Session
	SessionIssuer string
	SessionTTL    time.Duration
	CookieDomain  string
	SecureCookies bool

	// WebAuthn relying party
	RPDisplayName string
	RPID          string
	RPOrigins     []string

	// TOTP
	TOTPIssuer string

	// Rate limits (requests per minute, per IP)
	AuthRateLimit   int
	VerifyRateLimit int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Server defaults
		ServerAddr: getEnv("SERVER_ADDR", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "stepup"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		// Identity provider
		ProviderURL:     getEnv("PROVIDER_URL", ""),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),

		MasterSecret: getEnv("MASTER_SECRET", ""),

		SessionIssuer: getEnv("SESSION_ISSUER", "stepup"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
		CookieDomain:  getEnv("COOKIE_DOMAIN", ""),
		SecureCookies: getEnvBool("SECURE_COOKIES", true),

		RPDisplayName: getEnv("RP_DISPLAY_NAME", "Stepup"),
		RPID:          getEnv("RP_ID", "localhost"),
		RPOrigins:     getEnvList("RP_ORIGINS", []string{"http://localhost:8080"}),

		TOTPIssuer: getEnv("TOTP_ISSUER", "Stepup"),

		AuthRateLimit:   getEnvInt("AUTH_RATE_LIMIT", 10),
		VerifyRateLimit: getEnvInt("VERIFY_RATE_LIMIT", 20),
	}

	// Validate required fields
	if cfg.MasterSecret == "" {
		return nil, fmt.Errorf("MASTER_SECRET is required")
	}
	if len(cfg.MasterSecret) < 32 {
		return nil, fmt.Errorf("MASTER_SECRET must be at least 32 bytes")
	}
	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("PROVIDER_URL is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
