package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type Config struct {
	PostgresURI    string
	RedisURI       string
	Port           string
	Environment    string // ENV: production, development, etc.
	AllowedOrigins []string

	// Matrix chat settings. All required at process start — the chat
	// subsystem cannot run degraded, so absence is a fatal configuration
	// error, not a per-request failure.
	MatrixHomeserverURL string
	MatrixServerName    string
	MatrixAdminToken    string
	MatrixSharedSecret  string
	MatrixAdminUser     string

	// CHAT_MASTER_KEY: master secret for the credential vault. Lives
	// only in process configuration; rotating it invalidates every
	// stored chat-password blob.
	ChatMasterKey string
}

func Load() *Config {
	env := strings.ToLower(strings.TrimSpace(getEnv("ENV", "development")))

	allowedOrigins := parseOrigins(getEnv("ALLOWED_ORIGINS", ""))
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{getEnv("FRONTEND_URL", "http://localhost:3000")}
	}

	return &Config{
		PostgresURI:    getEnv("POSTGRES_URI", "postgres://localhost:5432/teamloop?sslmode=disable"),
		RedisURI:       getEnv("REDIS_URI", "redis://localhost:6379/0"),
		Port:           getEnv("PORT", "8080"),
		Environment:    env,
		AllowedOrigins: allowedOrigins,

		MatrixHomeserverURL: getEnv("MATRIX_HOMESERVER_URL", ""),
		MatrixServerName:    getEnv("MATRIX_SERVER_NAME", ""),
		MatrixAdminToken:    getEnv("MATRIX_ADMIN_TOKEN", ""),
		MatrixSharedSecret:  getEnv("MATRIX_SHARED_SECRET", ""),
		MatrixAdminUser:     getEnv("MATRIX_ADMIN_USER", ""),
		ChatMasterKey:       getEnv("CHAT_MASTER_KEY", ""),
	}
}

// ValidateChat returns an error naming every missing chat setting.
func (c *Config) ValidateChat() error {
	var missing []string
	for name, value := range map[string]string{
		"MATRIX_HOMESERVER_URL": c.MatrixHomeserverURL,
		"MATRIX_SERVER_NAME":    c.MatrixServerName,
		"MATRIX_ADMIN_TOKEN":    c.MatrixAdminToken,
		"MATRIX_SHARED_SECRET":  c.MatrixSharedSecret,
		"MATRIX_ADMIN_USER":     c.MatrixAdminUser,
		"CHAT_MASTER_KEY":       c.ChatMasterKey,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required chat configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
