// Package config provides environment configuration for the companion.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreNATS   = "nats"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Store settings
	StoreBackend string
	SQLitePath   string

	// Auth settings
	JWTSecret    string
	AuthDisabled bool

	// CORS
	CORSAllowedOrigins []string

	// LLM settings
	LLMProvider       string
	LLMModel          string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AnthropicAPIKey   string
	LLMSiteURL        string
	LLMAppName        string

	// Turn settings
	ContextWindow int
	StreamTimeout time.Duration

	// Sessions idle this long are dropped from memory. 0 keeps them.
	SessionIdleTTL time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads an optional .env file and then configuration from environment
// variables. Variables already set in the environment win over the file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Store
		StoreBackend: getEnv("STORE_BACKEND", StoreNATS),
		SQLitePath:   getEnv("SQLITE_PATH", "companion.db"),

		// Auth
		JWTSecret:    getEnv("JWT_SECRET", "development-secret-change-in-production"),
		AuthDisabled: getBoolEnv("AUTH_DISABLED", false),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS"),

		// LLM
		LLMProvider:       getEnv("LLM_PROVIDER", "openrouter"),
		LLMModel:          getEnv("LLM_MODEL", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		LLMSiteURL:        getEnv("LLM_SITE_URL", ""),
		LLMAppName:        getEnv("LLM_APP_NAME", "Mental Health Chatbot"),

		// Turn
		ContextWindow: getIntEnv("CONTEXT_WINDOW", 10),
		StreamTimeout: getDurationEnv("STREAM_TIMEOUT", 2*time.Minute),

		SessionIdleTTL: getDurationEnv("SESSION_IDLE_TTL", 30*time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma-separated variable, dropping empty items.
func getListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
