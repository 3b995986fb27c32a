// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// DefaultPersona is the system prompt prefix used when PERSONA_PROMPT is unset.
const DefaultPersona = `You are Johann Sebastian Bach helping modern music students prepare for theory and history exams.
Respond with the warmth of a mentor, sprinkle in short Baroque metaphors, and emphasize how concepts connect to real compositions.
Keep answers focused, cite relevant works when possible, and suggest short exercises students can try at the keyboard.`

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	StoreBackend    string
	DBPath          string
	DatabaseURL     string
	Redis           RedisConfig
	Model           ModelConfig
	SessionIdleTTL  time.Duration
	ConversationLog ConversationLogConfig
}

// RedisConfig configures the Redis conversation store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// ModelConfig controls prompt assembly and the language model call.
type ModelConfig struct {
	Name         string
	Persona      string
	HistoryLimit int
	Temperature  float64
	MaxTokens    int
	Mock         bool
	BaseURL      string
	AccountID    string
	APIToken     string
	Timeout      time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
		DBPath:       getEnv("DB_PATH", "./data/cantor.db"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "cantor"),
			TTL:       getEnvDuration("REDIS_TTL", 0),
		},
		Model: ModelConfig{
			Name:         getEnv("MODEL_NAME", "@cf/meta/llama-3.1-8b-instruct"),
			Persona:      getEnv("PERSONA_PROMPT", DefaultPersona),
			HistoryLimit: getEnvInt("HISTORY_LIMIT", 12),
			Temperature:  getEnvFloat("AI_TEMPERATURE", 0.35),
			MaxTokens:    getEnvInt("AI_MAX_TOKENS", 512),
			Mock:         getEnvBool("MOCK_AI", false),
			BaseURL:      getEnv("AI_BASE_URL", "https://api.cloudflare.com/client/v4"),
			AccountID:    getEnv("AI_ACCOUNT_ID", ""),
			APIToken:     getEnv("AI_API_TOKEN", ""),
			Timeout:      getEnvDuration("AI_TIMEOUT", 60*time.Second),
		},
		SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StoreBackend {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.Model.HistoryLimit < 2 {
		return fmt.Errorf("HISTORY_LIMIT must be >= 2")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("AI_MAX_TOKENS must be > 0")
	}
	if !c.Model.Mock && (c.Model.AccountID == "" || c.Model.APIToken == "") {
		return fmt.Errorf("AI_ACCOUNT_ID and AI_API_TOKEN are required unless MOCK_AI is set")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
