package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment  string
	Port         string
	DatabasePath string // SQLite file path (":memory:" supported for tests)
	RedisURL     string

	// Auth
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration

	// Generation gateway (OpenAI-compatible API)
	GenerationBaseURL string
	GenerationAPIKey  string
	GenerationModel   string
	ExtractionModel   string
	TitleModel        string
	GenerationTimeout time.Duration

	// Context store policy
	ContextDefaultTTLDays int
	ContextPersistentKeys []string

	// Specializations (persona packs)
	SpecializationsFile string

	// File storage
	UploadDir    string
	GeneratedDir string
	MaxUploadMB  int
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	// Parse persistent context keys (comma-separated)
	persistentEnv := getEnv("CONTEXT_PERSISTENT_KEYS", "name,email")
	var persistentKeys []string
	for _, key := range strings.Split(persistentEnv, ",") {
		if key = strings.TrimSpace(key); key != "" {
			persistentKeys = append(persistentKeys, key)
		}
	}

	return &Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		Port:         getEnv("PORT", "3001"),
		DatabasePath: getEnv("DATABASE_PATH", "./mentora.db"),
		RedisURL:     getEnv("REDIS_URL", ""),

		JWTSecret:          getEnv("JWT_SECRET", ""),
		AccessTokenExpiry:  getDurationEnv("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
		RefreshTokenExpiry: getDurationEnv("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),

		GenerationBaseURL: getEnv("GENERATION_BASE_URL", "https://api.openai.com/v1"),
		GenerationAPIKey:  getEnv("GENERATION_API_KEY", ""),
		GenerationModel:   getEnv("GENERATION_MODEL", "gpt-4o-mini"),
		ExtractionModel:   getEnv("EXTRACTION_MODEL", "gpt-4o-mini"),
		TitleModel:        getEnv("TITLE_MODEL", "gpt-4o-mini"),
		GenerationTimeout: getDurationEnv("GENERATION_TIMEOUT", 120*time.Second),

		ContextDefaultTTLDays: getIntEnv("CONTEXT_DEFAULT_TTL_DAYS", 30),
		ContextPersistentKeys: persistentKeys,

		SpecializationsFile: getEnv("SPECIALIZATIONS_FILE", "./specializations.yaml"),

		UploadDir:    getEnv("UPLOAD_DIR", "./uploads"),
		GeneratedDir: getEnv("GENERATED_DIR", "./generated"),
		MaxUploadMB:  getIntEnv("MAX_UPLOAD_MB", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
