package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	OpenAIKey      string
	OpenAIModel    string
	OpenAIBaseURL  string
	EmbeddingModel string

	ServerHost    string
	ServerPort    string
	PublicURL     string
	JWTSigningKey string
	LogLevel      string
	CORSOrigins   []string

	PredictTimeout      time.Duration
	ActionTimeout       time.Duration
	CacheMaxCost        int64
	ConversationIdleTTL time.Duration
	CleanupInterval     time.Duration
	SemanticThreshold   float64
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Warn("Не найден файл .env")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "postgres"),
		PostgresDB:       getEnv("POSTGRES_DB", "chatassistant"),

		OpenAIKey:      getEnv("OPENAI_KEY", ""),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4.1-nano"),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),

		ServerHost:    getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		PublicURL:     strings.TrimRight(getEnv("PUBLIC_URL", ""), "/"),
		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "your-secret-signing-key"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		CORSOrigins:   getEnvList("CORS_ORIGINS", []string{"*"}),

		PredictTimeout:      getEnvDuration("PREDICT_TIMEOUT", 60*time.Second),
		ActionTimeout:       getEnvDuration("ACTION_TIMEOUT", 15*time.Second),
		CacheMaxCost:        getEnvInt64("CACHE_MAX_COST", 10000),
		ConversationIdleTTL: getEnvDuration("CONVERSATION_IDLE_TTL", time.Hour),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute),
		SemanticThreshold:   getEnvFloat("SEMANTIC_THRESHOLD", 0.75),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logrus.Warnf("Некорректное значение %s=%q, используется %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		logrus.Warnf("Некорректное значение %s=%q, используется %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logrus.Warnf("Некорректное значение %s=%q, используется %v", key, value, defaultValue)
		return defaultValue
	}
	return f
}
