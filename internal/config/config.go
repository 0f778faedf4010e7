package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Messaging provider (Evolution-style WhatsApp API)
	MessagingBaseURL    string
	MessagingAPIKey     string
	InstanceNamePrefix  string
	MessagingMaxRetries int
	MessagingTimeout    time.Duration

	// Queue runtime
	QueueBrokerURL string
	UseMemoryQueue bool
	WorkerCount    int

	// Campaign engine
	MaxAttempts       int
	RetryInterval     time.Duration
	SweepInterval     time.Duration
	InterMessageDelay time.Duration
	DispatchBatchSize int

	AdminJWTSecret     string
	CORSAllowedOrigins []string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		MessagingBaseURL:    getEnv("MESSAGING_BASE_URL", ""),
		MessagingAPIKey:     getEnv("MESSAGING_API_KEY", ""),
		InstanceNamePrefix:  getEnv("INSTANCE_NAME_PREFIX", "confirma"),
		MessagingMaxRetries: getEnvAsInt("MESSAGING_MAX_RETRIES", 5),
		MessagingTimeout:    getEnvAsDuration("MESSAGING_TIMEOUT", 10*time.Second),

		QueueBrokerURL: getEnv("QUEUE_BROKER_URL", ""),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		MaxAttempts:       getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryInterval:     time.Duration(getEnvAsInt("RETRY_INTERVAL_HOURS", 24)) * time.Hour,
		SweepInterval:     time.Duration(getEnvAsInt("SWEEP_INTERVAL_HOURS", 6)) * time.Hour,
		InterMessageDelay: time.Duration(getEnvAsInt("INTER_MESSAGE_DELAY_MS", 3000)) * time.Millisecond,
		DispatchBatchSize: getEnvAsInt("DISPATCH_BATCH_SIZE", 500),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSlice splits a comma-separated environment variable, dropping empty
// entries.
func getEnvAsSlice(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
