package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

// Environment is the type for defining the running environment
type Environment string

// define constants
const (
	EnvDevelopment Environment = "Dev"
	EnvProduction  Environment = "Prod"
)

// Config holds everything the binaries need to wire the service together
type Config struct {
	Environment Environment
	ListenAddr  string
	CORSOrigins []string

	StripeKey           string
	StripeWebhookSecret string

	PostgresURI string
	RedisURI    string
	RedisPW     string
	AMQPURI     string

	PathToPlanJSON string

	LMS LMSConfig
}

// LMSConfig describes how to reach the course platform
type LMSConfig struct {
	BaseURL  string
	Username string
	Password string
	// Role is given to LMS users created on first enrollment
	Role    string
	Timeout time.Duration
}

// DetectEnvironment reads API_ENV and returns the environment with its dotenv file
func DetectEnvironment() (Environment, string) {
	if os.Getenv("API_ENV") == "production" {
		return EnvProduction, ".env.production"
	}
	return EnvDevelopment, ".env.development"
}

// Load reads the dotenv file for the current environment (if present) and
// then builds a Config from the process environment.
func Load() (*Config, error) {
	env, dotFile := DetectEnvironment()
	if err := godotenv.Load(dotFile); err != nil && !os.IsNotExist(err) {
		return nil, extErrors.Wrap(err, "Cannot load configurations from .env")
	}
	cfg := fromEnv(env)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBrokerURI reads the dotenv file like Load but only requires AMQP_URI.
// Used by binaries that never touch the processor or the database.
func LoadBrokerURI() (string, error) {
	_, dotFile := DetectEnvironment()
	if err := godotenv.Load(dotFile); err != nil && !os.IsNotExist(err) {
		return "", extErrors.Wrap(err, "Cannot load configurations from .env")
	}
	uri := os.Getenv("AMQP_URI")
	if uri == "" {
		return "", fmt.Errorf("empty AMQP_URI is invalid")
	}
	return uri, nil
}

func fromEnv(env Environment) *Config {
	return &Config{
		Environment:         env,
		ListenAddr:          getEnv("LISTEN_ADDR", ":42069"),
		CORSOrigins:         getEnvAsSlice("CORS_ORIGINS", []string{"*"}),
		StripeKey:           os.Getenv("STRIPE_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PostgresURI:         os.Getenv("POSTGRES_URI"),
		RedisURI:            os.Getenv("REDIS_URI"),
		RedisPW:             os.Getenv("REDIS_PW"),
		AMQPURI:             os.Getenv("AMQP_URI"),
		PathToPlanJSON:      getEnv("PLANS_JSON", "plans.json"),
		LMS: LMSConfig{
			BaseURL:  os.Getenv("LMS_BASE_URL"),
			Username: os.Getenv("LMS_USERNAME"),
			Password: os.Getenv("LMS_PASSWORD"),
			Role:     getEnv("LMS_USER_ROLE", "subscriber"),
			Timeout:  time.Duration(getEnvAsInt("LMS_TIMEOUT_SECONDS", 10)) * time.Second,
		},
	}
}

func (c *Config) validate() error {
	if c.StripeKey == "" {
		return fmt.Errorf("empty STRIPE_KEY is invalid")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("empty STRIPE_WEBHOOK_SECRET is invalid")
	}
	if c.PostgresURI == "" {
		return fmt.Errorf("empty POSTGRES_URI is invalid")
	}
	if c.LMS.BaseURL == "" {
		return fmt.Errorf("empty LMS_BASE_URL is invalid")
	}
	if c.LMS.Timeout <= 0 {
		return fmt.Errorf("LMS_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			results = append(results, part)
		}
	}
	return results
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
