package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rentpe/rentpe-backend/database"
)

// Config holds the application configuration
type Config struct {
	Port        string
	Environment string

	UseMemoryStore bool
	Database       database.Settings

	JWTSecret    string
	OTPHashKey   string
	AdminUserIDs []uuid.UUID

	MSG91AuthKey    string
	MSG91TemplateID string

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioVerifyServiceSID  string
	TwilioSMSFrom           string
	TwilioStatusCallbackURL string
	DisableWebhookCheck     bool

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	CloudinaryFolder    string

	RateLimitBackend string // postgres or redis
	RedisURL         string

	ProviderTimeout   time.Duration
	PurgeMediaOnReset bool
}

// LoadDotEnv reads .env files for local development. Cloud Run injects the
// environment directly, so nothing is loaded there.
func LoadDotEnv() {
	if os.Getenv("INSTANCE_CONNECTION_NAME") != "" {
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("environments/.env.development")
	}
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Environment:       getEnv("ENVIRONMENT", "development"),
		UseMemoryStore:    os.Getenv("USE_MEMORY_STORE") == "true",
		RateLimitBackend:  getEnv("RATE_LIMIT_BACKEND", "postgres"),
		RedisURL:          os.Getenv("REDIS_URL"),
		CloudinaryFolder:  getEnv("CLOUDINARY_FOLDER", "rentpe"),
		PurgeMediaOnReset: getEnv("PURGE_MEDIA_ON_RESET", "true") == "true",
	}

	cfg.Database = database.Settings{
		URL:                    os.Getenv("DATABASE_URL"),
		User:                   getEnv("DB_USER", "postgres"),
		Password:               os.Getenv("DB_PASS"),
		Name:                   getEnv("DB_NAME", "rentpe"),
		InstanceConnectionName: os.Getenv("INSTANCE_CONNECTION_NAME"),
		Debug:                  os.Getenv("DB_DEBUG") == "true",
	}

	// JWT_SECRET (required)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.OTPHashKey = getEnv("OTP_HASH_SECRET", cfg.JWTSecret)

	admins, err := parseUUIDList(os.Getenv("ADMIN_USER_IDS"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_USER_IDS: %w", err)
	}
	cfg.AdminUserIDs = admins

	// Providers are optional; a missing one is reported when it is used
	cfg.MSG91AuthKey = os.Getenv("MSG91_AUTH_KEY")
	cfg.MSG91TemplateID = os.Getenv("MSG91_TEMPLATE_ID")
	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioVerifyServiceSID = os.Getenv("TWILIO_VERIFY_SERVICE_SID")
	cfg.TwilioSMSFrom = os.Getenv("TWILIO_SMS_FROM")
	cfg.TwilioStatusCallbackURL = os.Getenv("TWILIO_STATUS_CALLBACK_URL")
	cfg.DisableWebhookCheck = os.Getenv("DISABLE_WEBHOOK_VALIDATION") == "true"

	cfg.CloudinaryCloudName = os.Getenv("CLOUDINARY_CLOUD_NAME")
	cfg.CloudinaryAPIKey = os.Getenv("CLOUDINARY_API_KEY")
	cfg.CloudinaryAPISecret = os.Getenv("CLOUDINARY_API_SECRET")

	switch cfg.RateLimitBackend {
	case "postgres":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("RATE_LIMIT_BACKEND must be postgres or redis, got %q", cfg.RateLimitBackend)
	}

	cfg.ProviderTimeout = 10 * time.Second
	if raw := os.Getenv("PROVIDER_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("PROVIDER_TIMEOUT must be a positive duration, got %q", raw)
		}
		cfg.ProviderTimeout = d
	}

	return cfg, nil
}

// IsProduction reports whether the service runs on Cloud Run
func (c *Config) IsProduction() bool {
	return c.Database.InstanceConnectionName != "" || c.Environment == "production"
}

// CloudinaryConfigured reports whether uploads and deletes can be signed
func (c *Config) CloudinaryConfigured() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// TwilioConfigured reports whether the Twilio REST client can be built
func (c *Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseUUIDList(raw string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
