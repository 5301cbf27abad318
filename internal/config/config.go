package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	DevMode     bool
	LogLevel    string
	CORSOrigins []string

	SMSProvider string
	AWSRegion   string
	SMSSenderID string

	DBMaxConns         int32
	SessionTTL         time.Duration
	DeviceTokenTTL     time.Duration
	RegisterRateLimit  int
	RegisterRateWindow time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:               "8080",
		LogLevel:           "info",
		SMSProvider:        "log",
		SessionTTL:         24 * time.Hour,
		DeviceTokenTTL:     7 * 24 * time.Hour,
		RegisterRateLimit:  10,
		RegisterRateWindow: 10 * time.Minute,
	}

	// Load DATABASE_URL (required)
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	// Load JWT_SECRET (required)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	cfg.DevMode = os.Getenv("OTP_DEV_MODE") == "true"

	for _, origin := range strings.Split(os.Getenv("CORS_ORIGIN"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	if p := os.Getenv("SMS_PROVIDER"); p != "" {
		cfg.SMSProvider = strings.ToLower(p)
	}
	switch cfg.SMSProvider {
	case "log", "sns":
	default:
		return nil, fmt.Errorf("SMS_PROVIDER must be log or sns, got %q", cfg.SMSProvider)
	}
	cfg.AWSRegion = os.Getenv("AWS_REGION")
	cfg.SMSSenderID = os.Getenv("SMS_SENDER_ID")

	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("DB_MAX_CONNS must be a positive integer, got %q", v)
		}
		cfg.DBMaxConns = int32(n)
	}

	var err error
	if cfg.SessionTTL, err = durationEnv("SESSION_TTL", cfg.SessionTTL); err != nil {
		return nil, err
	}
	if cfg.DeviceTokenTTL, err = durationEnv("DEVICE_TOKEN_TTL", cfg.DeviceTokenTTL); err != nil {
		return nil, err
	}

	if v := os.Getenv("RATE_LIMIT_PER_10MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("RATE_LIMIT_PER_10MIN must be a positive integer, got %q", v)
		}
		cfg.RegisterRateLimit = n
	}

	return cfg, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration like 24h, got %q", key, v)
	}
	return d, nil
}
