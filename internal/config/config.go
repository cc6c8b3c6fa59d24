package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	FailOpen   = "open"
	FailClosed = "closed"

	RateFixed = "fixed"
	RateToken = "token"
)

type Config struct {
	Env            string
	Port           string
	DatabaseDriver string
	DatabaseURL    string
	LogLevel       string

	// Security core
	FailPolicy           string
	SessionTierMode      string
	SessionShortTTL      time.Duration
	SessionLongTTL       time.Duration
	IPBlockThreshold     int
	IPBlockDuration      time.Duration
	IPAttemptWindow      time.Duration
	AccountLockThreshold int
	AccountAttemptWindow time.Duration
	APIRateAlgorithm     string

	CacheSweepInterval time.Duration
	CleanupInterval    time.Duration
	TrustProxyHeaders  bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the process environment without
// reading a .env file.
func FromEnv() (*Config, error) {
	var errs []string
	cfg := &Config{
		Env:            getEnv("APP_ENV", "development"),
		Port:           getEnv("PORT", "8080"),
		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		FailPolicy:       strings.ToLower(getEnv("SECURITY_FAIL_POLICY", FailOpen)),
		SessionTierMode:  strings.ToLower(getEnv("SESSION_TIER_MODE", "heuristic")),
		APIRateAlgorithm: strings.ToLower(getEnv("API_RATE_ALGORITHM", RateFixed)),
	}

	cfg.SessionShortTTL = getEnvDuration("SESSION_SHORT_TTL", 30*time.Minute, &errs)
	cfg.SessionLongTTL = getEnvDuration("SESSION_LONG_TTL", 7*24*time.Hour, &errs)
	cfg.IPBlockThreshold = getEnvInt("IP_BLOCK_THRESHOLD", 10, &errs)
	cfg.IPBlockDuration = getEnvDuration("IP_BLOCK_DURATION", 10*time.Minute, &errs)
	cfg.IPAttemptWindow = getEnvDuration("IP_ATTEMPT_WINDOW", 15*time.Minute, &errs)
	cfg.AccountLockThreshold = getEnvInt("ACCOUNT_LOCK_THRESHOLD", 5, &errs)
	cfg.AccountAttemptWindow = getEnvDuration("ACCOUNT_ATTEMPT_WINDOW", 15*time.Minute, &errs)
	cfg.CacheSweepInterval = getEnvDuration("CACHE_SWEEP_INTERVAL", 5*time.Minute, &errs)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute, &errs)
	cfg.TrustProxyHeaders = getEnvBool("TRUST_PROXY_HEADERS", false, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DatabaseDriver)
	}
	switch c.FailPolicy {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("SECURITY_FAIL_POLICY must be %q or %q, got %q", FailOpen, FailClosed, c.FailPolicy)
	}
	switch c.SessionTierMode {
	case "heuristic", "stored":
	default:
		return fmt.Errorf("SESSION_TIER_MODE must be heuristic or stored, got %q", c.SessionTierMode)
	}
	switch c.APIRateAlgorithm {
	case RateFixed, RateToken:
	default:
		return fmt.Errorf("API_RATE_ALGORITHM must be %q or %q, got %q", RateFixed, RateToken, c.APIRateAlgorithm)
	}

	// The tier heuristic only works if one hour separates the two tiers.
	if c.SessionShortTTL <= 0 || c.SessionShortTTL >= time.Hour || c.SessionLongTTL <= time.Hour {
		return fmt.Errorf("session TTLs must satisfy SESSION_SHORT_TTL < 1h < SESSION_LONG_TTL")
	}
	if c.IPBlockThreshold < 1 || c.AccountLockThreshold < 1 {
		return fmt.Errorf("lock and block thresholds must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, errs *[]string) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool, errs *[]string) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) FailsClosed() bool {
	return c.FailPolicy == FailClosed
}
