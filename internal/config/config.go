package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/paytrail-merchant/internal/signing"
)

// DefaultEndpoint is the gateway payment-creation endpoint.
const DefaultEndpoint = "https://services.paytrail.com/payments"

// ConfigError reports a missing or invalid setting. It is fatal at startup.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Key, e.Reason)
}

// Config holds application configuration loaded from the environment. It is
// built once at startup and only read afterwards.
type Config struct {
	AppEnv             string
	Port               string
	MerchantID         string
	Secret             signing.Secret
	GatewayEndpoint    string
	ForceBaseURL       string
	AppPath            string
	BackURL            string
	Currency           string
	Language           string
	GatewayTimeout     time.Duration
	GatewayMaxAttempts int
	GatewayBackoff     time.Duration
	RedisURL           string
	CallbackReplayTTL  time.Duration
	LogDir             string
	LogFormat          string
	LogLevel           string
	BodyLimitBytes     int64
	CreateRateMax      int
	CreateRateWindow   time.Duration
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "3000"),
		MerchantID:         strings.TrimSpace(k.String("MERCHANT_ID")),
		Secret:             signing.Secret(k.String("SECRET_KEY")),
		GatewayEndpoint:    valueOrDefault(k.String("PAYTRAIL_ENDPOINT"), DefaultEndpoint),
		ForceBaseURL:       strings.TrimRight(strings.TrimSpace(k.String("FORCE_BASE_URL")), "/"),
		AppPath:            strings.TrimSpace(k.String("APP_PATH")),
		BackURL:            valueOrDefault(k.String("BACK_URL"), "/"),
		Currency:           strings.ToUpper(valueOrDefault(k.String("CURRENCY"), "EUR")),
		Language:           strings.ToUpper(valueOrDefault(k.String("LANGUAGE"), "FI")),
		GatewayTimeout:     parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		GatewayMaxAttempts: parseInt(k.String("GATEWAY_MAX_ATTEMPTS"), 3),
		GatewayBackoff:     parseDuration(k.String("GATEWAY_BACKOFF"), "200ms"),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CallbackReplayTTL:  parseDuration(k.String("CALLBACK_REPLAY_TTL"), "24h"),
		LogDir:             strings.TrimSpace(k.String("LOG_DIR")),
		LogFormat:          valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		CreateRateMax:      parseInt(k.String("CREATE_RATE_LIMIT_MAX"), 30),
		CreateRateWindow:   parseDuration(k.String("CREATE_RATE_LIMIT_WINDOW"), "1m"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.MerchantID == "" {
		return nil, &ConfigError{Key: "MERCHANT_ID", Reason: "is required"}
	}
	if len(cfg.Secret) == 0 {
		return nil, &ConfigError{Key: "SECRET_KEY", Reason: "is required"}
	}
	if !strings.HasPrefix(cfg.GatewayEndpoint, "http://") && !strings.HasPrefix(cfg.GatewayEndpoint, "https://") {
		return nil, &ConfigError{Key: "PAYTRAIL_ENDPOINT", Reason: "must be an absolute http(s) URL"}
	}
	if cfg.GatewayMaxAttempts <= 0 {
		cfg.GatewayMaxAttempts = 1
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "3000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
