package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the auth service.
// Values come from the environment, with a .env file loaded first when present.
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Token       TokenConfig
	OTP         OTPConfig
	RateLimit   RateLimitConfig
	Notify      NotifyConfig
	Directory   DirectoryConfig
	Kafka       KafkaConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// TokenConfig controls signing and lifetimes for every token kind the
// service issues. Refresh and session lifetimes depend on the environment;
// LoadConfig resolves the split before validation runs.
type TokenConfig struct {
	Secret       string
	Issuer       string
	Leeway       time.Duration
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	SessionTTL   time.Duration
	ResetTTL     time.Duration
	CookieName   string
	CookieDomain string
}

type OTPConfig struct {
	TTL        time.Duration
	Digits     int
	DecoyDelay time.Duration
}

type RateLimitConfig struct {
	Enabled        bool
	SlowDownAfter  int
	SlowDownStep   time.Duration
	SlowDownCap    time.Duration
	SlowDownWindow time.Duration
}

type NotifyConfig struct {
	EmailBaseURL     string
	WhatsAppBaseURL  string
	APIKey           string
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

type DirectoryConfig struct {
	SubjectsBaseURL     string
	AccountsBaseURL     string
	ApplicationsBaseURL string
	APIKey              string
	Timeout             time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type LoggingConfig struct {
	Level string
}

// LoadConfig reads the environment into a Config and validates it.
func LoadConfig() (*Config, error) {
	// Best effort; production injects real env vars instead.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Token: TokenConfig{
			Secret:       getEnv("TOKEN_SECRET", ""),
			Issuer:       getEnv("TOKEN_ISSUER", "tenantry-auth"),
			Leeway:       getEnvDuration("TOKEN_LEEWAY", 30*time.Second),
			AccessTTL:    getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Second),
			ResetTTL:     getEnvDuration("RESET_TOKEN_TTL", time.Hour),
			CookieName:   getEnv("SESSION_COOKIE_NAME", "tenantry_session"),
			CookieDomain: getEnv("SESSION_COOKIE_DOMAIN", ""),
		},
		OTP: OTPConfig{
			TTL:        getEnvDuration("OTP_TTL", 5*time.Minute),
			Digits:     getEnvInt("OTP_DIGITS", 6),
			DecoyDelay: getEnvDuration("OTP_DECOY_DELAY", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			SlowDownAfter:  getEnvInt("SLOWDOWN_AFTER", 3),
			SlowDownStep:   getEnvDuration("SLOWDOWN_STEP", 500*time.Millisecond),
			SlowDownCap:    getEnvDuration("SLOWDOWN_CAP", 5*time.Second),
			SlowDownWindow: getEnvDuration("SLOWDOWN_WINDOW", 15*time.Minute),
		},
		Notify: NotifyConfig{
			EmailBaseURL:     getEnv("EMAIL_NOTIFIER_URL", "http://localhost:8081"),
			WhatsAppBaseURL:  getEnv("WHATSAPP_NOTIFIER_URL", "http://localhost:8082"),
			APIKey:           getEnv("NOTIFIER_API_KEY", ""),
			Timeout:          getEnvDuration("NOTIFIER_TIMEOUT", 10*time.Second),
			MaxRetries:       getEnvInt("NOTIFIER_MAX_RETRIES", 2),
			BreakerThreshold: getEnvInt("NOTIFIER_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvDuration("NOTIFIER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Directory: DirectoryConfig{
			SubjectsBaseURL:     getEnv("SUBJECT_DIRECTORY_URL", "http://localhost:8090"),
			AccountsBaseURL:     getEnv("ACCOUNT_DIRECTORY_URL", "http://localhost:8091"),
			ApplicationsBaseURL: getEnv("APP_DIRECTORY_URL", "http://localhost:8092"),
			APIKey:              getEnv("DIRECTORY_API_KEY", ""),
			Timeout:             getEnvDuration("DIRECTORY_TIMEOUT", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_SECURITY_TOPIC", "auth.security.events"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	// Short-lived credentials in production, developer-friendly ones elsewhere.
	if cfg.IsProduction() {
		cfg.Token.RefreshTTL = getEnvDuration("REFRESH_TOKEN_TTL", 2*time.Minute)
		cfg.Token.SessionTTL = getEnvDuration("SESSION_TOKEN_TTL", 30*time.Minute)
	} else {
		cfg.Token.RefreshTTL = getEnvDuration("REFRESH_TOKEN_TTL", 15*time.Minute)
		cfg.Token.SessionTTL = getEnvDuration("SESSION_TOKEN_TTL", 12*time.Hour)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("config: TOKEN_SECRET is required")
	}
	if len(c.Token.Secret) < 32 {
		return fmt.Errorf("config: TOKEN_SECRET must be at least 32 bytes, got %d", len(c.Token.Secret))
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid SERVER_PORT %d", c.Server.Port)
	}
	if c.OTP.Digits < 4 || c.OTP.Digits > 10 {
		return fmt.Errorf("config: OTP_DIGITS must be between 4 and 10, got %d", c.OTP.Digits)
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 || c.Token.SessionTTL <= 0 {
		return fmt.Errorf("config: token TTLs must be positive")
	}
	return nil
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvSlice(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
