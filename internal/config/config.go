package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config contains runtime configuration values.
type Config struct {
	Environment   string `env:"APP_ENV" envDefault:"development"`
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	ServiceName   string `env:"SERVICE_NAME" envDefault:"bookstore-auth"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret         string        `env:"JWT_SECRET"`
	TokenIssuer       string        `env:"TOKEN_ISSUER" envDefault:"bookstore-auth"`
	AccessTokenTTL    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL   time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	PasswordMinLength int           `env:"PASSWORD_MIN_LENGTH" envDefault:"8"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	RateLimitRequests   int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow     time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitExemptPath string        `env:"RATE_LIMIT_EXEMPT_PATH" envDefault:"/health"`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	FirebaseProjectID string `env:"FIREBASE_PROJECT_ID"`
	FirebaseCertsURL  string `env:"FIREBASE_CERTS_URL" envDefault:"https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	TelemetryEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	// TelemetrySampleRatio is the share of root traces kept, 0 to 1.
	TelemetrySampleRatio float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	CORSAllowedMethods   []string `env:"CORS_ALLOWED_METHODS" envDefault:"GET,POST,PUT,OPTIONS" envSeparator:","`
	CORSAllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS" envDefault:"Authorization,Content-Type" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
}

// Load reads configuration from the environment, after applying any .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot start the service.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER %q is not supported", c.StorageDriver))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be positive"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.TelemetrySampleRatio < 0 || c.TelemetrySampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_RATIO must be between 0 and 1"))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together"))
	}
	return errors.Join(errs...)
}

// GoogleEnabled reports whether the Google OAuth flow is configured.
func (c Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func (c *Config) normalize() {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	c.AdminEmail = strings.ToLower(strings.TrimSpace(c.AdminEmail))
	c.AdminPassword = strings.TrimSpace(c.AdminPassword)
	if c.PasswordMinLength <= 0 {
		c.PasswordMinLength = 8
	}
}
