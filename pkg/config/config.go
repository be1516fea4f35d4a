package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// minSecretLength is the HMAC-SHA256 key floor (256 bits).
const minSecretLength = 32

// DevJWTSecret is the fallback signing key for local runs. Production refuses it.
const DevJWTSecret = "dev_secret_change_me_dev_secret_change_me"

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Confirmation ConfirmationConfig
	Notification NotificationConfig
	Audit        AuditConfig
	CORS         CORSConfig
	Log          LogConfig
	Metrics      MetricsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Issuer            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

// ConfirmationConfig controls activation and password reset codes.
type ConfirmationConfig struct {
	TTL time.Duration
}

// NotificationConfig controls the outbox the mail worker consumes.
type NotificationConfig struct {
	Enabled bool
	Queue   string
}

// AuditConfig sizes the audit writer pool. Zero workers writes inline.
type AuditConfig struct {
	Workers int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Issuer:            v.GetString("JWT_ISSUER"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 30*time.Minute),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 14*24*time.Hour),
	}

	cfg.Confirmation = ConfirmationConfig{
		TTL: parseDuration(v.GetString("CONFIRMATION_TOKEN_TTL"), 15*time.Minute),
	}

	cfg.Notification = NotificationConfig{
		Enabled: v.GetBool("NOTIFICATION_ENABLED"),
		Queue:   v.GetString("NOTIFICATION_QUEUE"),
	}

	cfg.Audit = AuditConfig{Workers: v.GetInt("AUDIT_WORKERS")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: v.GetBool("ENABLE_METRICS"),
		Path:    v.GetString("METRICS_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the token subsystem cannot run with.
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLength)
	}
	if c.Env == EnvProduction && c.JWT.Secret == DevJWTSecret {
		return errors.New("JWT_SECRET must be set explicitly in production")
	}
	if c.JWT.Expiration <= 0 || c.JWT.RefreshExpiration <= 0 {
		return errors.New("token expirations must be positive")
	}
	if c.JWT.RefreshExpiration <= c.JWT.Expiration {
		return errors.New("REFRESH_TOKEN_EXPIRATION must exceed JWT_EXPIRATION")
	}
	if c.Confirmation.TTL <= 0 {
		return errors.New("CONFIRMATION_TOKEN_TTL must be positive")
	}
	if c.Audit.Workers < 0 {
		return errors.New("AUDIT_WORKERS must not be negative")
	}
	if c.Notification.Enabled && c.Notification.Queue == "" {
		return errors.New("NOTIFICATION_QUEUE is required when notifications are enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "storefront")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", false)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", DevJWTSecret)
	v.SetDefault("JWT_ISSUER", "storefront-api")
	v.SetDefault("JWT_EXPIRATION", "30m")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "336h")

	v.SetDefault("CONFIRMATION_TOKEN_TTL", "15m")

	v.SetDefault("NOTIFICATION_ENABLED", true)
	v.SetDefault("NOTIFICATION_QUEUE", "storefront:notifications")

	v.SetDefault("AUDIT_WORKERS", 2)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_METRICS", true)
	v.SetDefault("METRICS_PATH", "/metrics")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
