package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`

	// Practice rules
	PracticeTimezone       string        `mapstructure:"PRACTICE_TIMEZONE"`
	NoteGraceHours         int           `mapstructure:"NOTE_GRACE_HOURS"`
	OverrideExtensionHours int           `mapstructure:"OVERRIDE_EXTENSION_HOURS"`
	ReminderWindowHours    int           `mapstructure:"REMINDER_WINDOW_HOURS"`
	EnforceInterval        time.Duration `mapstructure:"ENFORCE_INTERVAL"`
	ReportCacheTTL         time.Duration `mapstructure:"REPORT_CACHE_TTL"`

	// Payroll exports and mail
	ExportBucket   string `mapstructure:"EXPORT_BUCKET"`
	AWSRegion      string `mapstructure:"AWS_REGION"`
	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	MailFrom       string `mapstructure:"MAIL_FROM"`
	MailFromName   string `mapstructure:"MAIL_FROM_NAME"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("PRACTICE_TIMEZONE", "America/New_York")
	v.SetDefault("NOTE_GRACE_HOURS", 24)
	v.SetDefault("OVERRIDE_EXTENSION_HOURS", 48)
	v.SetDefault("REMINDER_WINDOW_HOURS", 24)
	v.SetDefault("ENFORCE_INTERVAL", "15m")
	v.SetDefault("REPORT_CACHE_TTL", "5m")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("MAIL_FROM", "no-reply@localhost")
	v.SetDefault("MAIL_FROM_NAME", "Practice Notifications")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"DEFAULT_TENANT", "CORS_ORIGINS", "JWT_SIGNING_KEY", "JWT_ISSUER",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "METRICS_ENABLED",
		"PRACTICE_TIMEZONE", "NOTE_GRACE_HOURS", "OVERRIDE_EXTENSION_HOURS",
		"REMINDER_WINDOW_HOURS", "ENFORCE_INTERVAL", "REPORT_CACHE_TTL",
		"EXPORT_BUCKET", "AWS_REGION", "SENDGRID_API_KEY", "MAIL_FROM", "MAIL_FROM_NAME",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); unauthenticated requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves the practice timezone used for pay periods and deadlines.
func (c *Config) Location() (*time.Location, error) {
	if c.PracticeTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.PracticeTimezone)
	if err != nil {
		return nil, fmt.Errorf("PRACTICE_TIMEZONE %q: %w", c.PracticeTimezone, err)
	}
	return loc, nil
}

func (c *Config) NoteGracePeriod() time.Duration {
	return time.Duration(c.NoteGraceHours) * time.Hour
}

func (c *Config) OverrideExtension() time.Duration {
	return time.Duration(c.OverrideExtensionHours) * time.Hour
}

func (c *Config) ReminderWindow() time.Duration {
	return time.Duration(c.ReminderWindowHours) * time.Hour
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT signing key of at least 32 bytes is required.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters when ENV=%q", c.Env)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.NoteGraceHours < 0 {
		return fmt.Errorf("NOTE_GRACE_HOURS must not be negative, got %d", c.NoteGraceHours)
	}
	if c.OverrideExtensionHours <= 0 {
		return fmt.Errorf("OVERRIDE_EXTENSION_HOURS must be positive, got %d", c.OverrideExtensionHours)
	}
	if c.EnforceInterval < time.Minute {
		return fmt.Errorf("ENFORCE_INTERVAL must be at least 1m, got %s", c.EnforceInterval)
	}
	return nil
}
