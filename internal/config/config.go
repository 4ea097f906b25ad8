package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "TASKBOARD"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Monitors MonitorsConfig `mapstructure:"monitors"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Environment string `mapstructure:"environment" validate:"oneof=development production"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// RedisConfig is optional; an empty URL disables in-app signals.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// TemplateConfig binds a notification type such as task.sla.overdue to a
// provider template.
type TemplateConfig struct {
	Type     string `mapstructure:"type" validate:"required"`
	Name     string `mapstructure:"name" validate:"required"`
	Language string `mapstructure:"language"`
}

type WhatsAppConfig struct {
	Enabled       bool             `mapstructure:"enabled"`
	BaseURL       string           `mapstructure:"base_url" validate:"required_if=Enabled true,omitempty,url"`
	PhoneNumberID string           `mapstructure:"phone_number_id" validate:"required_if=Enabled true"`
	Token         string           `mapstructure:"token" validate:"required_if=Enabled true"`
	RatePerSecond float64          `mapstructure:"rate_per_second" validate:"gte=0"`
	Timeout       time.Duration    `mapstructure:"timeout" validate:"gt=0"`
	Templates     []TemplateConfig `mapstructure:"templates" validate:"dive"`
}

type QueueConfig struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1,max=1000"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1,max=100"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gte=1s"`
}

type MonitorsConfig struct {
	ReviewInterval time.Duration `mapstructure:"review_interval" validate:"gte=1s"`
	ReviewAfter    time.Duration `mapstructure:"review_after" validate:"gte=1m"`
	DigestCron     string        `mapstructure:"digest_cron" validate:"required"`
	// Timezone is used for digest scheduling and day-scoped dedupe keys.
	Timezone string `mapstructure:"timezone" validate:"required"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.environment", "development")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:taskboard.db?_pragma=busy_timeout(5000)")
	v.SetDefault("redis.url", "")
	v.SetDefault("whatsapp.enabled", false)
	v.SetDefault("whatsapp.base_url", "https://graph.facebook.com/v19.0")
	v.SetDefault("whatsapp.phone_number_id", "")
	v.SetDefault("whatsapp.token", "")
	v.SetDefault("whatsapp.rate_per_second", 10)
	v.SetDefault("whatsapp.timeout", "10s")
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.poll_interval", "30s")
	v.SetDefault("monitors.review_interval", "15m")
	v.SetDefault("monitors.review_after", "24h")
	v.SetDefault("monitors.digest_cron", "0 8 * * *")
	v.SetDefault("monitors.timezone", "UTC")
}

// Load reads configuration from an optional YAML file and TASKBOARD_*
// environment variables, which take precedence. A .env file in the working
// directory is loaded first without overriding the real environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Monitors.Timezone); err != nil {
		return fmt.Errorf("invalid config: monitors.timezone: %w", err)
	}
	return nil
}

// Location returns the configured monitor timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Monitors.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
