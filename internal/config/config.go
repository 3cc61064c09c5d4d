// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	DBURL       string `mapstructure:"DB_URL"`
	GithubToken string `mapstructure:"GITHUB_TOKEN"`

	// CronSecret authorizes POST /v1/sweep. Empty disables the endpoint.
	CronSecret string `mapstructure:"CRON_SECRET"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	SweepInterval     time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepConcurrency  int           `mapstructure:"SWEEP_CONCURRENCY"`
	SweepReposPerUser int           `mapstructure:"SWEEP_REPOS_PER_USER"`
	LookbackDays      int           `mapstructure:"LOOKBACK_DAYS"`

	RiskCutoffHour     int           `mapstructure:"RISK_CUTOFF_HOUR"`
	FlakyFlipThreshold int           `mapstructure:"FLAKY_FLIP_THRESHOLD"`
	DispatchTimeout    time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
}

// SMTPConfigured reports whether enough SMTP settings are present to build a
// real email transport. Otherwise deliveries go through the no-op transport.
func (c *Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("SMTP_PORT", 587)
	viper.SetDefault("SWEEP_INTERVAL", "24h")
	viper.SetDefault("SWEEP_CONCURRENCY", 5)
	viper.SetDefault("SWEEP_REPOS_PER_USER", 5)
	viper.SetDefault("LOOKBACK_DAYS", 7)
	viper.SetDefault("RISK_CUTOFF_HOUR", 18)
	viper.SetDefault("FLAKY_FLIP_THRESHOLD", 3)
	viper.SetDefault("DISPATCH_TIMEOUT", "10s")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.SweepConcurrency < 1 {
		return nil, errors.New("SWEEP_CONCURRENCY must be at least 1")
	}
	if cfg.SweepReposPerUser < 1 {
		return nil, errors.New("SWEEP_REPOS_PER_USER must be at least 1")
	}
	if cfg.LookbackDays < 1 {
		return nil, errors.New("LOOKBACK_DAYS must be at least 1")
	}
	if cfg.RiskCutoffHour < 0 || cfg.RiskCutoffHour > 23 {
		return nil, errors.New("RISK_CUTOFF_HOUR must be between 0 and 23")
	}
	if cfg.FlakyFlipThreshold < 2 {
		return nil, errors.New("FLAKY_FLIP_THRESHOLD must be at least 2")
	}

	return &cfg, nil
}
