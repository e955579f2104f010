package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port                string `yaml:"port"`
		MaxBodyBytes        int64  `yaml:"max_body_bytes"`
		EventTimeoutSeconds int64  `yaml:"event_timeout_seconds"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"` // "postgres" or "sqlite"
		URL    string `yaml:"url"`
	} `yaml:"database"`
	DingTalk struct {
		AppKey              string   `yaml:"app_key"`
		AppSecret           string   `yaml:"app_secret"`
		WebhookURL          string   `yaml:"webhook_url"`
		BotNames            []string `yaml:"bot_names"`
		ReplyTimeoutSeconds int64    `yaml:"reply_timeout_seconds"`
		ReplyRatePerMinute  int      `yaml:"reply_rate_per_minute"`
		SessionSweepSeconds int64    `yaml:"session_sweep_seconds"`
	} `yaml:"dingtalk"`
	MLService struct {
		URL                 string  `yaml:"url"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		TimeoutSeconds      int64   `yaml:"timeout_seconds"`
		BreakerMaxFailures  uint32  `yaml:"breaker_max_failures"`
		BreakerOpenSeconds  int64   `yaml:"breaker_open_seconds"`
	} `yaml:"ml_service"`
	Image struct {
		DownloadTimeoutSeconds int64 `yaml:"download_timeout_seconds"`
		MaxBytes               int64 `yaml:"max_bytes"`
		ReplyMaxEdge           int   `yaml:"reply_max_edge"`
		ReplyQuality           int   `yaml:"reply_quality"`
	} `yaml:"image"`
	Auth struct {
		Enabled       bool   `yaml:"enabled"`
		JWTSecret     string `yaml:"jwt_secret"`
		TokenTTLHours int64  `yaml:"token_ttl_hours"`
	} `yaml:"auth"`
	Alerts struct {
		Telegram struct {
			Enabled        bool   `yaml:"enabled"`
			BotToken       string `yaml:"bot_token"`
			ChatID         int64  `yaml:"chat_id"`
			ReportSchedule string `yaml:"report_schedule"` // cron; empty disables
		} `yaml:"telegram"`
	} `yaml:"alerts"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// LoadConfig reads configuration from the specified YAML file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.expandEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) expandEnv() {
	c.Database.URL = os.ExpandEnv(c.Database.URL)
	c.DingTalk.AppKey = os.ExpandEnv(c.DingTalk.AppKey)
	c.DingTalk.AppSecret = os.ExpandEnv(c.DingTalk.AppSecret)
	c.DingTalk.WebhookURL = os.ExpandEnv(c.DingTalk.WebhookURL)
	c.MLService.URL = os.ExpandEnv(c.MLService.URL)
	c.Auth.JWTSecret = os.ExpandEnv(c.Auth.JWTSecret)
	c.Alerts.Telegram.BotToken = os.ExpandEnv(c.Alerts.Telegram.BotToken)

	overrides := map[string]*string{
		"DINGTALK_APP_KEY":     &c.DingTalk.AppKey,
		"DINGTALK_APP_SECRET":  &c.DingTalk.AppSecret,
		"DINGTALK_WEBHOOK_URL": &c.DingTalk.WebhookURL,
		"DATABASE_URL":         &c.Database.URL,
		"JWT_SECRET":           &c.Auth.JWTSecret,
	}
	for env, target := range overrides {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8000"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.EventTimeoutSeconds == 0 {
		c.Server.EventTimeoutSeconds = 60
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.URL == "" && c.Database.Driver == "sqlite" {
		c.Database.URL = "./data/lock_detection.db"
	}

	if len(c.DingTalk.BotNames) == 0 {
		c.DingTalk.BotNames = []string{"机器人"}
	}
	if c.DingTalk.ReplyTimeoutSeconds == 0 {
		c.DingTalk.ReplyTimeoutSeconds = 10
	}
	if c.DingTalk.ReplyRatePerMinute == 0 {
		c.DingTalk.ReplyRatePerMinute = 20
	}
	if c.DingTalk.SessionSweepSeconds == 0 {
		c.DingTalk.SessionSweepSeconds = 300
	}

	if c.MLService.ConfidenceThreshold == 0 {
		c.MLService.ConfidenceThreshold = 0.5
	}
	if c.MLService.TimeoutSeconds == 0 {
		c.MLService.TimeoutSeconds = 30
	}
	if c.MLService.BreakerMaxFailures == 0 {
		c.MLService.BreakerMaxFailures = 5
	}
	if c.MLService.BreakerOpenSeconds == 0 {
		c.MLService.BreakerOpenSeconds = 30
	}

	if c.Image.DownloadTimeoutSeconds == 0 {
		c.Image.DownloadTimeoutSeconds = 15
	}
	if c.Image.MaxBytes == 0 {
		c.Image.MaxBytes = 20 << 20
	}
	if c.Image.ReplyMaxEdge == 0 {
		c.Image.ReplyMaxEdge = 800
	}
	if c.Image.ReplyQuality == 0 {
		c.Image.ReplyQuality = 85
	}

	if c.Auth.TokenTTLHours == 0 {
		c.Auth.TokenTTLHours = 24
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.MLService.ConfidenceThreshold < 0 || c.MLService.ConfidenceThreshold > 1 {
		return fmt.Errorf("ml_service.confidence_threshold must be within [0, 1], got %v", c.MLService.ConfidenceThreshold)
	}
	if c.Image.ReplyQuality < 1 || c.Image.ReplyQuality > 100 {
		return fmt.Errorf("image.reply_quality must be within [1, 100], got %d", c.Image.ReplyQuality)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if c.Alerts.Telegram.Enabled && c.Alerts.Telegram.ChatID == 0 {
		return errors.New("alerts.telegram.chat_id is required when telegram alerts are enabled")
	}
	return nil
}

// EventTimeout bounds the processing of a single webhook event.
func (c *Config) EventTimeout() time.Duration {
	return time.Duration(c.Server.EventTimeoutSeconds) * time.Second
}

// ReplyTimeout bounds a single outbound DingTalk post.
func (c *Config) ReplyTimeout() time.Duration {
	return time.Duration(c.DingTalk.ReplyTimeoutSeconds) * time.Second
}

// DownloadTimeout bounds a single image download.
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Image.DownloadTimeoutSeconds) * time.Second
}

// ClassifyTimeout bounds a single classification call.
func (c *Config) ClassifyTimeout() time.Duration {
	return time.Duration(c.MLService.TimeoutSeconds) * time.Second
}

// TokenTTL is the lifetime of issued JWTs.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// SessionSweepInterval is how often expired reply sessions are dropped.
func (c *Config) SessionSweepInterval() time.Duration {
	return time.Duration(c.DingTalk.SessionSweepSeconds) * time.Second
}

// BreakerOpenTimeout is how long the classifier breaker stays open.
func (c *Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.MLService.BreakerOpenSeconds) * time.Second
}
