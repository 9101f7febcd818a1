package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BackendBaseURL string `envconfig:"BACKEND_BASE_URL" required:"true"`
	BackendToken   string `envconfig:"BACKEND_TOKEN"`
	AudioBucket    string `envconfig:"AUDIO_BUCKET" default:"bird-audio"`
	VideoBucket    string `envconfig:"VIDEO_BUCKET" default:"bird-sonograms"`

	DownloadDir   string `envconfig:"DOWNLOAD_DIR" required:"true"`
	UserID        string `envconfig:"USER_ID"`
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"badger"`
	StorePath     string `envconfig:"STORE_PATH" default:"downloads-state"`
	MaxConcurrent int    `envconfig:"MAX_CONCURRENT" default:"4"`

	ReadURLTTL        time.Duration `envconfig:"READ_URL_TTL" default:"720h"`
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"10m"`

	ProbeURL      string        `envconfig:"PROBE_URL"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"30s"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8553"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"birdsong_downloader"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.BackendBaseURL
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
