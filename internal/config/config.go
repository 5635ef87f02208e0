package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Remote struct {
		BaseURL       string        `split_words:"true" required:"true"`
		Token         string        `split_words:"true"`
		ListTimeout   time.Duration `split_words:"true" default:"15s"`
		FileTimeout   time.Duration `split_words:"true" default:"30s"`
		BundleTimeout time.Duration `split_words:"true" default:"5m"`
	}

	Cooldown struct {
		Default      time.Duration `split_words:"true" default:"120s"`
		AfterSuccess time.Duration `split_words:"true" default:"120s"`
	}

	TargetDir         string        `envconfig:"TARGET_DIR" required:"true"`
	DBPath            string        `envconfig:"DB_PATH" default:"catalog.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"4"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	PartialMaxAge     time.Duration `envconfig:"PARTIAL_MAX_AGE" default:"1h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"catalog_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads an optional .env file and environment variables and populates the Config struct.
// Variables already present in the environment win over the file.
func LoadConfig(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the relationships envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error

	for name, d := range map[string]time.Duration{
		"REMOTE_LIST_TIMEOUT":    c.Remote.ListTimeout,
		"REMOTE_FILE_TIMEOUT":    c.Remote.FileTimeout,
		"REMOTE_BUNDLE_TIMEOUT":  c.Remote.BundleTimeout,
		"COOLDOWN_DEFAULT":       c.Cooldown.Default,
		"CLEANUP_INTERVAL":       c.CleanupInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Remote.FileTimeout >= c.Remote.BundleTimeout {
		errs = append(errs, fmt.Errorf("REMOTE_FILE_TIMEOUT (%s) must be shorter than REMOTE_BUNDLE_TIMEOUT (%s)",
			c.Remote.FileTimeout, c.Remote.BundleTimeout))
	}

	if c.Cooldown.AfterSuccess < 0 {
		errs = append(errs, fmt.Errorf("COOLDOWN_AFTER_SUCCESS must not be negative, got %s", c.Cooldown.AfterSuccess))
	}

	// A live bundle transfer writes its partial file for at most REMOTE_BUNDLE_TIMEOUT.
	if c.PartialMaxAge <= c.Remote.BundleTimeout {
		errs = append(errs, fmt.Errorf("PARTIAL_MAX_AGE (%s) must be longer than REMOTE_BUNDLE_TIMEOUT (%s)",
			c.PartialMaxAge, c.Remote.BundleTimeout))
	}

	if c.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", c.MaxParallel))
	}

	if (c.Web.Username == "") != (c.Web.Password == "") {
		errs = append(errs, errors.New("WEB_USERNAME and WEB_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
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
