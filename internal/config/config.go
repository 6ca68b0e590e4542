package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/italolelis/depmap_downloader/internal/retry"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIURL   string `envconfig:"DEPMAP_API_URL" default:"https://depmap.org/portal/api" validate:"required,url"`
	APIToken string `envconfig:"DEPMAP_API_TOKEN"`

	DBPath   string `envconfig:"DB_PATH" default:"depmap_cache.db" validate:"required"`
	DBDriver string `envconfig:"DB_DRIVER" default:"sqlite3" validate:"oneof=sqlite3 sqlite"`

	OutputDir       string        `envconfig:"OUTPUT_DIR" default:"depmap_data" validate:"required"`
	Workers         int           `envconfig:"WORKERS" default:"4" validate:"min=1,max=64"`
	RefreshInterval time.Duration `envconfig:"REFRESH_INTERVAL" default:"24h" validate:"gt=0"`
	HTTPTimeout     time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s" validate:"gt=0"`
	GeneBatchSize   int           `envconfig:"GENE_BATCH_SIZE" default:"1000" validate:"min=1"`

	// ClaimTimeout is how old a download claim must be before it is
	// considered abandoned by a dead process.
	ClaimTimeout      time.Duration `envconfig:"CLAIM_TIMEOUT" default:"6h" validate:"gte=0"`
	TempFileRetention time.Duration `envconfig:"TEMP_FILE_RETENTION" default:"24h" validate:"gt=0"`

	TaskPollInterval time.Duration `envconfig:"TASK_POLL_INTERVAL" default:"2s" validate:"gt=0"`
	TaskMaxWait      time.Duration `envconfig:"TASK_MAX_WAIT" default:"10m" validate:"gt=0"`

	Retry struct {
		MaxAttempts int           `split_words:"true" default:"3" validate:"min=1"`
		BaseDelay   time.Duration `split_words:"true" default:"1s" validate:"gt=0"`
		Multiplier  float64       `split_words:"true" default:"2" validate:"gte=1"`
		MaxDelay    time.Duration `split_words:"true" default:"30s" validate:"gtefield=BaseDelay"`
	}

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"depmap-downloader"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"false"`
		ExportInterval time.Duration `split_words:"true" default:"60s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091" validate:"hostname_port"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		// Username and Password enable basic auth on the API when both are set.
		Username string `split_words:"true"`
		Password string `split_words:"true" validate:"required_with=Username"`
	}
}

var validate = validator.New()

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct tags. The CLI calls it again after flags
// override individual fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]

		return fmt.Errorf("invalid config %s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}

	return err
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

// RetryPolicy builds the shared retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		Multiplier:  c.Retry.Multiplier,
		MaxDelay:    c.Retry.MaxDelay,
	}
}
