// Package config manages application configuration from environment variables,
// config files, and default values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration. Values can be set via
// environment variables prefixed with ZAPDESK_ (e.g., ZAPDESK_WHATSAPP_ACCESS_TOKEN)
// or through config.yaml.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	AI       AIConfig       `mapstructure:"ai"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"             validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s,max=1m"`
}

// DatabaseConfig controls the SQLite database.
type DatabaseConfig struct {
	Path                string        `mapstructure:"path"                 validate:"required"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"min=1m"`
}

// WhatsAppConfig holds WhatsApp Cloud API credentials and webhook settings.
type WhatsAppConfig struct {
	VerifyToken   string        `mapstructure:"verify_token"    validate:"required"`
	AccessToken   string        `mapstructure:"access_token"    validate:"required"`
	PhoneNumberID string        `mapstructure:"phone_number_id" validate:"required"`
	BaseURL       string        `mapstructure:"base_url"        validate:"required,url"`
	Timeout       time.Duration `mapstructure:"timeout"         validate:"min=1s,max=2m"`
}

// AIConfig holds Gemini API settings for reply generation and lead detection.
type AIConfig struct {
	APIKey      string        `mapstructure:"api_key"     validate:"required"`
	Model       string        `mapstructure:"model"       validate:"required"`
	Temperature float32       `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" validate:"min=0"`
}

// PipelineConfig controls the message ingestion pipeline behavior.
type PipelineConfig struct {
	AutoReply          bool          `mapstructure:"auto_reply"`
	HistoryLimit       int           `mapstructure:"history_limit"        validate:"min=1,max=50"`
	DedupCap           int           `mapstructure:"dedup_cap"            validate:"min=10"`
	DrainInterval      time.Duration `mapstructure:"drain_interval"       validate:"min=1s"`
	DrainBatchSize     int           `mapstructure:"drain_batch_size"     validate:"min=1,max=100"`
	DrainFollowUpDelay time.Duration `mapstructure:"drain_followup_delay" validate:"min=100ms"`
	SimulateReceipts   bool          `mapstructure:"simulate_receipts"`
	DeliveredDelay     time.Duration `mapstructure:"delivered_delay"      validate:"min=100ms"`
	ReadDelay          time.Duration `mapstructure:"read_delay"           validate:"min=100ms"`
	LeadConfidence     float64       `mapstructure:"lead_confidence"      validate:"min=0,max=1"`
}

// Load loads and validates configuration from:
// 1. Default values
// 2. config.yaml file
// 3. ZAPDESK_* environment variables
func Load() (*Config, error) {
	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("ZAPDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about. The secrets
	// have no default, so they must be bound explicitly to be settable through
	// the environment without a config file.
	for _, key := range []string{
		"whatsapp.verify_token",
		"whatsapp.access_token",
		"whatsapp.phone_number_id",
		"ai.api_key",
	} {
		_ = viper.BindEnv(key)
	}

	// Config file is optional; defaults plus env cover everything
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)

	viper.SetDefault("database.path", "zapdesk.db")
	viper.SetDefault("database.maintenance_interval", 24*time.Hour)

	viper.SetDefault("whatsapp.base_url", "https://graph.facebook.com/v19.0")
	viper.SetDefault("whatsapp.timeout", 30*time.Second)

	viper.SetDefault("ai.model", "gemini-2.0-flash")
	viper.SetDefault("ai.temperature", 0.7)
	viper.SetDefault("ai.max_retries", 2)
	viper.SetDefault("ai.retry_delay", 2*time.Second)

	viper.SetDefault("pipeline.auto_reply", true)
	viper.SetDefault("pipeline.history_limit", 10)
	viper.SetDefault("pipeline.dedup_cap", 1000)
	viper.SetDefault("pipeline.drain_interval", 10*time.Second)
	viper.SetDefault("pipeline.drain_batch_size", 10)
	viper.SetDefault("pipeline.drain_followup_delay", time.Second)
	viper.SetDefault("pipeline.simulate_receipts", true)
	viper.SetDefault("pipeline.delivered_delay", 2*time.Second)
	viper.SetDefault("pipeline.read_delay", 5*time.Second)
	viper.SetDefault("pipeline.lead_confidence", 0.7)
}
