// Package config provides configuration management for Convoflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Convoflow.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Media    MediaConfig    `mapstructure:"media"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig holds the timing knobs of the conversation engine.
type EngineConfig struct {
	// DebounceWindowMS is how long a conversation stays quiet before its
	// accumulated messages are batched into one turn.
	DebounceWindowMS int `mapstructure:"debounceWindowMs"`

	// PlaceholderTimeoutSec bounds how long a pending transcription or
	// media preparation may block batching before it is force-completed.
	PlaceholderTimeoutSec int `mapstructure:"placeholderTimeoutSec"`

	// LockLeaseSec is the expiry on the per-conversation turn lock.
	LockLeaseSec int `mapstructure:"lockLeaseSec"`

	// AbortTTLSec is the expiry on the cross-process abort flag.
	AbortTTLSec int `mapstructure:"abortTtlSec"`

	// HumanTakeoverMin suppresses bot replies for this many minutes after
	// a human operator last answered in the conversation.
	HumanTakeoverMin int `mapstructure:"humanTakeoverMin"`

	// LockRetryAttempts and LockRetryDelayMS bound how long a turn waits
	// for a previous turn of the same conversation to release its lock.
	LockRetryAttempts int `mapstructure:"lockRetryAttempts"`
	LockRetryDelayMS  int `mapstructure:"lockRetryDelayMs"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds the connection settings for the coordination store.
// An empty Addr selects the in-memory store (single-process mode).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WhatsAppConfig holds the WhatsApp transport configuration.
type WhatsAppConfig struct {
	// Enabled controls whether the whatsmeow client is started. When false
	// replies are logged instead of delivered (useful for tests and dry runs).
	Enabled bool `mapstructure:"enabled"`

	// StorePath is the sqlite file backing the whatsmeow device store.
	StorePath string `mapstructure:"storePath"`

	// ShowQR prints the pairing QR code to the terminal on first login.
	ShowQR bool `mapstructure:"showQr"`
}

// LLMConfig holds the model endpoint configuration.
type LLMConfig struct {
	BaseURL     string  `mapstructure:"baseUrl"`
	APIKey      string  `mapstructure:"apiKey"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"maxTokens"`
	Temperature float64 `mapstructure:"temperature"`
	TimeoutSec  int     `mapstructure:"timeoutSec"`

	// Cost rates in micro-USD per 1000 tokens, used for audit records.
	InputCostPer1K  int64 `mapstructure:"inputCostPer1k"`
	OutputCostPer1K int64 `mapstructure:"outputCostPer1k"`
}

// AgentConfig describes the default agent profile seeded at startup.
// Conversations without an explicit agent assignment use this one.
type AgentConfig struct {
	ID           string `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	SystemPrompt string `mapstructure:"systemPrompt"`
}

// MediaConfig holds the transcription and image preparation endpoints.
type MediaConfig struct {
	TranscriptionURL string `mapstructure:"transcriptionUrl"`
	ImagePrepURL     string `mapstructure:"imagePrepUrl"`
	TimeoutSec       int    `mapstructure:"timeoutSec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DebounceWindow returns the debounce window as a time.Duration.
func (e *EngineConfig) DebounceWindow() time.Duration {
	return time.Duration(e.DebounceWindowMS) * time.Millisecond
}

// PlaceholderTimeout returns the placeholder timeout as a time.Duration.
func (e *EngineConfig) PlaceholderTimeout() time.Duration {
	return time.Duration(e.PlaceholderTimeoutSec) * time.Second
}

// LockLease returns the turn lock lease as a time.Duration.
func (e *EngineConfig) LockLease() time.Duration {
	return time.Duration(e.LockLeaseSec) * time.Second
}

// AbortTTL returns the abort flag expiry as a time.Duration.
func (e *EngineConfig) AbortTTL() time.Duration {
	return time.Duration(e.AbortTTLSec) * time.Second
}

// HumanTakeoverWindow returns the takeover window as a time.Duration.
func (e *EngineConfig) HumanTakeoverWindow() time.Duration {
	return time.Duration(e.HumanTakeoverMin) * time.Minute
}

// LockRetryDelay returns the per-attempt lock retry delay as a time.Duration.
func (e *EngineConfig) LockRetryDelay() time.Duration {
	return time.Duration(e.LockRetryDelayMS) * time.Millisecond
}

// Timeout returns the model call timeout as a time.Duration.
func (l *LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// Timeout returns the media job timeout as a time.Duration.
func (m *MediaConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CONVOFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.debounceWindowMs", 300)
	v.SetDefault("engine.placeholderTimeoutSec", 15)
	v.SetDefault("engine.lockLeaseSec", 180)
	v.SetDefault("engine.abortTtlSec", 120)
	v.SetDefault("engine.humanTakeoverMin", 10)
	v.SetDefault("engine.lockRetryAttempts", 3)
	v.SetDefault("engine.lockRetryDelayMs", 500)

	// Database defaults
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "convoflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "convoflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults - empty addr means use the in-memory coordination store
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "convoflow-client")
	v.SetDefault("nats.maxReconnects", 10)

	// WhatsApp defaults
	v.SetDefault("whatsapp.enabled", false)
	v.SetDefault("whatsapp.storePath", "file:convoflow.db?_foreign_keys=on")
	v.SetDefault("whatsapp.showQr", true)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.timeoutSec", 120)
	v.SetDefault("llm.inputCostPer1k", 150)
	v.SetDefault("llm.outputCostPer1k", 600)

	// Agent defaults
	v.SetDefault("agent.id", "default")
	v.SetDefault("agent.name", "Assistant")
	v.SetDefault("agent.systemPrompt", "You are a helpful assistant replying to WhatsApp messages. Keep replies short and conversational.")

	// Media defaults
	v.SetDefault("media.transcriptionUrl", "")
	v.SetDefault("media.imagePrepUrl", "")
	v.SetDefault("media.timeoutSec", 15)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONVOFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/convoflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CONVOFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("llm.apiKey", "OPENAI_API_KEY", "CONVOFLOW_LLM_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "CONVOFLOW_LLM_BASE_URL")
	_ = v.BindEnv("whatsapp.storePath", "CONVOFLOW_WHATSAPP_STORE_PATH")
	_ = v.BindEnv("media.transcriptionUrl", "CONVOFLOW_MEDIA_TRANSCRIPTION_URL")
	_ = v.BindEnv("media.imagePrepUrl", "CONVOFLOW_MEDIA_IMAGE_PREP_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/convoflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Engine validation - the timing knobs must be positive
	if cfg.Engine.DebounceWindowMS <= 0 {
		errs = append(errs, "engine.debounceWindowMs must be positive")
	}
	if cfg.Engine.PlaceholderTimeoutSec <= 0 {
		errs = append(errs, "engine.placeholderTimeoutSec must be positive")
	}
	if cfg.Engine.LockLeaseSec <= 0 {
		errs = append(errs, "engine.lockLeaseSec must be positive")
	}
	if cfg.Engine.AbortTTLSec <= 0 {
		errs = append(errs, "engine.abortTtlSec must be positive")
	}
	if cfg.Engine.LockRetryAttempts <= 0 {
		errs = append(errs, "engine.lockRetryAttempts must be positive")
	}

	// Database validation - only if host is set (optional for in-memory mode)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	// Redis validation - optional (uses in-memory coordination store if not set)
	// NATS validation - optional (uses in-memory event bus if not set)

	// LLM validation
	if cfg.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, "llm.maxTokens must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
