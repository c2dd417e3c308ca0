package config

import (
	"errors"
	"time"
)

// Provider kinds understood by the application wiring.
const (
	ProviderKindGemini = "gemini"
	ProviderKindOpenAI = "openai"
)

// ErrNoProviders is returned when neither explicit providers nor LLM API keys
// are configured.
var ErrNoProviders = errors.New("no generation providers configured")

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Router   RouterConfig   `mapstructure:"router" validate:"required"`
	Metrics  MetricsConfig  `mapstructure:"metrics" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig selects and configures the task store.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"required,oneof=postgres sqlite memory"`
	URL          string `mapstructure:"url" validate:"required_unless=Driver memory"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=0"`
}

// WorkerConfig tunes the processor and its maintenance jobs.
type WorkerConfig struct {
	Count             int           `mapstructure:"count" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gte=0,ltfield=LeaseTimeout"`
	LeaseTimeout      time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	ResumeSchedule    string        `mapstructure:"resume_schedule" validate:"required"`
}

// RouterConfig configures circuit breakers and the provider list.
type RouterConfig struct {
	BreakerFailureThreshold uint32           `mapstructure:"breaker_failure_threshold" validate:"gt=0"`
	BreakerOpenDuration     time.Duration    `mapstructure:"breaker_open_duration" validate:"gt=0"`
	Providers               []ProviderConfig `mapstructure:"providers" validate:"dive"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	ID       string        `mapstructure:"id" validate:"required"`
	Kind     string        `mapstructure:"kind" validate:"required,oneof=gemini openai"`
	Priority int           `mapstructure:"priority" validate:"gte=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Model    string        `mapstructure:"model" validate:"required"`
	APIKey   string        `mapstructure:"api_key" validate:"required"`
	BaseURL  string        `mapstructure:"base_url" validate:"omitempty,url"`
}

// MetricsConfig contains latency histogram and OTLP export settings.
type MetricsConfig struct {
	HistogramWindowSize int           `mapstructure:"histogram_window_size" validate:"gt=0"`
	ExportEnabled       bool          `mapstructure:"export_enabled"`
	CollectorEndpoint   string        `mapstructure:"collector_endpoint" validate:"required_if=ExportEnabled true"`
	ExportInterval      time.Duration `mapstructure:"export_interval" validate:"gte=0"`
	ExportInsecure      bool          `mapstructure:"export_insecure"`
}

// LLMConfig contains shortcut credentials used when no explicit provider
// list is configured.
type LLMConfig struct {
	GeminiAPIKey  string        `mapstructure:"gemini_api_key"`
	GeminiModel   string        `mapstructure:"gemini_model"`
	OpenAIAPIKey  string        `mapstructure:"openai_api_key"`
	OpenAIModel   string        `mapstructure:"openai_model"`
	OpenAIBaseURL string        `mapstructure:"openai_base_url" validate:"omitempty,url"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// ResolvedProviders returns the explicit provider list or, when it is empty,
// providers derived from the LLM API keys: Gemini at priority 1 and the
// OpenAI-compatible endpoint at priority 2.
func (c *Config) ResolvedProviders() ([]ProviderConfig, error) {
	if len(c.Router.Providers) > 0 {
		return c.Router.Providers, nil
	}

	var providers []ProviderConfig
	if c.LLM.GeminiAPIKey != "" {
		providers = append(providers, ProviderConfig{
			ID:       ProviderKindGemini,
			Kind:     ProviderKindGemini,
			Priority: 1,
			Timeout:  c.LLM.Timeout,
			Model:    c.LLM.GeminiModel,
			APIKey:   c.LLM.GeminiAPIKey,
		})
	}
	if c.LLM.OpenAIAPIKey != "" {
		providers = append(providers, ProviderConfig{
			ID:       ProviderKindOpenAI,
			Kind:     ProviderKindOpenAI,
			Priority: 2,
			Timeout:  c.LLM.Timeout,
			Model:    c.LLM.OpenAIModel,
			APIKey:   c.LLM.OpenAIAPIKey,
			BaseURL:  c.LLM.OpenAIBaseURL,
		})
	}
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	return providers, nil
}
