package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// GENQUEUE_WORKER_COUNT for worker.count.
const EnvPrefix = "GENQUEUE"

// setDefaults registers every key so that environment variables can
// override keys that no config file mentions.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.task_timeout", "5m")
	v.SetDefault("worker.fetch_timeout", "5s")
	v.SetDefault("worker.heartbeat_interval", "30s")
	v.SetDefault("worker.lease_timeout", "10m")
	v.SetDefault("worker.reap_interval", "1m")
	v.SetDefault("worker.resume_schedule", "@hourly")

	v.SetDefault("router.breaker_failure_threshold", 5)
	v.SetDefault("router.breaker_open_duration", "30s")

	v.SetDefault("metrics.histogram_window_size", 1000)
	v.SetDefault("metrics.export_enabled", false)
	v.SetDefault("metrics.collector_endpoint", "localhost:4317")
	v.SetDefault("metrics.export_interval", "1m")
	v.SetDefault("metrics.export_insecure", true)

	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.gemini_model", "gemini-2.0-flash")
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.openai_model", "gpt-4o-mini")
	v.SetDefault("llm.openai_base_url", "")
	v.SetDefault("llm.timeout", "2m")
}

// Load configuration from environment variables and optionally a config.yaml
// in the working directory. Environment variables take precedence over values
// from config files.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// for config.yaml in the working directory and tolerates its absence; a
// non-empty path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct tags on cfg. Without a heartbeat, a lease must
// outlive the task timeout or the reaper would requeue running tasks.
func Validate(cfg *Config) error {
	validate := validator.New()
	validate.RegisterStructValidation(validateWorkerLease, WorkerConfig{})
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func validateWorkerLease(sl validator.StructLevel) {
	w := sl.Current().Interface().(WorkerConfig)
	if w.HeartbeatInterval == 0 && w.LeaseTimeout <= w.TaskTimeout {
		sl.ReportError(w.LeaseTimeout, "LeaseTimeout", "lease_timeout", "gtfield", "TaskTimeout")
	}
}
