package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML duration strings like "500ms" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the engine configuration loaded from terrane.yaml.
type Settings struct {
	// LogLevel sets the zerolog level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// StatePath is the SQLite database file for snapshots and run history.
	StatePath string `yaml:"state_path"`

	// MaxParallel bounds concurrent step execution.
	MaxParallel int `yaml:"max_parallel" validate:"omitempty,min=1,max=256"`

	// MaxRetries bounds retries of transient remote failures.
	MaxRetries int `yaml:"max_retries" validate:"omitempty,min=0,max=20"`

	// BaseBackoff is the first retry delay.
	BaseBackoff Duration `yaml:"base_backoff"`

	// MaxBackoff caps the retry delay.
	MaxBackoff Duration `yaml:"max_backoff"`

	// PolicyDir holds additional .rego policy files evaluated before apply.
	PolicyDir string `yaml:"policy_dir"`

	// Telemetry configures metrics and tracing.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// TelemetrySettings configures the observability stack.
type TelemetrySettings struct {
	// MetricsAddr is the Prometheus listen address, "" to disable.
	MetricsAddr string `yaml:"metrics_addr"`

	// Tracing selects the trace exporter: off, stdout, or otlp.
	Tracing string `yaml:"tracing" validate:"omitempty,oneof=off stdout otlp"`

	// OTLPEndpoint is the gRPC collector endpoint for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	return &Settings{
		LogLevel:    "info",
		LogFormat:   "console",
		StatePath:   "terrane.db",
		MaxParallel: 10,
		MaxRetries:  3,
		BaseBackoff: Duration(500 * time.Millisecond),
		MaxBackoff:  Duration(30 * time.Second),
		Telemetry:   TelemetrySettings{Tracing: "off"},
	}
}

// LoadSettings reads settings from a YAML file, applying defaults for every
// omitted field. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	settings := DefaultSettings()
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if settings.MaxParallel <= 0 {
		settings.MaxParallel = 10
	}
	if settings.BaseBackoff <= 0 {
		settings.BaseBackoff = Duration(500 * time.Millisecond)
	}
	if settings.MaxBackoff <= 0 {
		settings.MaxBackoff = Duration(30 * time.Second)
	}

	if err := validator.New().Struct(settings); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return settings, nil
}
