// Package config holds the runtime settings of the bornbind CLI and the
// viper plumbing that loads them.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/born-ml/bornbind/internal/log"
	"github.com/born-ml/bornbind/internal/tracing"
)

// EnvPrefix prefixes environment overrides, e.g. BORNBIND_MODE=gpu.
const EnvPrefix = "BORNBIND"

// Config holds all configuration options.
type Config struct {
	Mode     string         `mapstructure:"mode"` // "cpu" or "gpu"
	DeviceID int            `mapstructure:"device_id"`
	LogFile  string         `mapstructure:"log_file"`
	LogLevel string         `mapstructure:"log_level"`
	Tracing  tracing.Config `mapstructure:"tracing"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Mode:     "cpu",
		LogLevel: "info",
		Tracing:  tracing.DefaultConfig(),
	}
}

// SetDefaults registers Defaults with v and enables environment overrides.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("mode", d.Mode)
	v.SetDefault("device_id", d.DeviceID)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads file (when non-empty) into v and decodes the result. Flags
// bound to v before the call take precedence over the file.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Mode) {
	case "cpu", "gpu":
	default:
		errs = append(errs, fmt.Errorf("mode: want cpu or gpu, got %q", c.Mode))
	}
	if c.DeviceID < 0 {
		errs = append(errs, fmt.Errorf("device_id: must be >= 0, got %d", c.DeviceID))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// GPU reports whether the configured mode is GPU.
func (c Config) GPU() bool { return strings.EqualFold(c.Mode, "gpu") }
