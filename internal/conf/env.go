// env.go - Environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "PCMSTREAM_DEBUG", validateEnvBool},
		{"backend", "PCMSTREAM_BACKEND", nil},

		// Output
		{"output.device", "PCMSTREAM_OUTPUT_DEVICE", nil},
		{"output.samplerate", "PCMSTREAM_OUTPUT_SAMPLERATE", validateEnvPositiveInt},
		{"output.latencyms", "PCMSTREAM_OUTPUT_LATENCYMS", validateEnvPositiveInt},
		{"output.blockframes", "PCMSTREAM_OUTPUT_BLOCKFRAMES", validateEnvNonNegativeInt},
		{"output.nonblocking", "PCMSTREAM_OUTPUT_NONBLOCKING", validateEnvBool},
		{"output.blocktimeout", "PCMSTREAM_OUTPUT_BLOCKTIMEOUT", validateEnvDuration},

		// Capture
		{"capture.device", "PCMSTREAM_CAPTURE_DEVICE", nil},
		{"capture.samplerate", "PCMSTREAM_CAPTURE_SAMPLERATE", validateEnvPositiveInt},
		{"capture.latencyms", "PCMSTREAM_CAPTURE_LATENCYMS", validateEnvPositiveInt},
		{"capture.nonblocking", "PCMSTREAM_CAPTURE_NONBLOCKING", validateEnvBool},
		{"capture.overruntimeout", "PCMSTREAM_CAPTURE_OVERRUNTIMEOUT", validateEnvDuration},

		{"malgo.preferfloat", "PCMSTREAM_MALGO_PREFERFLOAT", validateEnvBool},

		{"metrics.enabled", "PCMSTREAM_METRICS_ENABLED", validateEnvBool},
		{"metrics.listen", "PCMSTREAM_METRICS_LISTEN", nil},

		{"sentry.enabled", "PCMSTREAM_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "PCMSTREAM_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value: %s", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid integer value: %s", value)
	}
	if n <= 0 {
		return fmt.Errorf("value must be positive, got %d", n)
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid integer value: %s", value)
	}
	if n < 0 {
		return fmt.Errorf("value must not be negative, got %d", n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid duration value: %s", value)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %s", d)
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return bindEnvVars(v)
}
