// conf/validate.go

package conf

import (
	"fmt"
	"math/bits"
	"net"
	"strings"

	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
)

// ValidationError collects every problem found in one pass.
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if strings.TrimSpace(settings.Backend) == "" {
		ve.Errors = append(ve.Errors, "backend must be set")
	}
	if err := validateOutputSettings(&settings.Output); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateCaptureSettings(&settings.Capture); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateMetricsSettings(&settings.Metrics); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateLoggingSettings(&settings.Logging); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateOutputSettings(s *OutputSettings) error {
	var problems []string
	if s.SampleRate <= 0 {
		problems = append(problems, fmt.Sprintf("samplerate must be positive, got %d", s.SampleRate))
	}
	if s.LatencyMs <= 0 {
		problems = append(problems, fmt.Sprintf("latencyms must be positive, got %d", s.LatencyMs))
	}
	if s.BlockFrames < 0 {
		problems = append(problems, fmt.Sprintf("blockframes must not be negative, got %d", s.BlockFrames))
	}
	if s.ChunkSize <= 0 {
		problems = append(problems, fmt.Sprintf("chunksize must be positive, got %d", s.ChunkSize))
	}
	if s.RetryInterval <= 0 {
		problems = append(problems, fmt.Sprintf("retryinterval must be positive, got %s", s.RetryInterval))
	}
	if s.BlockTimeout < 0 {
		problems = append(problems, fmt.Sprintf("blocktimeout must not be negative, got %s", s.BlockTimeout))
	}
	return joinProblems("output", problems)
}

func validateCaptureSettings(s *CaptureSettings) error {
	var problems []string
	if s.SampleRate <= 0 {
		problems = append(problems, fmt.Sprintf("samplerate must be positive, got %d", s.SampleRate))
	}
	if s.LatencyMs <= 0 {
		problems = append(problems, fmt.Sprintf("latencyms must be positive, got %d", s.LatencyMs))
	}
	if s.Oversize < 1 || bits.OnesCount(uint(s.Oversize)) != 1 {
		problems = append(problems, fmt.Sprintf("oversize must be a power of two, got %d", s.Oversize))
	}
	if s.OverrunTimeout < 0 {
		problems = append(problems, fmt.Sprintf("overruntimeout must not be negative, got %s", s.OverrunTimeout))
	}
	return joinProblems("capture", problems)
}

func validateMetricsSettings(s *MetricsSettings) error {
	if !s.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return fmt.Errorf("metrics: invalid listen address %q: %w", s.Listen, err)
	}
	return nil
}

func validateLoggingSettings(s *logger.LoggingConfig) error {
	fo := s.FileOutput
	if fo == nil {
		return nil
	}
	var problems []string
	if fo.BufferSize < 0 {
		problems = append(problems, fmt.Sprintf("file_output.buffer_size must not be negative, got %d", fo.BufferSize))
	}
	if fo.FlushInterval < 0 {
		problems = append(problems, fmt.Sprintf("file_output.flush_interval must not be negative, got %s", fo.FlushInterval))
	}
	if fo.Enabled && strings.TrimSpace(fo.Path) == "" {
		problems = append(problems, "file_output.path is required when file output is enabled")
	}
	return joinProblems("logging", problems)
}

func joinProblems(section string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %s", section, strings.Join(problems, "; "))
}
