// Package conf loads pcmstream settings from defaults, an optional YAML file,
// command line flags and PCMSTREAM_* environment variables.
package conf

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
)

// OutputSettings configures playback streams.
type OutputSettings struct {
	Device        string        `yaml:"device" mapstructure:"device"`               // device name or id, "default" for the system default
	SampleRate    int           `yaml:"samplerate" mapstructure:"samplerate"`       // Hz
	LatencyMs     int           `yaml:"latencyms" mapstructure:"latencyms"`         // requested buffering latency
	BlockFrames   int           `yaml:"blockframes" mapstructure:"blockframes"`     // backend period, 0 lets the backend choose
	ChunkSize     int           `yaml:"chunksize" mapstructure:"chunksize"`         // bytes per backend buffer
	Nonblocking   bool          `yaml:"nonblocking" mapstructure:"nonblocking"`     // writes return short instead of waiting
	RetryInterval time.Duration `yaml:"retryinterval" mapstructure:"retryinterval"` // completion poll interval
	BlockTimeout  time.Duration `yaml:"blocktimeout" mapstructure:"blocktimeout"`   // 0 waits until stopped or cancelled
}

// CaptureSettings configures capture streams.
type CaptureSettings struct {
	Device         string        `yaml:"device" mapstructure:"device"`
	SampleRate     int           `yaml:"samplerate" mapstructure:"samplerate"`
	LatencyMs      int           `yaml:"latencyms" mapstructure:"latencyms"`
	Nonblocking    bool          `yaml:"nonblocking" mapstructure:"nonblocking"`
	Oversize       int           `yaml:"oversize" mapstructure:"oversize"`             // ring size in blocks, power of two
	OverrunTimeout time.Duration `yaml:"overruntimeout" mapstructure:"overruntimeout"` // 0 blocks the producer until space frees
}

// MalgoSettings configures the miniaudio backend.
type MalgoSettings struct {
	PreferFloat    bool          `yaml:"preferfloat" mapstructure:"preferfloat"`
	DeviceCacheTTL time.Duration `yaml:"devicecachettl" mapstructure:"devicecachettl"`
}

// VirtualSettings configures the virtual backend.
type VirtualSettings struct {
	Realtime bool `yaml:"realtime" mapstructure:"realtime"` // consume and produce audio at the sample rate
	Float32  bool `yaml:"float32" mapstructure:"float32"`   // report float32 support
}

// MetricsSettings configures the Prometheus and status endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"` // host:port
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// Settings is the complete pcmstream configuration.
type Settings struct {
	Debug   bool                 `yaml:"debug" mapstructure:"debug"`
	Backend string               `yaml:"backend" mapstructure:"backend"` // registered driver name
	Logging logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Output  OutputSettings       `yaml:"output" mapstructure:"output"`
	Capture CaptureSettings      `yaml:"capture" mapstructure:"capture"`
	Malgo   MalgoSettings        `yaml:"malgo" mapstructure:"malgo"`
	Virtual VirtualSettings      `yaml:"virtual" mapstructure:"virtual"`
	Metrics MetricsSettings      `yaml:"metrics" mapstructure:"metrics"`
	Sentry  SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load builds the settings on v. configFile, when set, must exist; otherwise
// the default config paths are searched and a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	if err := configureEnvironmentVariables(v); err != nil {
		// bad env values surface again in validation
		GetLogger().Warn("environment variable issues", logger.Error(err))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		paths, err := GetDefaultConfigPaths()
		if err != nil {
			return err
		}
		for _, path := range paths {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			GetLogger().Debug("no config file found, using defaults")
			return nil
		}
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "read_config").
			Context("config_file", configFile).
			Build()
	}

	GetLogger().Debug("loaded config file", logger.String("path", v.ConfigFileUsed()))
	return nil
}

// GetSettings returns the settings from the last successful Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Render returns the settings as YAML.
func Render(settings *Settings) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "render_yaml").
			Build()
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SaveYAMLConfig writes settings to configPath through a temporary file so a
// crash never leaves a truncated config behind.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := Render(settings)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			FileContext(configPath, 0).
			Build()
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			FileContext(configPath, 0).
			Build()
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName) //nolint:errcheck // gone after a successful rename

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			FileContext(tempName, int64(len(data))).
			Build()
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tempName, configPath); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			FileContext(configPath, int64(len(data))).
			Build()
	}
	return nil
}
