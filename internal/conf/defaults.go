// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/pcmstream/internal/logger"
)

// Default stream parameters.
const (
	DefaultBackend        = "malgo"
	DefaultSampleRate     = 48000
	DefaultOutputLatency  = 64
	DefaultCaptureRate    = 16000
	DefaultCaptureLatency = 100
	DefaultChunkSize      = 1024
	DefaultOversize       = 4
	DefaultMetricsListen  = "127.0.0.1:9464"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("backend", DefaultBackend)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", logger.DefaultConsoleEnabled)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.console.stderr", true)
	v.SetDefault("logging.file_output.enabled", logger.DefaultFileEnabled)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.buffer_size", logger.DefaultBufferSize)
	v.SetDefault("logging.file_output.flush_interval", logger.DefaultFlushInterval)

	v.SetDefault("output.device", "default")
	v.SetDefault("output.samplerate", DefaultSampleRate)
	v.SetDefault("output.latencyms", DefaultOutputLatency)
	v.SetDefault("output.blockframes", 0)
	v.SetDefault("output.chunksize", DefaultChunkSize)
	v.SetDefault("output.nonblocking", false)
	v.SetDefault("output.retryinterval", time.Millisecond)
	v.SetDefault("output.blocktimeout", time.Duration(0))

	v.SetDefault("capture.device", "default")
	v.SetDefault("capture.samplerate", DefaultCaptureRate)
	v.SetDefault("capture.latencyms", DefaultCaptureLatency)
	v.SetDefault("capture.nonblocking", false)
	v.SetDefault("capture.oversize", DefaultOversize)
	v.SetDefault("capture.overruntimeout", time.Duration(0))

	v.SetDefault("malgo.preferfloat", false)
	v.SetDefault("malgo.devicecachettl", 30*time.Second)

	v.SetDefault("virtual.realtime", true)
	v.SetDefault("virtual.float32", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", DefaultMetricsListen)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
