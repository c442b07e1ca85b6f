// Package app wires settings into drivers, streams, logging, metrics and
// error telemetry for the command line tools.
package app

import (
	"context"
	"io"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/backend/malgo"
	"github.com/tphakala/pcmstream/internal/backend/virtual"
	"github.com/tphakala/pcmstream/internal/buildinfo"
	"github.com/tphakala/pcmstream/internal/capture"
	"github.com/tphakala/pcmstream/internal/conf"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/observability"
	"github.com/tphakala/pcmstream/internal/output"
)

const componentApp = "app"

// Context carries the loaded settings and shared services between
// subcommands. Create it with NewContext and call Init once flags are parsed.
type Context struct {
	Build    *buildinfo.Context
	Viper    *viper.Viper
	Settings *conf.Settings
	Metrics  *observability.Metrics
	Streams  *observability.Streams

	log         logger.Logger
	central     *logger.CentralLogger
	flushSentry func()
	closeOnce   sync.Once
}

// NewContext returns an uninitialised context with its own viper instance.
func NewContext(build *buildinfo.Context) *Context {
	return &Context{
		Build:       build,
		Viper:       viper.New(),
		Streams:     observability.NewStreams(),
		log:         logger.Global().Module(componentApp),
		flushSentry: func() {},
	}
}

// Init loads settings and starts logging, metrics and telemetry.
func (c *Context) Init(configFile string) error {
	settings, err := conf.Load(c.Viper, configFile)
	if err != nil {
		return err
	}
	return c.InitWithSettings(settings)
}

// InitWithSettings is Init for settings that are already loaded.
func (c *Context) InitWithSettings(settings *conf.Settings) error {
	c.Settings = settings

	if settings.Debug {
		settings.Logging.DefaultLevel = string(logger.LogLevelDebug)
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = string(logger.LogLevelDebug)
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return errors.New(err).
			Component(componentApp).
			Category(errors.CategoryConfiguration).
			Context("operation", "init_logging").
			Build()
	}
	logger.SetGlobal(central)
	c.central = central
	c.log = central.Module(componentApp)

	m, err := observability.NewMetrics()
	if err != nil {
		return errors.New(err).
			Component(componentApp).
			Category(errors.CategoryInitialization).
			Context("operation", "init_metrics").
			Build()
	}
	c.Metrics = m

	flush, err := observability.InitSentry(settings.Sentry, c.Build.Release())
	if err != nil {
		return err
	}
	c.flushSentry = flush

	c.log.Debug("initialised",
		logger.String("version", c.Build.GetVersion()),
		logger.String("backend", settings.Backend))
	return nil
}

// BindFlags binds each flag in keys to its settings key so command line
// values take precedence over the config file and environment.
func (c *Context) BindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return errors.Newf("flag %q is not defined", name).
				Component(componentApp).
				Category(errors.CategoryConfiguration).
				Build()
		}
		if err := c.Viper.BindPFlag(key, flag); err != nil {
			return errors.New(err).
				Component(componentApp).
				Category(errors.CategoryConfiguration).
				Context("flag", name).
				Build()
		}
	}
	return nil
}

// Logger returns the application logger for module.
func (c *Context) Logger(module string) logger.Logger {
	return c.log.Module(module)
}

// RunLogger tags ctx with the stream id as trace id and returns a module
// logger that carries it on every line.
func (c *Context) RunLogger(ctx context.Context, module, streamID string) (context.Context, logger.Logger) {
	ctx = logger.WithTraceID(ctx, streamID)
	return ctx, c.Logger(module).WithContext(ctx)
}

// Close flushes telemetry and log files.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.flushSentry()
		if c.central != nil {
			err = c.central.Close()
		}
	})
	return err
}

// OpenDriver creates the configured backend driver. Close the returned
// closer when the driver is no longer used.
func (c *Context) OpenDriver() (backend.Driver, io.Closer, error) {
	var (
		drv backend.Driver
		err error
	)
	switch name := c.Settings.Backend; name {
	case malgo.DriverName:
		drv, err = malgo.New(
			malgo.WithPreferFloat(c.Settings.Malgo.PreferFloat),
			malgo.WithDeviceCacheTTL(c.Settings.Malgo.DeviceCacheTTL),
			malgo.WithLogger(c.log.Module("malgo")),
		)
	case virtual.DriverName:
		drv = virtual.New(
			virtual.WithRealtime(c.Settings.Virtual.Realtime),
			virtual.WithFloat32(c.Settings.Virtual.Float32),
		)
	default:
		drv, err = backend.New(name)
	}
	if err != nil {
		return nil, nil, err
	}

	closer, ok := drv.(io.Closer)
	if !ok {
		closer = nopCloser{}
	}
	c.log.Info("backend ready", logger.String("backend", drv.Name()))
	return drv, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OutputConfig maps settings to an output stream config. A positive
// sampleRate overrides the configured rate.
func (c *Context) OutputConfig(sampleRate int) (output.Config, []output.Option) {
	s := c.Settings.Output
	cfg := output.Config{
		Device:      s.Device,
		SampleRate:  s.SampleRate,
		LatencyMs:   s.LatencyMs,
		BlockFrames: s.BlockFrames,
		Nonblocking: s.Nonblocking,
	}
	if sampleRate > 0 {
		cfg.SampleRate = sampleRate
	}
	opts := []output.Option{
		output.WithLogger(c.log.Module("output")),
		output.WithChunkSize(s.ChunkSize),
		output.WithRetryInterval(s.RetryInterval),
		output.WithBlockTimeout(s.BlockTimeout),
	}
	if c.Metrics != nil {
		opts = append(opts, output.WithMetrics(c.Metrics.Engine))
	}
	return cfg, opts
}

// CaptureConfig maps settings to a capture stream config.
func (c *Context) CaptureConfig() (capture.Config, []capture.Option) {
	s := c.Settings.Capture
	cfg := capture.Config{
		Device:      s.Device,
		SampleRate:  s.SampleRate,
		LatencyMs:   s.LatencyMs,
		Nonblocking: s.Nonblocking,
	}
	opts := []capture.Option{
		capture.WithLogger(c.log.Module("capture")),
		capture.WithOversize(s.Oversize),
		capture.WithOverrunTimeout(s.OverrunTimeout),
	}
	if c.Metrics != nil {
		opts = append(opts, capture.WithMetrics(c.Metrics.Engine))
	}
	return cfg, opts
}

// OpenOutput opens an output stream and publishes its status. The returned
// function unpublishes and closes the stream.
func (c *Context) OpenOutput(drv backend.Driver, sampleRate int) (*output.Stream, func() error, error) {
	cfg, opts := c.OutputConfig(sampleRate)
	s, err := output.Open(drv, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	c.Streams.Add(s.ID(), func() any { return s.Status() })
	return s, func() error {
		c.Streams.Remove(s.ID())
		return s.Close()
	}, nil
}

// OpenCapture opens a capture stream and publishes its status. The returned
// function unpublishes and closes the stream.
func (c *Context) OpenCapture(drv backend.Driver) (*capture.Stream, func() error, error) {
	cfg, opts := c.CaptureConfig()
	s, err := capture.Open(drv, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	c.Streams.Add(s.ID(), func() any { return s.Status() })
	return s, func() error {
		c.Streams.Remove(s.ID())
		return s.Close()
	}, nil
}

// RunEndpoint serves metrics and stream status until ctx ends. It returns
// immediately when the endpoint is disabled.
func (c *Context) RunEndpoint(ctx context.Context) error {
	if !c.Settings.Metrics.Enabled {
		return nil
	}
	ep, err := observability.NewEndpoint(c.Settings, c.Metrics, c.Streams)
	if err != nil {
		return err
	}
	return ep.Run(ctx)
}
