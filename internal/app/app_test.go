package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/backend/virtual"
	"github.com/tphakala/pcmstream/internal/buildinfo"
	"github.com/tphakala/pcmstream/internal/capture"
	"github.com/tphakala/pcmstream/internal/conf"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/output"
)

func newTestContext(t *testing.T, overrides map[string]any) *Context {
	t.Helper()
	v := viper.New()
	v.Set("backend", virtual.DriverName)
	v.Set("virtual.realtime", false)
	for k, val := range overrides {
		v.Set(k, val)
	}
	settings, err := conf.Load(v, "")
	require.NoError(t, err)

	c := NewContext(buildinfo.NewContext("1.2.3", "", "abc"))
	require.NoError(t, c.InitWithSettings(settings))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpenDriverVirtual(t *testing.T) {
	c := newTestContext(t, nil)

	drv, closer, err := c.OpenDriver()
	require.NoError(t, err)
	assert.Equal(t, virtual.DriverName, drv.Name())
	assert.NoError(t, closer.Close())
}

func TestOpenDriverUnknown(t *testing.T) {
	c := newTestContext(t, nil)
	c.Settings.Backend = "nope"

	_, _, err := c.OpenDriver()
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUnknownDriver)
}

func TestOutputConfigMapsSettings(t *testing.T) {
	c := newTestContext(t, map[string]any{
		"output.device":      "speakers",
		"output.latencyms":   200,
		"output.nonblocking": true,
	})

	cfg, opts := c.OutputConfig(0)
	assert.Equal(t, output.Config{
		Device:      "speakers",
		SampleRate:  conf.DefaultSampleRate,
		LatencyMs:   200,
		Nonblocking: true,
	}, cfg)
	assert.Len(t, opts, 5, "metrics are attached once initialised")

	cfg, _ = c.OutputConfig(22050)
	assert.Equal(t, 22050, cfg.SampleRate)
}

func TestCaptureConfigMapsSettings(t *testing.T) {
	c := newTestContext(t, map[string]any{"capture.samplerate": 8000})

	cfg, _ := c.CaptureConfig()
	assert.Equal(t, capture.Config{
		Device:     "default",
		SampleRate: 8000,
		LatencyMs:  conf.DefaultCaptureLatency,
	}, cfg)
}

func TestOpenOutputPublishesStatus(t *testing.T) {
	c := newTestContext(t, nil)
	drv, _, err := c.OpenDriver()
	require.NoError(t, err)

	s, closeFn, err := c.OpenOutput(drv, 44100)
	require.NoError(t, err)
	assert.Equal(t, 44100, s.Format().SampleRate)
	assert.Equal(t, 2, s.Format().Channels)

	entry, ok := c.Streams.Get(s.ID())
	require.True(t, ok)
	status, ok := entry.Status.(output.Status)
	require.True(t, ok)
	assert.Equal(t, s.BufferCount(), status.Buffers)

	require.NoError(t, closeFn())
	_, ok = c.Streams.Get(s.ID())
	assert.False(t, ok)
	assert.False(t, s.Alive())
}

func TestOpenCapturePublishesStatus(t *testing.T) {
	c := newTestContext(t, nil)
	drv, _, err := c.OpenDriver()
	require.NoError(t, err)

	s, closeFn, err := c.OpenCapture(drv)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Format().Channels)
	assert.Len(t, c.Streams.Snapshot(), 1)

	require.NoError(t, closeFn())
	assert.Empty(t, c.Streams.Snapshot())
}

func TestRunEndpointDisabled(t *testing.T) {
	c := newTestContext(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.RunEndpoint(ctx))
}

func TestRunEndpointStopsWithContext(t *testing.T) {
	c := newTestContext(t, map[string]any{
		"metrics.enabled": true,
		"metrics.listen":  "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.RunEndpoint(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint did not stop")
	}
}

func TestDebugRaisesLogLevel(t *testing.T) {
	c := newTestContext(t, map[string]any{"debug": true})
	assert.Equal(t, "debug", c.Settings.Logging.DefaultLevel)
}

func TestBindFlagsOverridesSettings(t *testing.T) {
	c := NewContext(buildinfo.NewContext("dev", "", ""))
	c.Viper.Set("virtual.realtime", false)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("backend", "", "")
	flags.Int("latency", 0, "")
	require.NoError(t, c.BindFlags(flags, map[string]string{
		"backend": "backend",
		"latency": "output.latencyms",
	}))
	require.NoError(t, flags.Parse([]string{"--backend=virtual", "--latency=250"}))

	settings, err := conf.Load(c.Viper, "")
	require.NoError(t, err)
	assert.Equal(t, "virtual", settings.Backend)
	assert.Equal(t, 250, settings.Output.LatencyMs)

	err = c.BindFlags(flags, map[string]string{"missing": "output.device"})
	assert.Error(t, err)
}

func TestRunLoggerTagsStreamID(t *testing.T) {
	c := newTestContext(t, nil)
	var buf bytes.Buffer
	c.log = logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC)

	ctx, log := c.RunLogger(context.Background(), "record", "mic-1")
	log.Info("recording")

	assert.Equal(t, "mic-1", ctx.Value(logger.TraceIDKey))
	assert.Contains(t, buf.String(), `"trace_id":"mic-1"`)
	assert.Contains(t, buf.String(), `"module":"record"`)
}
