package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/pcmstream/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "debug: false\n")

	s, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, DefaultBackend, s.Backend)
	assert.Equal(t, 48000, s.Output.SampleRate)
	assert.Equal(t, 64, s.Output.LatencyMs)
	assert.Equal(t, 1024, s.Output.ChunkSize)
	assert.Equal(t, time.Millisecond, s.Output.RetryInterval)
	assert.Equal(t, 16000, s.Capture.SampleRate)
	assert.Equal(t, 100, s.Capture.LatencyMs)
	assert.Equal(t, 4, s.Capture.Oversize)
	assert.Equal(t, 30*time.Second, s.Malgo.DeviceCacheTTL)
	assert.True(t, s.Logging.Console.Stderr)
	assert.Equal(t, 32*1024, s.Logging.FileOutput.BufferSize)
	assert.Equal(t, 5*time.Second, s.Logging.FileOutput.FlushInterval)
	assert.Same(t, s, GetSettings())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend: virtual
output:
  samplerate: 8000
  latencyms: 10
  blocktimeout: 250ms
capture:
  oversize: 8
  overruntimeout: 20ms
metrics:
  enabled: true
  listen: 127.0.0.1:0
`)

	s, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "virtual", s.Backend)
	assert.Equal(t, 8000, s.Output.SampleRate)
	assert.Equal(t, 10, s.Output.LatencyMs)
	assert.Equal(t, 250*time.Millisecond, s.Output.BlockTimeout)
	assert.Equal(t, 8, s.Capture.Oversize)
	assert.Equal(t, 20*time.Millisecond, s.Capture.OverrunTimeout)
	assert.True(t, s.Metrics.Enabled)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "output:\n  latencyms: 10\n")
	t.Setenv("PCMSTREAM_OUTPUT_LATENCYMS", "200")
	t.Setenv("PCMSTREAM_CAPTURE_NONBLOCKING", "true")

	s, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 200, s.Output.LatencyMs)
	assert.True(t, s.Capture.Nonblocking)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := writeConfig(t, `
output:
  samplerate: 0
capture:
  oversize: 3
`)
	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Contains(t, err.Error(), "samplerate must be positive")
	assert.Contains(t, err.Error(), "oversize must be a power of two")
}

func TestRenderRoundTripsThroughYAML(t *testing.T) {
	s, err := Load(viper.New(), writeConfig(t, "backend: virtual\n"))
	require.NoError(t, err)

	out, err := Render(s)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(out, &decoded))
	assert.Equal(t, "virtual", decoded["backend"])
	assert.Contains(t, decoded, "output")
	assert.Contains(t, decoded, "capture")
}

func TestSaveYAMLConfig(t *testing.T) {
	s, err := Load(viper.New(), writeConfig(t, "backend: virtual\n"))
	require.NoError(t, err)
	s.Output.LatencyMs = 32

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveYAMLConfig(path, s))

	reloaded, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 32, reloaded.Output.LatencyMs)
	assert.Equal(t, "virtual", reloaded.Backend)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file removed")
}
