package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkBuffersUntilFlush(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "sink.log")
	sink, err := openFileSink(path, 0, 0)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	line := "stream opened\n"
	n, err := sink.Write([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Equal(t, len(line), sink.pending())

	content, err := os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Empty(t, content)

	require.NoError(t, sink.Flush())
	assert.Zero(t, sink.pending())
	content, err = os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, line, string(content))
}

func TestFileSinkFlushesOnInterval(t *testing.T) {
	t.Parallel()

	sink, err := openFileSink(filepath.Join(t.TempDir(), "tick.log"), 0, 20*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	_, err = sink.Write([]byte("periodic\n"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return sink.pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestFileSinkSmallBufferSpills(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "small.log")
	sink, err := openFileSink(path, 16, 0)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	_, err = sink.Write([]byte("a line longer than sixteen bytes\n"))
	require.NoError(t, err)

	content, err := os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, "a line longer than sixteen bytes\n", string(content))
}

func TestFileSinkCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "close.log")
	sink, err := openFileSink(path, 1024, time.Hour)
	require.NoError(t, err)

	_, err = sink.Write([]byte("before close\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	content, err := os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, "before close\n", string(content))

	_, err = sink.Write([]byte("after close"))
	require.ErrorIs(t, err, errSinkClosed)
	assert.NoError(t, sink.Flush())
	assert.Zero(t, sink.pending())
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "concurrent.log")
	sink, err := openFileSink(path, 0, time.Millisecond)
	require.NoError(t, err)

	const goroutines, writes = 8, 100

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range writes {
				_, err := sink.Write([]byte("chunk queued\n"))
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	content, err := os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, goroutines*writes, strings.Count(string(content), "\n"))
}

func TestCentralLoggerUsesFileBufferSettings(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		Console: &ConsoleOutput{Enabled: false},
		FileOutput: &FileOutput{
			Enabled:       true,
			Path:          path,
			Level:         "info",
			BufferSize:    64 * 1024,
			FlushInterval: 0,
		},
	})
	require.NoError(t, err)
	defer func() { _ = cl.Close() }()

	cl.Module("output").Info("held in the buffer")
	content, err := os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Empty(t, content, "no flush interval means nothing reaches disk on its own")

	require.NoError(t, cl.Flush())
	content, err = os.ReadFile(path) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Contains(t, string(content), "held in the buffer")
}

func TestDefaultFileOutputBuffering(t *testing.T) {
	t.Parallel()

	cfg := &LoggingConfig{}
	applyConfigDefaults(cfg)
	assert.Equal(t, DefaultBufferSize, cfg.FileOutput.BufferSize)
	assert.Equal(t, DefaultFlushInterval, cfg.FileOutput.FlushInterval)
	assert.False(t, cfg.FileOutput.Enabled)
}

func TestFanOutKeepsPerHandlerLevels(t *testing.T) {
	t.Parallel()

	var console, file bytes.Buffer
	h := fanOut([]slog.Handler{
		slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
	log := slog.New(h).With("stream_id", "s1")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	log.Debug("queued")
	log.Warn("rejected")

	assert.NotContains(t, console.String(), "queued")
	assert.Contains(t, console.String(), "rejected")
	assert.Contains(t, console.String(), "stream_id=s1")

	lines := decodeLines(t, &file)
	require.Len(t, lines, 2)
	assert.Equal(t, "queued", lines[0]["msg"])
	assert.Equal(t, "s1", lines[1]["stream_id"])

	single := slog.NewTextHandler(&console, nil)
	assert.Same(t, single, fanOut([]slog.Handler{single}))
}
