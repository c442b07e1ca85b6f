package output

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/backend/virtual"
	"github.com/tphakala/pcmstream/internal/errors"
	"github.com/tphakala/pcmstream/internal/logger"
	"github.com/tphakala/pcmstream/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

// music is 48kHz with 64ms latency: 12288 bytes of 16-bit stereo, 11 chunks
// plus the accumulator.
var music = Config{SampleRate: 48000, LatencyMs: 64}

func openStream(t *testing.T, drv *virtual.Driver, cfg Config, opts ...Option) (*Stream, *virtual.PlaybackDevice) {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := Open(drv, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, drv.Playback(0)
}

func TestBufferCount(t *testing.T) {
	t.Parallel()

	s16 := backend.Format{SampleRate: 48000, Channels: 2, Encoding: backend.EncodingInt16}
	f32 := backend.Format{SampleRate: 48000, Channels: 2, Encoding: backend.EncodingFloat32}

	tests := []struct {
		name    string
		format  backend.Format
		latency int
		want    int
	}{
		{"64ms s16", s16, 64, 11},
		{"64ms f32", f32, 64, 23},
		{"tiny latency keeps two buffers", s16, 1, MinBuffers},
		{"zero latency keeps two buffers", s16, 0, MinBuffers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, BufferCount(tt.format, tt.latency, DefaultChunkSize))
		})
	}
}

func TestOpenInt16Scenario(t *testing.T) {
	s, dev := openStream(t, virtual.New(), music)

	assert.False(t, s.UsesFloat())
	assert.Equal(t, backend.Format{SampleRate: 48000, Channels: 2, Encoding: backend.EncodingInt16}, s.Format())
	assert.Equal(t, 11, s.BufferCount())
	assert.Equal(t, 12*1024, s.BufferSize())
	assert.Equal(t, s.BufferSize(), s.WriteAvailable())
	assert.Equal(t, 11, dev.Buffers())
	assert.Equal(t, s.Format(), dev.Format())
	assert.True(t, s.Alive())
	assert.Equal(t, []string{"configure", "alloc"}, dev.Calls())
}

func TestOpenPrefersFloat32(t *testing.T) {
	s, dev := openStream(t, virtual.New(virtual.WithFloat32(true)), music)

	assert.True(t, s.UsesFloat())
	assert.Equal(t, backend.EncodingFloat32, dev.Format().Encoding)
	assert.Equal(t, 23, s.BufferCount())
}

func TestNonblockingWriteStopsAtCapacity(t *testing.T) {
	s, dev := openStream(t, virtual.New(), Config{SampleRate: 48000, LatencyMs: 64, Nonblocking: true})

	total := 0
	block := make([]byte, 1000)
	for range 20 {
		n, err := s.Write(block)
		require.NoError(t, err)
		total += n
		if n < len(block) {
			break
		}
	}
	assert.Equal(t, s.BufferSize(), total)
	assert.Zero(t, s.WriteAvailable())
	assert.Equal(t, 11, dev.Queued())

	n, err := s.Write(block)
	require.NoError(t, err)
	assert.Zero(t, n, "full stream accepts nothing")

	// one played chunk makes exactly one chunk of room
	dev.Complete(1)
	assert.Equal(t, DefaultChunkSize, s.WriteAvailable())
}

func TestWriteStartsPlaybackOnFirstChunk(t *testing.T) {
	s, dev := openStream(t, virtual.New(), music)

	n, err := s.Write(make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.False(t, dev.Playing(), "partial chunk stays in the accumulator")
	assert.Zero(t, dev.TotalQueued())

	n, err = s.Write(make([]byte, DefaultChunkSize))
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, n)
	assert.True(t, dev.Playing())
	assert.Equal(t, 1, dev.TotalQueued())
	assert.Equal(t, 100, s.Status().Pending)
}

func TestChunksPlayInWriteOrder(t *testing.T) {
	s, dev := openStream(t, virtual.New(), music)

	var want []byte
	for i := range 5 {
		chunk := bytes.Repeat([]byte{byte(i + 1)}, DefaultChunkSize)
		want = append(want, chunk...)
		// odd write sizes cross chunk boundaries
		for off := 0; off < len(chunk); off += 300 {
			_, err := s.Write(chunk[off:min(off+300, len(chunk))])
			require.NoError(t, err)
		}
	}
	dev.CompleteAll()
	assert.Equal(t, want, dev.Played())
}

func TestFreedBuffersAreReusedLastInFirstOut(t *testing.T) {
	drv := virtual.New(virtual.WithStopOnUnderrun(false))
	s, dev := openStream(t, drv, Config{SampleRate: 8000, LatencyMs: 10, Nonblocking: true})
	require.Equal(t, MinBuffers, s.BufferCount())

	chunk := make([]byte, DefaultChunkSize)
	_, err := s.Write(chunk)
	require.NoError(t, err)
	_, err = s.Write(chunk)
	require.NoError(t, err)
	require.Equal(t, 2, dev.Queued())

	dev.CompleteAll()
	_, err = s.Write(chunk)
	require.NoError(t, err)

	// the free stack hands out ids[1] then ids[0]; both come back in that
	// order, so ids[0] is on top and goes out first
	assert.Equal(t, 1, dev.Queued())
	assert.Equal(t, SlotQueued, s.state[s.ids[0]])
	assert.Equal(t, SlotFree, s.state[s.ids[1]])
	assert.Equal(t, []backend.BufferID{s.ids[1]}, s.free)
}

func TestBackendRejectionKeepsChunk(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewEngineMetrics(registry)
	require.NoError(t, err)

	s, dev := openStream(t, virtual.New(), Config{SampleRate: 48000, LatencyMs: 64, Nonblocking: true},
		WithMetrics(m), WithStreamID("speaker"))

	boom := fmt.Errorf("device lost")
	dev.FailNextEnqueue(boom)

	chunk := bytes.Repeat([]byte{7}, DefaultChunkSize)
	n, err := s.Write(chunk)
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrBackendRejected)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errors.IsCategory(err, errors.CategoryBackend))
	assert.Equal(t, DefaultChunkSize, n, "bytes were accepted into the accumulator")
	assert.Equal(t, 11, s.FreeSlots(), "slot returned to the free stack")

	// the next write sends the retained chunk first
	n, err = s.Write([]byte{1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dev.CompleteAll()
	assert.Equal(t, chunk, dev.Played())

	assert.Equal(t, 1, testutil.CollectAndCount(m, "pcmstream_backend_rejections_total"))
}

func TestPlayFailureIsReported(t *testing.T) {
	boom := fmt.Errorf("no output")
	s, dev := openStream(t, virtual.New(virtual.WithFailures(virtual.Failures{Play: boom})), music)

	_, err := s.Write(make([]byte, DefaultChunkSize))
	assert.ErrorIs(t, err, backend.ErrBackendRejected)
	assert.Equal(t, 1, dev.Queued(), "chunk stays queued")
}

func TestBlockingWriteWaitsForPolledCompletion(t *testing.T) {
	s, dev := openStream(t, virtual.New(), Config{SampleRate: 8000, LatencyMs: 10},
		WithRetryInterval(time.Millisecond))
	require.Equal(t, 3*DefaultChunkSize, s.BufferSize())

	fill := make([]byte, s.BufferSize())
	n, err := s.Write(fill)
	require.NoError(t, err)
	require.Equal(t, len(fill), n)

	done := make(chan int, 1)
	go func() {
		n, _ := s.Write(make([]byte, DefaultChunkSize))
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("write returned while every buffer was queued")
	case <-time.After(20 * time.Millisecond):
	}

	dev.Complete(1)
	select {
	case n := <-done:
		assert.Equal(t, DefaultChunkSize, n)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after a completion")
	}
}

func TestBlockingWriteWakesOnCompletionNotification(t *testing.T) {
	// a long retry interval proves the wake came from the notification
	s, dev := openStream(t, virtual.New(virtual.WithCompletionNotify(true)),
		Config{SampleRate: 8000, LatencyMs: 10}, WithRetryInterval(time.Hour))

	_, err := s.Write(make([]byte, s.BufferSize()))
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() {
		n, _ := s.Write(make([]byte, DefaultChunkSize))
		done <- n
	}()
	time.Sleep(10 * time.Millisecond)
	dev.Complete(1)

	select {
	case n := <-done:
		assert.Equal(t, DefaultChunkSize, n)
	case <-time.After(time.Second):
		t.Fatal("write did not wake on completion")
	}
}

func TestStopReleasesBlockedWriter(t *testing.T) {
	s, _ := openStream(t, virtual.New(), Config{SampleRate: 8000, LatencyMs: 10})
	_, err := s.Write(make([]byte, s.BufferSize()))
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.Write(make([]byte, 2*DefaultChunkSize))
		done <- result{n, err}
	}()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, s.Stop())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Zero(t, r.n)
	case <-time.After(time.Second):
		t.Fatal("writer still blocked after Stop")
	}
	assert.False(t, s.Alive())

	// stop twice is harmless and start resumes with the same buffers
	assert.True(t, s.Stop())
	assert.True(t, s.Start())
	assert.True(t, s.Alive())
	assert.Equal(t, 2, s.BufferCount())
}

func TestBlockingWriteHonoursContextAndTimeout(t *testing.T) {
	s, _ := openStream(t, virtual.New(), Config{SampleRate: 8000, LatencyMs: 10},
		WithBlockTimeout(10*time.Millisecond))
	_, err := s.Write(make([]byte, s.BufferSize()))
	require.NoError(t, err)

	n, err := s.Write(make([]byte, DefaultChunkSize))
	require.NoError(t, err, "timeout is backpressure, not an error")
	assert.Zero(t, n)

	s.SetNonblocking(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = s.WriteContext(ctx, make([]byte, DefaultChunkSize))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))
}

func TestOpenRollsBackOnFailure(t *testing.T) {
	boom := fmt.Errorf("device busy")

	tests := []struct {
		name     string
		failures virtual.Failures
		calls    []string
	}{
		{"open device", virtual.Failures{OpenPlayback: boom}, nil},
		{"configure", virtual.Failures{Configure: boom}, []string{"configure", "close"}},
		{"alloc buffers", virtual.Failures{AllocBuffers: boom}, []string{"configure", "alloc", "close"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := virtual.New(virtual.WithFailures(tt.failures))
			s, err := Open(drv, music, WithLogger(quietLogger()))
			assert.Nil(t, s)
			assert.ErrorIs(t, err, backend.ErrInitializationFailed)
			assert.ErrorIs(t, err, boom)
			assert.True(t, errors.IsCategory(err, errors.CategoryInitialization))
			if tt.calls != nil {
				assert.Equal(t, tt.calls, drv.Playback(0).Calls())
			}
		})
	}

	_, err := Open(virtual.New(), Config{SampleRate: 48000}, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, backend.ErrInitializationFailed)
	_, err = Open(virtual.New(), music, WithLogger(quietLogger()), WithChunkSize(0))
	assert.ErrorIs(t, err, backend.ErrInitializationFailed)
	_, err = Open(nil, music, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, backend.ErrInitializationFailed)
}

func TestCloseOrderAndIdempotence(t *testing.T) {
	drv := virtual.New(virtual.WithStopOnUnderrun(false))
	s, err := Open(drv, music, WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = s.Write(make([]byte, 3*DefaultChunkSize+10))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, uint64(10), s.Discarded(), "partial chunk is dropped")

	dev := drv.Playback(0)
	assert.Equal(t, []string{"configure", "alloc", "play", "stop", "release", "close"}, dev.Calls())
	assert.Zero(t, dev.Buffers())
	assert.True(t, dev.Closed())

	_, err = s.Write([]byte{1})
	assert.ErrorIs(t, err, backend.ErrClosed)
	assert.Zero(t, s.WriteAvailable())
	assert.False(t, s.Stop())
	assert.False(t, s.Start())
	assert.False(t, s.Alive())

	var nilStream *Stream
	assert.NoError(t, nilStream.Close())
}

func TestChunkOnBoundaryStaysPendingUntilNextWrite(t *testing.T) {
	drv := virtual.New()
	s, err := Open(drv, music, WithLogger(quietLogger()))
	require.NoError(t, err)
	dev := drv.Playback(0)

	// twelve chunks into eleven buffers: the last one has nowhere to go but
	// the write has nothing left to wait for
	n, err := s.Write(make([]byte, 12*DefaultChunkSize))
	require.NoError(t, err)
	assert.Equal(t, 12*DefaultChunkSize, n)
	assert.Equal(t, 11, dev.Queued())
	assert.Equal(t, DefaultChunkSize, s.Status().Pending)

	dev.Complete(1)
	n, err = s.Write(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 11, dev.Queued())
	assert.Zero(t, s.Status().Pending)

	_, err = s.Write(make([]byte, DefaultChunkSize))
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, s.Status().Pending)
	assert.Zero(t, s.Discarded())

	require.NoError(t, s.Close())
	assert.Equal(t, uint64(DefaultChunkSize), s.Discarded())
}

func TestRealtimePlaybackDrains(t *testing.T) {
	sink := &bytes.Buffer{}
	drv := virtual.New(virtual.WithRealtime(true), virtual.WithSink(sink))
	s, dev := openStream(t, drv, Config{SampleRate: 48000, LatencyMs: 20})

	// about 26ms of audio, more than the buffers hold at once; the extra
	// byte makes the fifth chunk flush while the write still has input
	payload := bytes.Repeat([]byte{3}, 5*DefaultChunkSize+1)
	n, err := s.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	assert.Eventually(t, func() bool { return dev.Queued() == 0 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, uint64(5), s.Status().ChunksQueued)
}

func TestStatus(t *testing.T) {
	s, _ := openStream(t, virtual.New(), music, WithStreamID("main"))

	_, err := s.Write(make([]byte, DefaultChunkSize+5))
	require.NoError(t, err)

	st := s.Status()
	assert.Equal(t, "main", st.ID)
	assert.Equal(t, metrics.KindOutput, st.Kind)
	assert.Equal(t, "48000Hz/2ch/s16le", st.Format)
	assert.Equal(t, 11, st.Buffers)
	assert.Equal(t, 10, st.FreeBuffers)
	assert.Equal(t, 5, st.Pending)
	assert.Equal(t, uint64(DefaultChunkSize+5), st.BytesWritten)
	assert.Equal(t, 12*1024, st.Capacity)
	assert.Equal(t, "queued", SlotQueued.String())
}
